package telemetry

import (
	"math"
	"sort"

	"github.com/saiset-co/sai-reliability/types"
)

// alertRing keeps the latest capacity alerts, oldest first.
type alertRing struct {
	items []types.PerformanceAlert
	start int
	count int
}

func newAlertRing(capacity int) *alertRing {
	if capacity < 1 {
		capacity = 1
	}
	return &alertRing{items: make([]types.PerformanceAlert, capacity)}
}

func (r *alertRing) push(alert types.PerformanceAlert) {
	capacity := len(r.items)
	if r.count < capacity {
		r.items[(r.start+r.count)%capacity] = alert
		r.count++
		return
	}
	r.items[r.start] = alert
	r.start = (r.start + 1) % capacity
}

func (r *alertRing) snapshot() []types.PerformanceAlert {
	out := make([]types.PerformanceAlert, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

func (r *alertRing) clear() {
	r.items = make([]types.PerformanceAlert, len(r.items))
	r.start = 0
	r.count = 0
}

func (r *alertRing) len() int {
	return r.count
}

// sampleRing keeps the latest capacity samples for one name.
type sampleRing struct {
	values []float64
	next   int
	full   bool
}

func newSampleRing(capacity int) *sampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &sampleRing{values: make([]float64, 0, capacity)}
}

func (r *sampleRing) add(value float64) {
	if !r.full {
		r.values = append(r.values, value)
		if len(r.values) == cap(r.values) {
			r.full = true
		}
		return
	}
	r.values[r.next] = value
	r.next = (r.next + 1) % len(r.values)
}

// ordered returns the retained samples oldest first.
func (r *sampleRing) ordered() []float64 {
	out := make([]float64, 0, len(r.values))
	if r.full {
		out = append(out, r.values[r.next:]...)
		out = append(out, r.values[:r.next]...)
		return out
	}
	return append(out, r.values...)
}

// resize keeps the newest samples that fit in capacity.
func (r *sampleRing) resize(capacity int) *sampleRing {
	resized := newSampleRing(capacity)
	samples := r.ordered()
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}
	for _, v := range samples {
		resized.add(v)
	}
	return resized
}

func (r *sampleRing) stats() types.EndpointStats {
	samples := r.ordered()
	if len(samples) == 0 {
		return types.EndpointStats{}
	}

	var sum, maxValue float64
	for _, v := range samples {
		sum += v
		if v > maxValue {
			maxValue = v
		}
	}

	return types.EndpointStats{
		Count: len(samples),
		Avg:   sum / float64(len(samples)),
		P95:   percentile(samples, 0.95),
		Max:   maxValue,
	}
}

// percentile uses the nearest-rank method.
func percentile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
