package cache

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/saiset-co/sai-reliability/utils"
)

const fallbackEntrySize int64 = 64

// Codec is applied to payloads larger than the compression threshold.
type Codec interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// SizeFunc estimates the in-memory footprint of a cached value.
type SizeFunc func(value interface{}) int64

type BrotliCodec struct {
	level int
}

func NewBrotliCodec(level int) *BrotliCodec {
	if level < brotli.BestSpeed || level > brotli.BestCompression {
		level = brotli.DefaultCompression
	}
	return &BrotliCodec{level: level}
}

func (c *BrotliCodec) Name() string {
	return "br"
}

func (c *BrotliCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *BrotliCodec) Decode(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

// EstimateSize measures the serialized form of value. Byte and string
// payloads are measured directly.
func EstimateSize(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	case *[]byte:
		return int64(len(*v))
	}

	data, err := utils.Marshal(value)
	if err != nil {
		return fallbackEntrySize
	}

	return int64(len(data))
}

type payloadKind uint8

const (
	payloadNone payloadKind = iota
	payloadBytes
	payloadString
	payloadCarrier
)

func payloadOf(value interface{}) ([]byte, payloadKind) {
	switch v := value.(type) {
	case []byte:
		return v, payloadBytes
	case string:
		return []byte(v), payloadString
	case interface {
		CachePayload() []byte
		WithCachePayload([]byte) interface{}
	}:
		return v.CachePayload(), payloadCarrier
	default:
		return nil, payloadNone
	}
}

func restorePayload(kind payloadKind, shell interface{}, data []byte) interface{} {
	switch kind {
	case payloadBytes:
		return data
	case payloadString:
		return string(data)
	case payloadCarrier:
		return shell.(interface {
			WithCachePayload([]byte) interface{}
		}).WithCachePayload(data)
	default:
		return nil
	}
}
