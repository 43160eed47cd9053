package utils

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

type JSONBufferPool struct {
	pool sync.Pool
}

func (p *JSONBufferPool) Get() *bytes.Buffer {
	if buf := p.pool.Get(); buf != nil {
		return buf.(*bytes.Buffer)
	}
	return bytes.NewBuffer(make([]byte, 0, 1024))
}

func (p *JSONBufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() < 16*1024 {
		p.pool.Put(buf)
	}
}

var jsonPool = &JSONBufferPool{}

func MarshalToBuffer(data interface{}, buf *bytes.Buffer) error {
	buf.Reset()
	encoder := sonic.ConfigDefault.NewEncoder(buf)
	return encoder.Encode(data)
}

func Marshal(data interface{}) ([]byte, error) {
	buf := jsonPool.Get()
	defer jsonPool.Put(buf)

	if err := MarshalToBuffer(data, buf); err != nil {
		return nil, err
	}

	encoded := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	result := make([]byte, len(encoded))
	copy(result, encoded)
	return result, nil
}

// canonicalAPI sorts map keys and keeps numbers as their literal text, so
// integers past 2^53 survive a decode and re-encode unchanged.
var canonicalAPI = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseNumber:        true,
}.Froze()

// MarshalCanonical produces key-sorted JSON so logically equal values encode identically.
func MarshalCanonical(data interface{}) ([]byte, error) {
	return canonicalAPI.Marshal(data)
}

// Canonicalize re-encodes raw JSON with sorted keys. ok is false when raw is not JSON.
func Canonicalize(raw []byte) (out []byte, ok bool) {
	if len(raw) == 0 || !canonicalAPI.Valid(raw) {
		return raw, false
	}

	var v interface{}
	if err := canonicalAPI.Unmarshal(raw, &v); err != nil {
		return raw, false
	}

	out, err := canonicalAPI.Marshal(v)
	if err != nil {
		return raw, false
	}
	return out, true
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(configBytes, target)
}
