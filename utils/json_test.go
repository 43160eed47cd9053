package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"sorts nested keys", `{"b":2,"a":{"d":1,"c":0}}`, `{"a":{"c":0,"d":1},"b":2}`, true},
		{"keeps large integers", `{"id":9007199254740993}`, `{"id":9007199254740993}`, true},
		{"not json", `not json`, `not json`, false},
		{"empty", ``, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := Canonicalize([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, string(out))
		})
	}

	a, ok := Canonicalize([]byte(`{"id":9007199254740993}`))
	require.True(t, ok)
	b, ok := Canonicalize([]byte(`{"id":9007199254740992}`))
	require.True(t, ok)
	assert.NotEqual(t, string(a), string(b))
}
