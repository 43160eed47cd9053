package client

import (
	"sort"
	"strings"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

// Fingerprint derives the cache and dedup key of a request:
// METHOD:url:headers:body, where headers are lower-cased, trimmed and sorted
// and a JSON body is re-encoded with sorted keys.
func Fingerprint(method, url string, headers map[string]string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(url) + len(body) + 32)

	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(url)
	b.WriteByte(':')
	b.WriteString(canonicalHeaders(headers))
	b.WriteByte(':')
	if canonical, ok := utils.Canonicalize(body); ok {
		b.Write(canonical)
	} else {
		b.Write(body)
	}

	return b.String()
}

func canonicalHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return "{}"
	}

	normalized := make(map[string]string, len(headers))
	for name, value := range headers {
		normalized[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	encoded, err := utils.MarshalCanonical(normalized)
	if err == nil {
		return string(encoded)
	}

	names := make([]string, 0, len(normalized))
	for name := range normalized {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+normalized[name])
	}
	return strings.Join(parts, "&")
}

// encodeBody turns a request body into bytes. Byte slices and strings pass
// through, anything else is marshalled as JSON.
func encodeBody(body interface{}) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		encoded, err := utils.Marshal(v)
		if err != nil {
			return nil, types.Errorf(types.ErrClientRequestFailed, "encode body: %v", err)
		}
		return encoded, nil
	}
}
