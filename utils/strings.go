package utils

import "sync"

var interned sync.Map

// Intern returns a shared copy of buf as a string. Use it only for bounded
// vocabularies such as metric keys.
func Intern(buf []byte) string {
	if v, ok := interned.Load(string(buf)); ok {
		return v.(string)
	}

	s := string(buf)
	interned.Store(s, s)
	return s
}
