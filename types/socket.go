package types

import (
	"time"
)

type SocketMessage struct {
	Action    string            `json:"action"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	MessageID string            `json:"message_id"`
}

type SocketHandler func(message *SocketMessage) error

// CacheInvalidator is what the socket calls on server-pushed invalidations.
type CacheInvalidator interface {
	ClearCache(pattern string) (int, error)
}
