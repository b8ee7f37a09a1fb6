package cache

import (
	"encoding/json"
	"time"
)

// Entry is a cached response, serialized as JSON before being handed to a
// byte-oriented Cache backend.
type Entry struct {
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	// Provider records which upstream produced Body, so a cache hit can
	// still report an accurate served-by label without re-deriving it.
	Provider string `json:"provider,omitempty"`
}

func encodeEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(data, &e)
	return e, err
}
