package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultMaxEntryBytes is the entry size limit applied when none is configured.
const DefaultMaxEntryBytes = 64 * 1024 * 1024

// Config holds configuration for cache behavior.
type Config struct {
	// MaxEntryBytes is the maximum size of a single entry body in bytes.
	MaxEntryBytes int64
}

// Validate checks that the cache configuration is valid.
func (c *Config) Validate() error {
	if c.MaxEntryBytes < 0 {
		return fmt.Errorf("max entry size cannot be negative")
	}
	return nil
}

// SetDefaults applies default values to unset fields in the configuration.
func (c *Config) SetDefaults() {
	if c.MaxEntryBytes == 0 {
		c.MaxEntryBytes = DefaultMaxEntryBytes
	}
}

// Entry is a stored response.
type Entry struct {
	// Key is the request key (asset path) the entry is stored under.
	Key string
	// Status is the HTTP status code of the stored response.
	Status int
	// Header holds the response headers worth replaying.
	Header http.Header
	// Data is the response body.
	Data []byte
	// StoredAt is when the entry was written.
	StoredAt time.Time
}

// Size returns the size of the entry body in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Data))
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := &Entry{
		Key:      e.Key,
		Status:   e.Status,
		Header:   e.Header.Clone(),
		StoredAt: e.StoredAt,
	}
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return c
}

// entryHeader is the metadata line written in front of an entry body.
type entryHeader struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// encodeEntry serializes an entry as a JSON metadata line followed by the raw body.
func encodeEntry(e *Entry) ([]byte, error) {
	meta, err := json.Marshal(entryHeader{
		Key:      e.Key,
		Status:   e.Status,
		Header:   e.Header,
		StoredAt: e.StoredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry metadata: %w", err)
	}

	buf := make([]byte, 0, len(meta)+1+len(e.Data))
	buf = append(buf, meta...)
	buf = append(buf, '\n')
	buf = append(buf, e.Data...)
	return buf, nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(data []byte) (*Entry, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, ErrCacheCorrupted
	}

	var meta entryHeader
	if err := json.Unmarshal(data[:idx], &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}
	if meta.Key == "" {
		return nil, ErrCacheCorrupted
	}

	return &Entry{
		Key:      meta.Key,
		Status:   meta.Status,
		Header:   meta.Header,
		Data:     append([]byte(nil), data[idx+1:]...),
		StoredAt: meta.StoredAt,
	}, nil
}
