// Package cache provides a Redis-backed cache for feature service metadata
// and catalog documents. Layer definitions and service directories change
// rarely; caching them keeps repeated harvests and catalog walks from
// re-fetching the same documents.
package cache

import (
	"time"
)

// Entry is a cached service document.
type Entry struct {
	// Data is the raw JSON document as returned by the service.
	Data []byte `json:"data"`

	// FetchedAt is when the document was retrieved.
	FetchedAt time.Time `json:"fetched_at"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
