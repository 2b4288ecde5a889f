package models

import "time"

// Fingerprint is the stable identity of a canonicalized request.
type Fingerprint string

// Short returns an abbreviated fingerprint for logs and tables.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// CacheEntry stores a cached completion.
type CacheEntry struct {
	Fingerprint    Fingerprint `json:"fingerprint"`
	Response       []byte      `json:"response"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	SizeBytes      int64       `json:"size_bytes"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries       int64     `json:"entries"`
	TotalBytes    int64     `json:"total_bytes"`
	CapacityBytes int64     `json:"capacity_bytes"`
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Evictions     int64     `json:"evictions"`
	Oldest        time.Time `json:"oldest,omitempty"`
	Newest        time.Time `json:"newest,omitempty"`
}
