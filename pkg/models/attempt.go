package models

import "time"

// AttemptClass labels the outcome of one remote attempt.
type AttemptClass string

const (
	AttemptOK        AttemptClass = "ok"
	AttemptTransient AttemptClass = "transient"
	AttemptPermanent AttemptClass = "permanent"
	AttemptMalformed AttemptClass = "malformed"
)

// AttemptEvent describes a single remote attempt for telemetry hooks.
type AttemptEvent struct {
	RequestID  string        `json:"request_id"`
	Model      string        `json:"model"`
	Attempt    int           `json:"attempt"`
	Class      AttemptClass  `json:"class"`
	StatusCode int           `json:"status_code,omitempty"`
	Err        error         `json:"-"`
	Latency    time.Duration `json:"latency"`
	NextDelay  time.Duration `json:"next_delay,omitempty"`
}

// ResolveState is a step of a single resolution.
type ResolveState string

const (
	StateNew           ResolveState = "new"
	StateFingerprinted ResolveState = "fingerprinted"
	StateCacheHit      ResolveState = "cache_hit"
	StateCacheMiss     ResolveState = "cache_miss"
	StateInFlight      ResolveState = "in_flight"
	StateCachedSuccess ResolveState = "cached_success"
	StateFailed        ResolveState = "failed"
)
