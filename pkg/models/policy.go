package models

import "time"

// RetryPolicy bounds the transport retry loop and the local repair loop.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	JitterFraction float64       `json:"jitter_fraction"`
	RepairPasses   int           `json:"repair_passes"`
}

// DefaultRetryPolicy mirrors the service defaults: three attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.1,
		RepairPasses:   2,
	}
}

// TokenBudget limits the estimated size of a request and its answer.
type TokenBudget struct {
	MaxInputUnits  int `json:"max_input_units"`
	MaxOutputUnits int `json:"max_output_units"`
}
