package models

import "time"

// Usage reports billed units for one completion.
type Usage struct {
	InputUnits  int `json:"input_units"`
	OutputUnits int `json:"output_units"`
}

// Total returns input plus output units.
func (u Usage) Total() int {
	return u.InputUnits + u.OutputUnits
}

// UsageRecord tracks units billed by one remote call.
type UsageRecord struct {
	ID          int64       `json:"id"`
	Model       string      `json:"model"`
	Fingerprint Fingerprint `json:"fingerprint"`
	InputUnits  int         `json:"input_units"`
	OutputUnits int         `json:"output_units"`
	TotalUnits  int         `json:"total_units"`
	CreatedAt   time.Time   `json:"created_at"`
}

// UsageSummary aggregates usage per model.
type UsageSummary struct {
	Model        string `json:"model"`
	RequestCount int    `json:"request_count"`
	TotalInput   int64  `json:"total_input"`
	TotalOutput  int64  `json:"total_output"`
	TotalUnits   int64  `json:"total_units"`
}
