package models

// SpendPeriod defines the time window for a spend policy.
type SpendPeriod string

const (
	SpendDaily   SpendPeriod = "daily"
	SpendMonthly SpendPeriod = "monthly"
)

// SpendPolicy caps billed units per model per period. An empty Model
// applies to every model.
type SpendPolicy struct {
	Model    string      `json:"model,omitempty" yaml:"model,omitempty" toml:"model"`
	MaxUnits int64       `json:"max_units" yaml:"max_units" toml:"max_units"`
	Period   SpendPeriod `json:"period" yaml:"period" toml:"period"`
}

// SpendStatus shows current usage against a policy.
type SpendStatus struct {
	Policy    SpendPolicy `json:"policy"`
	Used      int64       `json:"used"`
	Remaining int64       `json:"remaining"`
}
