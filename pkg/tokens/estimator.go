package tokens

import (
	"errors"
	"fmt"
	"unicode"
)

const (
	// DefaultCharsPerUnit is the average number of alphanumeric characters per unit.
	DefaultCharsPerUnit = 3.5

	// DefaultWhitespaceWeight scales the cost of whitespace characters.
	DefaultWhitespaceWeight = 0.25

	// DefaultSpecialWeight scales the cost of punctuation and non-ASCII characters.
	DefaultSpecialWeight = 2.0
)

// ErrBudgetExceeded is returned when content cannot be fit into a budget.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// BudgetError reports which part of a request did not fit.
type BudgetError struct {
	Part     string
	Required int
	Limit    int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: %s needs %d units, limit %d", ErrBudgetExceeded, e.Part, e.Required, e.Limit)
}

// Unwrap lets callers match with errors.Is(err, ErrBudgetExceeded).
func (e *BudgetError) Unwrap() error {
	return ErrBudgetExceeded
}

// Counter estimates unit counts for text.
type Counter interface {
	// Estimate returns the estimated number of units in text.
	Estimate(text string) int

	// Fits reports whether text fits within limit units.
	Fits(text string, limit int) bool
}

// Estimator is the default Counter.
type Estimator struct {
	CharsPerUnit     float64
	WhitespaceWeight float64
	SpecialWeight    float64
}

// NewEstimator creates an Estimator with the default weights.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerUnit:     DefaultCharsPerUnit,
		WhitespaceWeight: DefaultWhitespaceWeight,
		SpecialWeight:    DefaultSpecialWeight,
	}
}

// Estimate returns the estimated unit count of text. Empty text is 0 units;
// anything else is rounded down and padded by one unit.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	var alnum, space, special int
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space++
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			alnum++
		default:
			special++
		}
	}

	cpu := e.CharsPerUnit
	if cpu <= 0 {
		cpu = DefaultCharsPerUnit
	}
	units := float64(alnum)/cpu +
		float64(space)/cpu*e.WhitespaceWeight +
		float64(special)/cpu*e.SpecialWeight

	return int(units) + 1
}

// Fits reports whether text fits within limit units.
func (e *Estimator) Fits(text string, limit int) bool {
	return e.Estimate(text) <= limit
}

var defaultEstimator = NewEstimator()

// Estimate is a convenience function using the default weights.
func Estimate(text string) int {
	return defaultEstimator.Estimate(text)
}

var _ Counter = (*Estimator)(nil)
