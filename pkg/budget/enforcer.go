package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quizcraft/quizcraft/pkg/models"
	"github.com/quizcraft/quizcraft/pkg/tracker"
)

// ErrBudgetExceeded is returned when a model has used up a spend cap.
var ErrBudgetExceeded = errors.New("spend budget exceeded")

// Enforcer checks billed units against spend policies.
type Enforcer struct {
	policies []models.SpendPolicy
	tracker  tracker.Tracker
	now      func() time.Time
}

// New creates an Enforcer with the given policies and tracker.
func New(policies []models.SpendPolicy, t tracker.Tracker) *Enforcer {
	return &Enforcer{policies: policies, tracker: t, now: time.Now}
}

// Check returns an error wrapping ErrBudgetExceeded if model has reached
// any applicable cap.
func (e *Enforcer) Check(ctx context.Context, model string) error {
	for _, p := range e.applicablePolicies(model) {
		used, err := e.used(ctx, p)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxUnits {
			return fmt.Errorf("%w: %d/%d %s units for %s", ErrBudgetExceeded, used, p.MaxUnits, p.Period, scope(p))
		}
	}
	return nil
}

// Status returns usage against every policy that applies to model. An
// empty model reports every policy.
func (e *Enforcer) Status(ctx context.Context, model string) ([]models.SpendStatus, error) {
	policies := e.policies
	if model != "" {
		policies = e.applicablePolicies(model)
	}
	statuses := make([]models.SpendStatus, 0, len(policies))

	for _, p := range policies {
		used, err := e.used(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		statuses = append(statuses, models.SpendStatus{
			Policy:    p,
			Used:      used,
			Remaining: max(p.MaxUnits-used, 0),
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, p models.SpendPolicy) (int64, error) {
	since := periodStart(p.Period, e.now())
	if p.Model != "" {
		return e.tracker.TotalByModel(ctx, p.Model, since)
	}
	return e.tracker.Total(ctx, since)
}

func (e *Enforcer) applicablePolicies(model string) []models.SpendPolicy {
	var result []models.SpendPolicy
	for _, p := range e.policies {
		if p.Model == "" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func scope(p models.SpendPolicy) string {
	if p.Model == "" {
		return "all models"
	}
	return p.Model
}

func periodStart(period models.SpendPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.SpendMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
