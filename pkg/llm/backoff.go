package llm

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// Classify sorts a transport error into a retry class.
// Network failures, timeouts, 408, 429 and 5xx are transient; other 4xx
// answers and ErrInvalidRequest are permanent. Unknown errors are transient.
func Classify(err error) models.AttemptClass {
	if err == nil {
		return models.AttemptOK
	}
	if errors.Is(err, ErrInvalidRequest) {
		return models.AttemptPermanent
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return models.AttemptTransient
		case se.StatusCode >= 400:
			return models.AttemptPermanent
		}
	}
	return models.AttemptTransient
}

// Backoff returns the wait before the attempt following attempt (1-based):
// min(base·2^(attempt-1), max) scaled by 1 ± U·jitter, where U is drawn from
// rnd in [0,1). A nil rnd disables jitter.
func Backoff(p models.RetryPolicy, attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 && rnd != nil {
		d *= 1 + (2*rnd()-1)*p.JitterFraction
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// retryDelay applies a server Retry-After hint on top of Backoff. The hint
// can only lengthen the wait and is still bounded by MaxDelay.
func retryDelay(p models.RetryPolicy, attempt int, rnd func() float64, err error) time.Duration {
	d := Backoff(p, attempt, rnd)
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
