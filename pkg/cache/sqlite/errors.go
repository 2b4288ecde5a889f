package sqlite

import (
	"errors"
	"fmt"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// ErrEntryTooLarge is returned by Put when a single response exceeds the
// whole cache capacity.
var ErrEntryTooLarge = errors.New("entry larger than cache capacity")

// IOError reports a storage failure. Callers treat it as a reason to skip
// caching, never as a reason to fail a request.
type IOError struct {
	Op          string
	Fingerprint models.Fingerprint
	Err         error
}

func (e *IOError) Error() string {
	if e.Fingerprint != "" {
		return fmt.Sprintf("cache %s %s: %v", e.Op, e.Fingerprint.Short(), e.Err)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
