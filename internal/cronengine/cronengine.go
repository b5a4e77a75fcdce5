// Package cronengine converts 5-field cron expressions into next-fire
// instants. It wraps github.com/adhocore/gronx, the same cron library the
// teacher's internal/cron/service.go uses for its "cron" schedule kind.
package cronengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ErrInvalidCron is returned when the expression does not parse.
var ErrInvalidCron = errors.New("invalid cron expression")

// ErrNoFutureFire is returned for the astronomically-rare expression that
// has no satisfiable future instant (e.g. "29 2 30 2 *" — Feb 30th never
// occurs). Never silently defaulted, per spec.md §4.1.
var ErrNoFutureFire = errors.New("cron expression has no future fire time")

// NextFire computes the next fire instant strictly greater than after, in
// UTC. Wall-clock UTC drives cron; the monotonic clock is never consulted
// here (spec.md §4.1 reserves it for timeout accounting elsewhere).
func NextFire(expr string, after time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}

	after = after.UTC()
	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrNoFutureFire, expr, err)
	}
	return next.UTC(), nil
}

// Validate reports whether expr is a well-formed 5-field cron expression,
// returning ErrInvalidCron (wrapped with the offending expression) if not.
func Validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return fmt.Errorf("%w: %s", ErrInvalidCron, expr)
	}
	return nil
}
