package store

import (
	"context"
	"fmt"
	"time"

	"github.com/serroba/abuse/internal/audit"
	"github.com/serroba/abuse/internal/timelimit"
)

const offenderPattern = "offender:{{scope}}:{{client}}"

// Offenders counts limit-exceeded events per scope and client in fixed windows. The counters
// live in the counter store, so they show up in the logs next to the request counters.
type Offenders struct {
	store  timelimit.Store
	window int64
}

// NewOffenders creates an Offenders store with windows of the given length, at least one
// second.
func NewOffenders(store timelimit.Store, window time.Duration) *Offenders {
	return &Offenders{
		store:  store,
		window: max(int64(window/time.Second), 1),
	}
}

func (o *Offenders) SaveLimitExceeded(ctx context.Context, event *audit.LimitExceededEvent) error {
	key := OffenderKey(event.Scope, event.ClientIP)

	if err := o.store.Hit(ctx, key, timelimit.CurrentWindow(o.window, event.OccurredAt)); err != nil {
		return fmt.Errorf("record offender %s: %w", key, err)
	}

	return nil
}

// Count returns how often client exceeded a limit of scope in the window containing at.
func (o *Offenders) Count(ctx context.Context, scope, client string, at time.Time) (int64, error) {
	return o.store.Count(ctx, OffenderKey(scope, client), timelimit.CurrentWindow(o.window, at))
}

// OffenderKey is the counter key for client in scope.
func OffenderKey(scope, client string) string {
	return timelimit.NewKeyTemplate(offenderPattern).
		SetParam("{{scope}}", scope).
		SetParam("{{client}}", client).
		Resolve()
}

// Compile-time check.
var _ audit.Store = (*Offenders)(nil)
