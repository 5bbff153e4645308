package ipn

import (
	"time"

	pkgerrors "chanpass/pkg/errors"
)

// ReplayGuard rejects notifications whose processor timestamp is older than
// the acceptance window. Notifications without a timestamp pass, as do
// timestamps from the future (processor clocks are not ours to argue with).
type ReplayGuard struct {
	window time.Duration
	now    func() time.Time
}

// NewReplayGuard builds a guard with the given acceptance window.
func NewReplayGuard(window time.Duration, now func() time.Time) *ReplayGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{window: window, now: now}
}

// Check validates the notification timestamp against the window.
func (g *ReplayGuard) Check(ts *time.Time) error {
	if ts == nil || ts.IsZero() {
		return nil
	}
	age := g.now().Sub(*ts)
	if age > g.window {
		return pkgerrors.New(pkgerrors.CodeReplay, "notification timestamp outside acceptance window").
			WithDetails(map[string]any{"age_seconds": int(age.Seconds())})
	}
	return nil
}
