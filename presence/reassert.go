package presence

import (
	"context"
	"log/slog"
	"time"

	"careline/domain"
	"careline/errors"
)

const (
	DefaultReassertAttempts = 3
	DefaultReassertDelay    = 500 * time.Millisecond
)

// ReassertWorker guards against the connect-then-register race: announcing
// "online" may happen while the signaling connection is still being
// established, in which case the broadcast is lost. The worker re-announces
// a bounded number of times until a read-back confirms the status stuck,
// then stops. It never loops forever.
//
// The worker runs under the supervisor and is cancelled with the session,
// so no stale timer can fire into a torn-down session.
type ReassertWorker struct {
	log      *slog.Logger
	id       domain.ExpertID
	announce func(ctx context.Context) error
	confirm  func() bool
	attempts int
	delay    time.Duration
}

func NewReassertWorker(log *slog.Logger, id domain.ExpertID,
	announce func(ctx context.Context) error, confirm func() bool,
	attempts int, delay time.Duration) *ReassertWorker {
	if attempts <= 0 {
		attempts = DefaultReassertAttempts
	}
	if delay <= 0 {
		delay = DefaultReassertDelay
	}
	return &ReassertWorker{
		log:      log,
		id:       id,
		announce: announce,
		confirm:  confirm,
		attempts: attempts,
		delay:    delay,
	}
}

func (w *ReassertWorker) Run(ctx context.Context) error {
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err := w.announce(ctx); err != nil {
			w.log.Warn("online announce failed", "expert_id", w.id, "attempt", attempt, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay):
		}

		if w.confirm() {
			w.log.Debug("online status confirmed", "expert_id", w.id, "attempt", attempt)
			return nil
		}
	}

	// Exhausted: log and leave the expert marked offline.
	w.log.Error("online status never confirmed", "expert_id", w.id, "attempts", w.attempts)
	return errors.ErrPresenceRaceUnresolved
}
