package bot

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"careline/domain"
)

const (
	// Simulated "expert typing" latency. A UX decision, not a performance
	// constraint: instant replies read as obviously synthetic.
	DefaultMinDelay = 1500 * time.Millisecond
	DefaultMaxDelay = 2500 * time.Millisecond
)

// Responder schedules synthetic replies after a typing delay. The random
// source is injected so tests can pin both the reply choice and the delay.
type Responder struct {
	log      *slog.Logger
	engine   *Engine
	mu       sync.Mutex
	rng      *rand.Rand
	minDelay time.Duration
	maxDelay time.Duration
}

func NewResponder(log *slog.Logger, engine *Engine, rng *rand.Rand, minDelay, maxDelay time.Duration) *Responder {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Responder{log: log, engine: engine, rng: rng, minDelay: minDelay, maxDelay: maxDelay}
}

// ReplyAfter computes the reply and its delay synchronously (keeping the
// random source single-threaded), then delivers asynchronously. The timer
// is tied to ctx: tearing down the session cancels pending replies so no
// stale callback fires afterwards.
func (r *Responder) ReplyAfter(ctx context.Context, text string, deliver func(domain.ChatMessage)) {
	r.mu.Lock()
	reply := r.engine.Reply(text, r.rng)
	delay := r.minDelay
	if spread := r.maxDelay - r.minDelay; spread > 0 {
		delay += time.Duration(r.rng.Int63n(int64(spread)))
	}
	r.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.log.Debug("bot reply cancelled", "reason", ctx.Err())
		case <-timer.C:
			deliver(domain.NewBotMessage(reply))
		}
	}()
}
