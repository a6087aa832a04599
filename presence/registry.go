// Package presence holds the process-wide set of reachable experts.
// Membership in the registry is the only source of truth for online status.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"careline/domain"
	"careline/domain/event"
)

// Registry is an explicitly-owned, injectable presence set. It is written
// only through SetOnline; callers never mutate the internal set directly.
type Registry struct {
	mu      sync.Mutex
	log     *slog.Logger
	online  map[domain.ExpertID]struct{}
	subs    map[int]func(event.PresenceChanged)
	nextSub int
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		online: make(map[domain.ExpertID]struct{}),
		subs:   make(map[int]func(event.PresenceChanged)),
	}
}

// SetOnline performs an idempotent upsert. When the new value equals the
// current one, no notification is emitted; adding an already-present id
// must not duplicate broadcasts. Returns whether a change was applied.
//
// Subscribers are notified synchronously, in registration order, before
// SetOnline returns. Updates are therefore delivered in call order.
func (r *Registry) SetOnline(id domain.ExpertID, online bool) bool {
	r.mu.Lock()
	_, present := r.online[id]
	if present == online {
		r.mu.Unlock()
		return false
	}
	if online {
		r.online[id] = struct{}{}
	} else {
		delete(r.online, id)
	}
	keys := make([]int, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(event.PresenceChanged), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, r.subs[k])
	}
	r.mu.Unlock()

	evt := event.PresenceChanged{ExpertID: id, Online: online, At: time.Now().UTC()}
	r.log.Debug("presence changed", "expert_id", id, "online", online)
	for _, fn := range fns {
		fn(evt)
	}
	return true
}

// IsOnline is a pure read. The identifier type is normalized before lookup
// since the same logical id can arrive as a string or a number.
func (r *Registry) IsOnline(id any) bool {
	parsed, err := domain.ParseExpertID(id)
	if err != nil {
		r.log.Warn("presence lookup with invalid id", "id", id, "err", err)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[parsed]
	return ok
}

// Snapshot returns the currently online experts, sorted. Callers must not
// assume the snapshot stays valid past the current call.
func (r *Registry) Snapshot() []domain.ExpertID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.ExpertID, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscribe registers a typed presence-changed observer and returns a
// cancel function. This replaces any cross-component broadcast mechanism.
func (r *Registry) Subscribe(fn func(event.PresenceChanged)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.nextSub
	r.nextSub++
	r.subs[key] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, key)
	}
}
