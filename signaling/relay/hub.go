// Package relay implements the signaling relay server: room membership,
// point-to-point routing of addressed envelopes, and presence fanout.
// The relay routes without understanding session semantics.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"careline/signaling"
)

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

type peer struct {
	id   string
	room string
	send chan signaling.Envelope
}

// Hub tracks which peers are joined to which rooms and the last known
// expert statuses, so a freshly joined connection does not start with a
// stale presence view after a refresh.
type Hub struct {
	mu       sync.RWMutex
	log      *slog.Logger
	rooms    map[string]map[string]*peer // roomID -> selfID -> peer
	statuses map[int64]signaling.StatusPayload
	sendBuf  int
}

func NewHub(log *slog.Logger, sendBuf int) *Hub {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Hub{
		log:      log,
		rooms:    make(map[string]map[string]*peer),
		statuses: make(map[int64]signaling.StatusPayload),
		sendBuf:  sendBuf,
	}
}

// Join registers a peer in a room and returns its outbound queue plus a
// cleanup function. Joining the same room/self pair again replaces the
// previous registration instead of duplicating it; the replaced queue is
// closed so its writer loop terminates.
func (h *Hub) Join(roomID, selfID string) (*peer, func()) {
	p := &peer{id: selfID, room: roomID, send: make(chan signaling.Envelope, h.sendBuf)}

	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*peer)
		h.rooms[roomID] = members
	}
	previous := members[selfID]
	members[selfID] = p

	others := make([]*peer, 0, len(members)-1)
	for id, member := range members {
		if id != selfID {
			others = append(others, member)
		}
	}
	replay := make([]signaling.StatusPayload, 0, len(h.statuses))
	for _, status := range h.statuses {
		replay = append(replay, status)
	}
	h.mu.Unlock()

	if previous != nil {
		close(previous.send)
		h.log.Debug("replaced duplicate registration", "room", roomID, "peer", selfID)
	} else {
		// Notify existing members so the earliest party can become the
		// negotiation initiator.
		for _, member := range others {
			h.offer(member, signaling.Envelope{Kind: signaling.KindPeerJoined, RoomID: roomID, From: selfID})
		}
	}

	// Late joiners get the current presence picture.
	for _, status := range replay {
		h.offer(p, signaling.Envelope{
			Kind:    signaling.KindExpertStatus,
			Payload: mustMarshal(status),
		})
	}

	h.log.Info("peer joined", "room", roomID, "peer", selfID)
	return p, func() { h.leave(p) }
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	members, ok := h.rooms[p.room]
	if !ok || members[p.id] != p {
		// Already replaced by a newer registration; nothing to tear down.
		h.mu.Unlock()
		return
	}
	delete(members, p.id)
	if len(members) == 0 {
		delete(h.rooms, p.room)
	}
	others := make([]*peer, 0, len(members))
	for _, member := range members {
		others = append(others, member)
	}
	h.mu.Unlock()

	close(p.send)
	for _, member := range others {
		h.offer(member, signaling.Envelope{Kind: signaling.KindPeerLeft, RoomID: p.room, From: p.id})
	}
	h.log.Info("peer left", "room", p.room, "peer", p.id)
}

// Route delivers an addressed envelope to its target peer, or to every
// other room member when no target is set.
func (h *Hub) Route(env signaling.Envelope) {
	h.mu.RLock()
	members := h.rooms[env.RoomID]
	var targets []*peer
	if env.To != "" {
		if target, ok := members[env.To]; ok {
			targets = []*peer{target}
		}
	} else {
		targets = make([]*peer, 0, len(members))
		for id, member := range members {
			if id != env.From {
				targets = append(targets, member)
			}
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.log.Debug("no recipient for envelope", "kind", env.Kind, "room", env.RoomID, "to", env.To)
		return
	}
	for _, target := range targets {
		h.offer(target, env)
	}
}

// BroadcastStatus records the expert status and fans it out to every
// connection across all rooms.
func (h *Hub) BroadcastStatus(status signaling.StatusPayload) {
	h.mu.Lock()
	h.statuses[status.ExpertID] = status
	all := make([]*peer, 0)
	for _, members := range h.rooms {
		for _, member := range members {
			all = append(all, member)
		}
	}
	h.mu.Unlock()

	env := signaling.Envelope{Kind: signaling.KindExpertStatus, Payload: mustMarshal(status)}
	for _, member := range all {
		h.offer(member, env)
	}
}

// offer never blocks the routing path; a slow consumer loses envelopes.
func (h *Hub) offer(p *peer, env signaling.Envelope) {
	defer func() {
		// The queue may be closed concurrently by leave/replace.
		_ = recover()
	}()
	select {
	case p.send <- env:
	default:
		h.log.Warn("peer send buffer full, dropping envelope", "peer", p.id, "kind", env.Kind)
	}
}

// IsKnownExpert reports whether this peer id ever announced an expert
// status on this relay.
func (h *Hub) IsKnownExpert(id int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.statuses[id]
	return ok
}

// Stats reports room and peer counts for the health endpoint.
func (h *Hub) Stats() (rooms, peers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms = len(h.rooms)
	for _, members := range h.rooms {
		peers += len(members)
	}
	return rooms, peers
}
