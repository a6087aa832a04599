package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"careline/moderation"
	"careline/signaling"
)

// Handler upgrades HTTP requests and runs the per-connection loops.
type Handler struct {
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
	filter   *moderation.Filter
	onChat   func(room, from string, msg signaling.ChatPayload)
}

func NewHandler(hub *Hub, log *slog.Logger) *Handler {
	return &Handler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			// Browser peers connect from the marketplace origin; the relay
			// itself performs no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithChatObserver registers a callback invoked for every routed chat
// message, used for server-side archiving. It must be set before serving.
func (h *Handler) WithChatObserver(fn func(room, from string, msg signaling.ChatPayload)) *Handler {
	h.onChat = fn
	return h
}

// WithFilter enables content moderation: chat messages are masked before
// being routed or archived. It must be set before serving.
func (h *Handler) WithFilter(filter *moderation.Filter) *Handler {
	h.filter = filter
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// The first envelope must be a join; everything before registration is
	// unroutable.
	var join signaling.Envelope
	if err := conn.ReadJSON(&join); err != nil {
		return
	}
	if join.Kind != signaling.KindJoin || join.Validate() != nil {
		h.log.Warn("connection opened without a valid join", "kind", join.Kind)
		return
	}

	p, cleanup := h.hub.Join(join.RoomID, join.From)
	defer cleanup()

	go h.writePump(conn, p)
	h.readPump(conn, p)
}

func (h *Handler) readPump(conn *websocket.Conn, p *peer) {
	for {
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read error", "peer", p.id, "err", err)
			}
			return
		}

		// The sender identity is the registered one, never client-claimed.
		env.From = p.id

		if err := env.Validate(); err != nil {
			h.log.Warn("dropping invalid envelope", "peer", p.id, "err", err)
			continue
		}

		switch env.Kind {
		case signaling.KindLeave:
			return
		case signaling.KindExpertStatus:
			var status signaling.StatusPayload
			if err := json.Unmarshal(env.Payload, &status); err != nil {
				h.log.Warn("malformed status payload", "peer", p.id, "err", err)
				continue
			}
			h.hub.BroadcastStatus(status)
		case signaling.KindJoin:
			// Duplicate join on a live connection; registration is
			// idempotent, nothing to do.
		case signaling.KindMessage:
			var msg signaling.ChatPayload
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				h.log.Warn("malformed chat payload", "peer", p.id, "err", err)
				continue
			}
			if h.filter != nil {
				msg.Content = h.filter.Mask(msg.Content)
				if raw, err := json.Marshal(msg); err == nil {
					env.Payload = raw
				}
			}
			if h.onChat != nil {
				h.onChat(env.RoomID, env.From, msg)
			}
			h.hub.Route(env)
		default:
			h.hub.Route(env)
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, p *peer) {
	for env := range p.send {
		if err := conn.WriteJSON(env); err != nil {
			h.log.Debug("write error", "peer", p.id, "err", err)
			return
		}
	}
	// Queue closed: registration was replaced or torn down.
	_ = conn.Close()
}
