package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"careline/errors"
)

const DefaultConnectTimeout = 15 * time.Second

// Callbacks is the registration surface for signaling events. Nil entries
// are skipped. All callbacks run on the client's single read goroutine, so
// they observe messages in arrival order and must not block.
type Callbacks struct {
	OnConnect      func()
	OnDisconnect   func(err error)
	OnError        func(err error)
	OnPeerJoined   func(peerID string)
	OnPeerLeft     func(peerID string)
	OnOffer        func(from string, sdp webrtc.SessionDescription)
	OnAnswer       func(from string, sdp webrtc.SessionDescription)
	OnCandidate    func(from string, cand webrtc.ICECandidateInit)
	OnMessage      func(from string, msg ChatPayload)
	OnExpertStatus func(status StatusPayload)
}

type Options struct {
	// ConnectTimeout bounds one dial attempt. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Client is a single long-lived connection to the relay endpoint.
type Client struct {
	log *slog.Logger
	cb  Callbacks

	conn     *websocket.Conn
	outbound chan Envelope
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	joinedRoom string
	selfID     string
}

// Dial connects to the relay with a bounded timeout. On failure it retries
// once in a more conservative transport mode (compression off, doubled
// handshake budget) before giving up with ErrConnectTimeout. Callers must
// keep operating in degraded text/bot mode when Dial fails; real-time
// features are additive, never required for baseline chat.
func Dial(ctx context.Context, url string, cb Callbacks, log *slog.Logger, opts Options) (*Client, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  timeout,
		EnableCompression: true,
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		log.Warn("signaling dial failed, retrying in conservative mode", "url", url, "err", err)
		fallback := websocket.Dialer{
			HandshakeTimeout:  2 * timeout,
			EnableCompression: false,
		}
		dialCtx, cancel = context.WithTimeout(ctx, 2*timeout)
		conn, _, err = fallback.DialContext(dialCtx, url, nil)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrConnectTimeout, err)
		}
	}

	c := &Client{
		log:      log,
		cb:       cb,
		conn:     conn,
		outbound: make(chan Envelope, 64),
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	return c, nil
}

// JoinRoom is idempotent: joining the same room/self pair twice sends no
// second registration.
func (c *Client) JoinRoom(roomID, selfID string) error {
	c.mu.Lock()
	if c.joinedRoom == roomID && c.selfID == selfID {
		c.mu.Unlock()
		return nil
	}
	c.joinedRoom = roomID
	c.selfID = selfID
	c.mu.Unlock()
	return c.send(Envelope{Kind: KindJoin, RoomID: roomID, From: selfID})
}

// LeaveRoom is a no-op when no room is joined.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	room, self := c.joinedRoom, c.selfID
	c.joinedRoom, c.selfID = "", ""
	c.mu.Unlock()
	if room == "" {
		return nil
	}
	return c.send(Envelope{Kind: KindLeave, RoomID: room, From: self})
}

func (c *Client) SendOffer(sdp webrtc.SessionDescription, to string) error {
	return c.sendAddressed(KindOffer, to, mustMarshal(sdp))
}

func (c *Client) SendAnswer(sdp webrtc.SessionDescription, to string) error {
	return c.sendAddressed(KindAnswer, to, mustMarshal(sdp))
}

func (c *Client) SendCandidate(cand webrtc.ICECandidateInit, to string) error {
	return c.sendAddressed(KindCandidate, to, mustMarshal(cand))
}

func (c *Client) SendMessage(msg ChatPayload, to string) error {
	return c.sendAddressed(KindMessage, to, mustMarshal(msg))
}

// SendExpertStatus announces a presence change to the relay, which fans it
// out to every connection.
func (c *Client) SendExpertStatus(status StatusPayload) error {
	c.mu.Lock()
	self := c.selfID
	c.mu.Unlock()
	return c.send(Envelope{Kind: KindExpertStatus, From: self, Payload: mustMarshal(status)})
}

func (c *Client) sendAddressed(kind Kind, to string, payload json.RawMessage) error {
	c.mu.Lock()
	room, self := c.joinedRoom, c.selfID
	c.mu.Unlock()
	if room == "" {
		return errors.ErrNotJoined
	}
	return c.send(Envelope{Kind: kind, RoomID: room, From: self, To: to, Payload: payload})
}

func (c *Client) send(env Envelope) error {
	select {
	case c.outbound <- env:
		return nil
	case <-c.done:
		return errors.ErrNotJoined
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump serializes all writes through one goroutine; gorilla permits a
// single concurrent writer.
func (c *Client) writePump() {
	for {
		select {
		case env := <-c.outbound:
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Warn("signaling write failed", "err", err)
				// Tear the connection down so queued senders fail fast
				// instead of filling the outbound buffer.
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump dispatches inbound envelopes in arrival order. Out-of-order
// candidate delivery is handled by the peer link's buffering, not by
// reordering here.
func (c *Client) readPump() {
	var err error
	defer func() {
		c.Close()
		if c.cb.OnDisconnect != nil {
			c.cb.OnDisconnect(err)
		}
	}()

	for {
		var env Envelope
		if err = c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				err = nil
			default:
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	fail := func(err error) {
		c.log.Warn("undeliverable signaling envelope", "kind", env.Kind, "err", err)
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
	}

	switch env.Kind {
	case KindPeerJoined:
		if c.cb.OnPeerJoined != nil {
			c.cb.OnPeerJoined(env.From)
		}
	case KindPeerLeft:
		if c.cb.OnPeerLeft != nil {
			c.cb.OnPeerLeft(env.From)
		}
	case KindOffer:
		sdp, err := decodeSDP(env.Payload)
		if err != nil {
			fail(err)
			return
		}
		if c.cb.OnOffer != nil {
			c.cb.OnOffer(env.From, sdp)
		}
	case KindAnswer:
		sdp, err := decodeSDP(env.Payload)
		if err != nil {
			fail(err)
			return
		}
		if c.cb.OnAnswer != nil {
			c.cb.OnAnswer(env.From, sdp)
		}
	case KindCandidate:
		cand, err := decodeCandidate(env.Payload)
		if err != nil {
			fail(err)
			return
		}
		if c.cb.OnCandidate != nil {
			c.cb.OnCandidate(env.From, cand)
		}
	case KindMessage:
		var msg ChatPayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			fail(fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err))
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(env.From, msg)
		}
	case KindExpertStatus:
		var status StatusPayload
		if err := json.Unmarshal(env.Payload, &status); err != nil {
			fail(fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err))
			return
		}
		if c.cb.OnExpertStatus != nil {
			c.cb.OnExpertStatus(status)
		}
	default:
		c.log.Debug("ignoring envelope", "kind", env.Kind)
	}
}
