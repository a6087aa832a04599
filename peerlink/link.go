// Package peerlink owns the negotiated peer-to-peer connection of one
// consultation: offer/answer/candidate exchange, media track ownership and
// the chat data channel.
package peerlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"careline/errors"
)

// Role of this side in the negotiation. Exactly one side is the initiator:
// the party already in the room when the other joins. This avoids glare.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// State is the normalized link state exposed to callers.
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting-media"
	StateOfferCreated    State = "offer-created"
	StateAwaitingOffer   State = "awaiting-offer"
	StateAnswerExchanged State = "answer-exchanged"
	StateConnected       State = "connected"
	StateClosed          State = "closed"
	StateError           State = "error"
)

// DefaultICEServers is the fixed connectivity helper set.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Signaler forwards negotiation material to the remote peer. Candidates are
// forwarded one by one as discovered, never batched.
type Signaler interface {
	SendOffer(sdp webrtc.SessionDescription, to string) error
	SendAnswer(sdp webrtc.SessionDescription, to string) error
	SendCandidate(cand webrtc.ICECandidateInit, to string) error
}

type Config struct {
	Role       Role
	RemoteID   string
	Signaler   Signaler
	Media      MediaProvider
	ICEServers []string
	Log        *slog.Logger

	// OnRemoteTrack fires exactly once per remote stream. The remote handle
	// is received, never mutated, and never substituted for the local one.
	OnRemoteTrack func(track *webrtc.TrackRemote)
	OnState       func(s State)
	OnData        func(payload []byte)
}

// Link drives one negotiated connection. At most one Link exists per room
// at a time; the coordinator enforces that invariant.
type Link struct {
	mu sync.Mutex

	log      *slog.Logger
	role     Role
	remoteID string
	signaler Signaler
	media    MediaProvider

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	state         State
	offerInFlight bool
	pending       []webrtc.ICECandidateInit
	localMedia    *LocalMedia
	closed        bool

	onRemoteTrack func(*webrtc.TrackRemote)
	onState       func(State)
	onData        func([]byte)
}

// New allocates the underlying connection with the fixed helper servers and
// registers the discovery, remote-stream and state handlers.
func New(cfg Config) (*Link, error) {
	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrNegotiation, err)
	}

	l := &Link{
		log:           cfg.Log,
		role:          cfg.Role,
		remoteID:      cfg.RemoteID,
		signaler:      cfg.Signaler,
		media:         cfg.Media,
		pc:            pc,
		state:         StateIdle,
		onRemoteTrack: cfg.OnRemoteTrack,
		onState:       cfg.OnState,
		onData:        cfg.OnData,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := l.signaler.SendCandidate(c.ToJSON(), l.remoteID); err != nil {
			l.log.Warn("candidate forward failed", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Debug("remote track arrived", "kind", track.Kind().String())
		if l.onRemoteTrack != nil {
			l.onRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.handleConnectionState(s)
	})

	if cfg.Role == RoleInitiator {
		dc, err := pc.CreateDataChannel("chat", nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: %v", errors.ErrNegotiation, err)
		}
		l.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			l.mu.Lock()
			l.bindDataChannelLocked(dc)
			l.mu.Unlock()
		})
		l.setState(StateAwaitingOffer)
	}

	return l, nil
}

func (l *Link) bindDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bindDataChannelLocked(dc)
}

func (l *Link) bindDataChannelLocked(dc *webrtc.DataChannel) {
	l.dc = dc
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.onData != nil {
			l.onData(msg.Data)
		}
	})
}

func (l *Link) handleConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		l.setState(StateError)
	case webrtc.PeerConnectionStateClosed:
		l.mu.Lock()
		terminal := l.state == StateError
		l.mu.Unlock()
		if !terminal {
			l.setState(StateClosed)
		}
	}
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	if l.state == s || l.state == StateClosed || (l.state == StateError && s != StateClosed) {
		l.mu.Unlock()
		return
	}
	l.state = s
	cb := l.onState
	l.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// ConnectionState returns the normalized state.
func (l *Link) ConnectionState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Role() Role { return l.role }

// AcquireLocalMedia requests device media and attaches the tracks. On
// denial or device absence it fails with ErrMediaUnavailable; the caller
// must fall back to text-only mode rather than leaving the session
// half-initialized.
func (l *Link) AcquireLocalMedia(ctx context.Context, c Constraints) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.ErrLinkClosed
	}
	l.mu.Unlock()

	l.setState(StateRequestingMedia)
	media, err := l.media.Acquire(ctx, c)
	if err != nil {
		l.setState(StateError)
		return fmt.Errorf("%w: %v", errors.ErrMediaUnavailable, err)
	}

	for _, track := range media.Tracks {
		if _, err := l.pc.AddTrack(track); err != nil {
			media.Release()
			l.setState(StateError)
			return fmt.Errorf("%w: %v", errors.ErrNegotiation, err)
		}
	}

	l.mu.Lock()
	l.localMedia = media
	l.mu.Unlock()
	return nil
}

// CreateOffer starts a negotiation round. Calling it while a previous offer
// from this side is still pending is an error.
func (l *Link) CreateOffer() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.ErrLinkClosed
	}
	if l.offerInFlight {
		l.mu.Unlock()
		return errors.ErrOfferInProgress
	}
	l.offerInFlight = true
	l.mu.Unlock()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return l.negotiationFailed(err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return l.negotiationFailed(err)
	}
	if err := l.signaler.SendOffer(offer, l.remoteID); err != nil {
		return l.negotiationFailed(err)
	}
	l.setState(StateOfferCreated)
	return nil
}

// HandleOffer applies the remote offer, replays any buffered candidates and
// answers.
func (l *Link) HandleOffer(sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.ErrLinkClosed
	}
	if l.offerInFlight {
		// Glare: both sides initiated. Election should prevent this.
		l.mu.Unlock()
		return fmt.Errorf("%w: offer received while own offer pending", errors.ErrNegotiation)
	}
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return l.negotiationFailed(err)
	}
	if err := l.flushPendingCandidates(); err != nil {
		return l.negotiationFailed(err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return l.negotiationFailed(err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return l.negotiationFailed(err)
	}
	if err := l.signaler.SendAnswer(answer, l.remoteID); err != nil {
		return l.negotiationFailed(err)
	}
	l.setState(StateAnswerExchanged)
	return nil
}

// HandleAnswer completes the round opened by CreateOffer.
func (l *Link) HandleAnswer(sdp webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.ErrLinkClosed
	}
	if !l.offerInFlight {
		l.mu.Unlock()
		return fmt.Errorf("%w: answer without pending offer", errors.ErrNegotiation)
	}
	l.offerInFlight = false
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return l.negotiationFailed(err)
	}
	if err := l.flushPendingCandidates(); err != nil {
		return l.negotiationFailed(err)
	}
	l.setState(StateAnswerExchanged)
	return nil
}

// HandleCandidate applies a remote candidate. Candidates received before
// the remote description is set are buffered and replayed after it is set;
// dropping them is a classic source of failed negotiations.
func (l *Link) HandleCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.ErrLinkClosed
	}
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrNegotiation, err)
	}
	return nil
}

func (l *Link) flushPendingCandidates() error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// SendData delivers a payload over the chat data channel.
func (l *Link) SendData(payload []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: data channel not open", errors.ErrNegotiation)
	}
	return dc.Send(payload)
}

// DataChannelOpen reports whether the preferred chat path is usable.
func (l *Link) DataChannelOpen() bool {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (l *Link) negotiationFailed(err error) error {
	l.mu.Lock()
	l.offerInFlight = false
	l.mu.Unlock()
	l.setState(StateError)
	return fmt.Errorf("%w: %v", errors.ErrNegotiation, err)
}

// Close releases every local media track, closes the data channel and the
// underlying connection. It is idempotent: closing twice must not fail.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	media := l.localMedia
	l.localMedia = nil
	dc := l.dc
	l.mu.Unlock()

	media.Release()
	if dc != nil {
		_ = dc.Close()
	}
	_ = l.pc.Close()
	l.setState(StateClosed)
}

// ActiveLocalTracks reports how many local tracks the link still owns.
// After Close this is always zero (no dangling camera/mic access).
func (l *Link) ActiveLocalTracks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.localMedia == nil {
		return 0
	}
	return len(l.localMedia.Tracks)
}
