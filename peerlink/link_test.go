package peerlink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"careline/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeSignaler forwards negotiation material straight into the other link.
type pipeSignaler struct {
	mu     sync.Mutex
	target *Link
}

func (p *pipeSignaler) bind(target *Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

func (p *pipeSignaler) other() *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

func (p *pipeSignaler) SendOffer(sdp webrtc.SessionDescription, _ string) error {
	return p.other().HandleOffer(sdp)
}

func (p *pipeSignaler) SendAnswer(sdp webrtc.SessionDescription, _ string) error {
	return p.other().HandleAnswer(sdp)
}

func (p *pipeSignaler) SendCandidate(cand webrtc.ICECandidateInit, _ string) error {
	return p.other().HandleCandidate(cand)
}

// captureSignaler records outbound material instead of delivering it, so a
// test can replay it in any order.
type captureSignaler struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
}

func (c *captureSignaler) SendOffer(sdp webrtc.SessionDescription, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, sdp)
	return nil
}

func (c *captureSignaler) SendAnswer(sdp webrtc.SessionDescription, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, sdp)
	return nil
}

func (c *captureSignaler) SendCandidate(cand webrtc.ICECandidateInit, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *captureSignaler) snapshot() ([]webrtc.SessionDescription, []webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	offers := append([]webrtc.SessionDescription(nil), c.offers...)
	candidates := append([]webrtc.ICECandidateInit(nil), c.candidates...)
	return offers, candidates
}

// Local loopback only; no STUN round-trips in tests.
var noICEServers = []string{"stun:127.0.0.1:1"}

func newLinkPair(t *testing.T, onData func([]byte)) (*Link, *Link) {
	t.Helper()
	initiatorPipe := &pipeSignaler{}
	responderPipe := &pipeSignaler{}

	initiator, err := New(Config{
		Role:       RoleInitiator,
		RemoteID:   "responder",
		Signaler:   initiatorPipe,
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	require.NoError(t, err)

	responder, err := New(Config{
		Role:       RoleResponder,
		RemoteID:   "initiator",
		Signaler:   responderPipe,
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
		OnData:     onData,
	})
	require.NoError(t, err)

	initiatorPipe.bind(responder)
	responderPipe.bind(initiator)
	t.Cleanup(initiator.Close)
	t.Cleanup(responder.Close)
	return initiator, responder
}

func TestLink_NegotiationReachesConnected(t *testing.T) {
	req := require.New(t)

	received := make(chan []byte, 1)
	initiator, responder := newLinkPair(t, func(payload []byte) {
		select {
		case received <- payload:
		default:
		}
	})

	req.Equal(StateAwaitingOffer, responder.ConnectionState())
	req.NoError(initiator.CreateOffer())

	require.Eventually(t, func() bool {
		return initiator.ConnectionState() == StateConnected &&
			responder.ConnectionState() == StateConnected
	}, 10*time.Second, 50*time.Millisecond, "links never connected")

	require.Eventually(t, func() bool {
		return initiator.DataChannelOpen()
	}, 10*time.Second, 50*time.Millisecond, "data channel never opened")

	req.NoError(initiator.SendData([]byte("你好")))
	select {
	case payload := <-received:
		req.Equal("你好", string(payload))
	case <-time.After(5 * time.Second):
		req.Fail("data channel payload never arrived")
	}
}

func TestLink_CandidatesBeforeRemoteDescriptionAreBuffered(t *testing.T) {
	req := require.New(t)

	capture := &captureSignaler{}
	initiator, err := New(Config{
		Role:       RoleInitiator,
		RemoteID:   "responder",
		Signaler:   capture,
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	req.NoError(err)
	defer initiator.Close()

	responderCapture := &captureSignaler{}
	responder, err := New(Config{
		Role:       RoleResponder,
		RemoteID:   "initiator",
		Signaler:   responderCapture,
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	req.NoError(err)
	defer responder.Close()

	req.NoError(initiator.CreateOffer())

	// Wait for candidate discovery to produce something to replay
	require.Eventually(t, func() bool {
		_, candidates := capture.snapshot()
		return len(candidates) > 0
	}, 10*time.Second, 50*time.Millisecond, "no candidates discovered")

	offers, candidates := capture.snapshot()
	req.Len(offers, 1)

	// Deliver in the worst order: every candidate before the offer. The
	// responder must buffer them instead of failing.
	for _, cand := range candidates {
		req.NoError(responder.HandleCandidate(cand))
	}
	req.NoError(responder.HandleOffer(offers[0]))
	req.Equal(StateAnswerExchanged, responder.ConnectionState())
}

func TestLink_CreateOffer_RejectsConcurrentRound(t *testing.T) {
	req := require.New(t)

	capture := &captureSignaler{}
	link, err := New(Config{
		Role:       RoleInitiator,
		RemoteID:   "responder",
		Signaler:   capture,
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	req.NoError(err)
	defer link.Close()

	req.NoError(link.CreateOffer())
	req.ErrorIs(link.CreateOffer(), errors.ErrOfferInProgress)
}

func TestLink_HandleAnswerWithoutOffer(t *testing.T) {
	req := require.New(t)

	link, err := New(Config{
		Role:       RoleResponder,
		RemoteID:   "initiator",
		Signaler:   &captureSignaler{},
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	req.NoError(err)
	defer link.Close()

	err = link.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	req.ErrorIs(err, errors.ErrNegotiation)
}

func TestLink_Close_Idempotent(t *testing.T) {
	req := require.New(t)

	link, err := New(Config{
		Role:       RoleInitiator,
		RemoteID:   "responder",
		Signaler:   &captureSignaler{},
		Media:      SampleProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	req.NoError(err)

	req.NoError(link.AcquireLocalMedia(context.Background(), Constraints{Audio: true}))
	req.Equal(1, link.ActiveLocalTracks())

	link.Close()
	link.Close()

	// No dangling local tracks after teardown
	req.Equal(0, link.ActiveLocalTracks())
	req.Equal(StateClosed, link.ConnectionState())
	req.ErrorIs(link.CreateOffer(), errors.ErrLinkClosed)
}

type deniedProvider struct{}

func (deniedProvider) Acquire(context.Context, Constraints) (*LocalMedia, error) {
	return nil, fmt.Errorf("permission denied")
}

func TestLink_MediaDenied(t *testing.T) {
	req := require.New(t)

	link, err := New(Config{
		Role:       RoleInitiator,
		RemoteID:   "responder",
		Signaler:   &captureSignaler{},
		Media:      deniedProvider{},
		ICEServers: noICEServers,
		Log:        testLogger(),
	})
	req.NoError(err)
	defer link.Close()

	err = link.AcquireLocalMedia(context.Background(), Constraints{Video: true})
	req.ErrorIs(err, errors.ErrMediaUnavailable)
	req.Equal(StateError, link.ConnectionState())
}
