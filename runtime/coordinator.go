// Package runtime wires one consultation session together: the signaling
// connection, the presence registry, the chat router, the peer link
// lifecycle and the event pipeline. It orchestrates without containing
// routing or negotiation rules itself.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"careline/bot"
	"careline/contract"
	"careline/domain"
	"careline/domain/event"
	apperrors "careline/errors"
	"careline/peerlink"
	"careline/presence"
	"careline/router"
	"careline/runtime/workers"
	"careline/signaling"
	"careline/transcript"
)

type Config struct {
	Log      *slog.Logger
	RelayURL string

	// Self is the authenticated party running this coordinator. The other
	// party is derived from UserID/ExpertID.
	Self     domain.Identity
	UserID   int64
	ExpertID domain.ExpertID

	ICEServers     []string
	ConnectTimeout time.Duration
	SinkTimeout    time.Duration
	BufferSize     int

	ReassertAttempts int
	ReassertDelay    time.Duration

	Media     peerlink.MediaProvider
	Responder *bot.Responder

	// ExtraSinks join the fanout next to the built-in timeline (archive,
	// UI bridges).
	ExtraSinks []contract.EventSink
}

// Coordinator owns one consultation session end to end. It implements
// router.LinkManager and router.Relay so the routing layer stays free of
// lifecycle concerns.
type Coordinator struct {
	mu sync.Mutex

	log      *slog.Logger
	cfg      Config
	roomID   domain.RoomID
	selfID   string
	remoteID string

	registry *presence.Registry
	rt       *router.Router
	timeline *transcript.Timeline
	sup      *workers.Supervisor
	events   chan event.DomainEvent

	client   *signaling.Client
	link     *peerlink.Link
	early    []webrtc.ICECandidateInit
	degraded bool

	// sawPeerJoin means we were already in the room when the other party
	// arrived, which makes this side the negotiation initiator.
	sawPeerJoin bool

	presenceCancel func()
	ctx            context.Context
	cancel         context.CancelFunc
	endOnce        sync.Once
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 2 * time.Second
	}

	remote := domain.Identity{ID: int64(cfg.ExpertID), Role: domain.RoleExpert}
	selfSender := domain.SenderUser
	if cfg.Self.Role == domain.RoleExpert {
		remote = domain.Identity{ID: cfg.UserID, Role: domain.RoleUser}
		selfSender = domain.SenderExpert
	}

	c := &Coordinator{
		log:      cfg.Log,
		cfg:      cfg,
		roomID:   domain.DeriveRoomID(cfg.UserID, cfg.ExpertID),
		selfID:   cfg.Self.PeerID(),
		remoteID: remote.PeerID(),
		registry: presence.NewRegistry(cfg.Log),
		timeline: transcript.NewTimeline(),
		sup:      workers.NewSupervisor(cfg.Log),
		events:   make(chan event.DomainEvent, cfg.BufferSize),
	}
	c.rt = router.New(cfg.Log, c.roomID, cfg.ExpertID, c.remoteID, selfSender,
		c.registry, c, c, cfg.Responder, c.publish)
	return c
}

func (c *Coordinator) RoomID() domain.RoomID            { return c.roomID }
func (c *Coordinator) Router() *router.Router           { return c.rt }
func (c *Coordinator) Transcript() *transcript.Timeline { return c.timeline }
func (c *Coordinator) Presence() contract.IPresence     { return c.registry }

// Degraded reports whether the session runs without a live signaling
// connection (text and bot replies only).
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Start connects the pipeline and the signaling channel. An unreachable
// relay does not fail the session: chat stays usable through the bot path
// and the failure is recorded as a transcript notice.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.rt.Bind(c.ctx)

	c.presenceCancel = c.registry.Subscribe(c.onPresenceChanged)

	fanout := workers.NewEventFanout(c.log, c.events, c.cfg.SinkTimeout)
	fanout.Add(c.timeline)
	fanout.Add(c.cfg.ExtraSinks...)
	c.sup.Add(fanout)
	go c.sup.Run(c.ctx)

	client, err := signaling.Dial(c.ctx, c.cfg.RelayURL, c.callbacks(), c.log,
		signaling.Options{ConnectTimeout: c.cfg.ConnectTimeout})
	if err != nil {
		c.log.Warn("signaling unavailable, continuing in degraded mode", "err", err)
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		c.systemNotice("实时服务暂时不可用，消息将由智能助手处理", true)
		return nil
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if err := client.JoinRoom(c.roomID.String(), c.selfID); err != nil {
		return err
	}

	if c.cfg.Self.Role == domain.RoleExpert {
		c.announcePresence()
	}
	return nil
}

// announcePresence starts the supervised re-assertion worker that announces
// "online" and confirms it through the relay's own echo: the registry only
// flips once the broadcast comes back on the read path.
func (c *Coordinator) announcePresence() {
	worker := presence.NewReassertWorker(c.log, c.cfg.ExpertID,
		func(context.Context) error {
			return c.client.SendExpertStatus(signaling.StatusPayload{
				ExpertID:  int64(c.cfg.ExpertID),
				IsOnline:  true,
				Timestamp: time.Now().UTC(),
			})
		},
		func() bool { return c.registry.IsOnline(c.cfg.ExpertID) },
		c.cfg.ReassertAttempts, c.cfg.ReassertDelay)
	c.sup.Start(c.ctx, &announceWorker{inner: worker, notify: c.systemNotice})
}

// announceWorker absorbs the bounded-retry outcome so the supervisor never
// restarts an exhausted announcement into an endless loop.
type announceWorker struct {
	inner  contract.Worker
	notify func(text string, isError bool)
}

func (w *announceWorker) Run(ctx context.Context) error {
	err := w.inner.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrPresenceRaceUnresolved):
		w.notify("在线状态同步失败，您可能显示为离线", true)
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func (c *Coordinator) callbacks() signaling.Callbacks {
	return signaling.Callbacks{
		OnConnect:      func() { c.log.Info("signaling connected", "room", c.roomID) },
		OnDisconnect:   c.onDisconnect,
		OnError:        func(err error) { c.log.Warn("signaling error", "err", err) },
		OnPeerJoined:   c.onPeerJoined,
		OnPeerLeft:     c.onPeerLeft,
		OnOffer:        c.onOffer,
		OnAnswer:       c.onAnswer,
		OnCandidate:    c.onCandidate,
		OnMessage:      func(_ string, msg signaling.ChatPayload) { c.rt.HandleInbound(msg) },
		OnExpertStatus: c.onExpertStatus,
	}
}

func (c *Coordinator) onDisconnect(err error) {
	c.mu.Lock()
	ended := c.ctx != nil && c.ctx.Err() != nil
	c.degraded = true
	c.mu.Unlock()
	if ended {
		return
	}

	// Presence derived from a dead connection is stale by definition.
	for _, id := range c.registry.Snapshot() {
		c.registry.SetOnline(id, false)
	}
	if err != nil {
		c.log.Warn("signaling connection lost", "err", err)
		c.systemNotice("连接已断开，消息将以离线方式处理", true)
	}
}

func (c *Coordinator) onPresenceChanged(e event.PresenceChanged) {
	c.publish(e)
	if c.cfg.Self.Role != domain.RoleUser || e.ExpertID != c.cfg.ExpertID {
		return
	}
	if e.Online {
		c.systemNotice("专家已上线，后续消息将由专家回复", false)
	} else {
		c.systemNotice("专家已下线，后续消息将由智能助手回复", false)
	}
}

func (c *Coordinator) onPeerJoined(peerID string) {
	c.mu.Lock()
	c.sawPeerJoin = true
	c.mu.Unlock()
	c.publish(event.PeerJoined{RoomID: c.roomID, PeerID: peerID})

	// We were here first, so this side re-initiates any active call.
	if mode := c.rt.Mode(); mode != domain.ModeText && !c.linkActive() {
		go func() {
			if err := c.StartCall(c.ctx, mode); err != nil {
				c.log.Warn("call re-initiation failed", "err", err)
			}
		}()
	}
}

func (c *Coordinator) onPeerLeft(peerID string) {
	c.CloseLink()
	c.publish(event.PeerLeft{RoomID: c.roomID, PeerID: peerID})
	c.systemNotice("对方已离开会话", false)
}

func (c *Coordinator) onOffer(from string, sdp webrtc.SessionDescription) {
	link, err := c.ensureResponderLink()
	if err != nil {
		c.log.Warn("cannot answer offer", "from", from, "err", err)
		return
	}
	if err := link.HandleOffer(sdp); err != nil {
		c.log.Warn("offer handling failed", "from", from, "err", err)
		c.systemNotice("通话协商失败", true)
	}
}

func (c *Coordinator) onAnswer(from string, sdp webrtc.SessionDescription) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		c.log.Warn("answer without active link", "from", from)
		return
	}
	if err := link.HandleAnswer(sdp); err != nil {
		c.log.Warn("answer handling failed", "from", from, "err", err)
		c.systemNotice("通话协商失败", true)
	}
}

// onCandidate buffers candidates that race ahead of the offer; they are
// replayed into the link as soon as it exists.
func (c *Coordinator) onCandidate(from string, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	link := c.link
	if link == nil {
		c.early = append(c.early, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := link.HandleCandidate(cand); err != nil {
		c.log.Warn("candidate rejected", "from", from, "err", err)
	}
}

func (c *Coordinator) onExpertStatus(status signaling.StatusPayload) {
	id, err := domain.ParseExpertID(status.ExpertID)
	if err != nil {
		c.log.Warn("status broadcast with invalid id", "err", err)
		return
	}
	c.registry.SetOnline(id, status.IsOnline)
}

// SendMessage implements router.Relay over the live signaling connection.
func (c *Coordinator) SendMessage(msg signaling.ChatPayload, to string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return apperrors.ErrConnectTimeout
	}
	return client.SendMessage(msg, to)
}

// StartCall establishes the peer link for an audio or video mode and opens
// the negotiation from this side.
func (c *Coordinator) StartCall(ctx context.Context, mode domain.Mode) error {
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return apperrors.ErrPeerLinkActive
	}
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return apperrors.ErrConnectTimeout
	}

	link, err := c.newLink(peerlink.RoleInitiator)
	if err != nil {
		return err
	}
	if err := link.AcquireLocalMedia(ctx, constraintsFor(mode)); err != nil {
		c.CloseLink()
		return err
	}
	c.replayEarlyCandidates(link)
	if err := link.CreateOffer(); err != nil {
		c.CloseLink()
		return err
	}
	return nil
}

// ensureResponderLink creates the answering side of a negotiation when the
// remote party opened the call.
func (c *Coordinator) ensureResponderLink() (*peerlink.Link, error) {
	c.mu.Lock()
	if c.link != nil {
		link := c.link
		c.mu.Unlock()
		return link, nil
	}
	c.mu.Unlock()

	link, err := c.newLink(peerlink.RoleResponder)
	if err != nil {
		return nil, err
	}
	if mode := c.rt.Mode(); mode != domain.ModeText {
		if err := link.AcquireLocalMedia(c.ctx, constraintsFor(mode)); err != nil {
			c.CloseLink()
			return nil, err
		}
	}
	c.replayEarlyCandidates(link)
	return link, nil
}

func (c *Coordinator) newLink(role peerlink.Role) (*peerlink.Link, error) {
	link, err := peerlink.New(peerlink.Config{
		Role:       role,
		RemoteID:   c.remoteID,
		Signaler:   c.client,
		Media:      c.cfg.Media,
		ICEServers: c.cfg.ICEServers,
		Log:        c.log,
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			c.log.Info("remote track", "kind", track.Kind().String())
		},
		OnState: func(s peerlink.State) {
			c.publish(event.LinkStateChanged{RoomID: c.roomID, State: string(s)})
		},
		OnData: c.rt.HandleData,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
	return link, nil
}

func (c *Coordinator) replayEarlyCandidates(link *peerlink.Link) {
	c.mu.Lock()
	early := c.early
	c.early = nil
	c.mu.Unlock()
	for _, cand := range early {
		if err := link.HandleCandidate(cand); err != nil {
			c.log.Warn("buffered candidate rejected", "err", err)
		}
	}
}

// CloseLink tears down the active link, if any. Idempotent.
func (c *Coordinator) CloseLink() {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()
	if link != nil {
		link.Close()
	}
}

func (c *Coordinator) linkActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

func (c *Coordinator) LinkConnected() bool {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	return link != nil && link.ConnectionState() == peerlink.StateConnected && link.DataChannelOpen()
}

func (c *Coordinator) SendOverLink(payload []byte) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return apperrors.ErrLinkClosed
	}
	return link.SendData(payload)
}

// LinkState exposes the normalized negotiation state, StateIdle when no
// link exists.
func (c *Coordinator) LinkState() peerlink.State {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return peerlink.StateIdle
	}
	return link.ConnectionState()
}

func (c *Coordinator) publish(e event.DomainEvent) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("event channel full, dropping event")
	}
}

func (c *Coordinator) systemNotice(text string, isError bool) {
	c.publish(event.MessageAppended{
		RoomID:  c.roomID,
		Message: domain.NewSystemMessage(text, isError),
	})
}

// End leaves the room, closes the link and cancels every pending timer
// (bot replies, presence re-assertion). Safe to call more than once.
func (c *Coordinator) End() {
	c.endOnce.Do(func() {
		if c.cfg.Self.Role == domain.RoleExpert && c.client != nil {
			_ = c.client.SendExpertStatus(signaling.StatusPayload{
				ExpertID:  int64(c.cfg.ExpertID),
				IsOnline:  false,
				Timestamp: time.Now().UTC(),
			})
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.CloseLink()
		c.mu.Lock()
		client := c.client
		c.client = nil
		c.mu.Unlock()
		if client != nil {
			_ = client.LeaveRoom()
			client.Close()
		}
		c.sup.Stop()
		if c.presenceCancel != nil {
			c.presenceCancel()
		}
	})
}

func constraintsFor(mode domain.Mode) peerlink.Constraints {
	switch mode {
	case domain.ModeAudio:
		return peerlink.Constraints{Audio: true}
	case domain.ModeVideo:
		return peerlink.Constraints{Audio: true, Video: true}
	default:
		return peerlink.Constraints{}
	}
}
