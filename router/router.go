// Package router decides, per outgoing message, whether a human expert or
// the bot answers. The decision point is presence at send time; an offline
// expert never silently swallows a message.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"careline/bot"
	"careline/contract"
	"careline/domain"
	"careline/domain/event"
	apperrors "careline/errors"
	"careline/signaling"
)

// LinkManager hides the peer link lifecycle from routing logic. The
// coordinator implements it; tests substitute a fake.
type LinkManager interface {
	StartCall(ctx context.Context, mode domain.Mode) error
	CloseLink()
	LinkConnected() bool
	SendOverLink(payload []byte) error
}

// Relay is the non-p2p delivery path through the signaling channel.
type Relay interface {
	SendMessage(msg signaling.ChatPayload, to string) error
}

type Router struct {
	mu sync.Mutex

	log       *slog.Logger
	roomID    domain.RoomID
	expertID  domain.ExpertID
	remoteID  string
	self      domain.SenderRole
	remote    domain.SenderRole
	presence  contract.IPresence
	relay     Relay
	links     LinkManager
	responder *bot.Responder
	publish   func(event.DomainEvent)

	mode    domain.Mode
	session context.Context
}

func New(log *slog.Logger, roomID domain.RoomID, expertID domain.ExpertID, remoteID string,
	self domain.SenderRole, presence contract.IPresence, relay Relay, links LinkManager,
	responder *bot.Responder, publish func(event.DomainEvent)) *Router {
	remote := domain.SenderExpert
	if self == domain.SenderExpert {
		remote = domain.SenderUser
	}
	return &Router{
		log:       log,
		roomID:    roomID,
		expertID:  expertID,
		remoteID:  remoteID,
		self:      self,
		remote:    remote,
		presence:  presence,
		relay:     relay,
		links:     links,
		responder: responder,
		publish:   publish,
		mode:      domain.ModeText,
		session:   context.Background(),
	}
}

// Bind scopes pending bot reply timers to the session lifecycle: when ctx
// is cancelled on teardown, undelivered replies are dropped instead of
// firing into a dead session.
func (r *Router) Bind(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = ctx
}

func (r *Router) sessionContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func humanMessage(sender domain.SenderRole, content string) domain.ChatMessage {
	if sender == domain.SenderExpert {
		return domain.NewExpertMessage(content)
	}
	return domain.NewUserMessage(content)
}

func (r *Router) Mode() domain.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Send appends the caller's message immediately (the sender never waits for
// delivery confirmation to see their own words), then routes it: to the
// expert when presence says online, to the bot otherwise.
func (r *Router) Send(_ context.Context, text string) error {
	msg := humanMessage(r.self, text)
	r.publish(event.MessageAppended{RoomID: r.roomID, Message: msg})

	if r.self == domain.SenderUser && !r.presence.IsOnline(r.expertID) {
		// The reply outlives the Send call but not the session.
		r.responder.ReplyAfter(r.sessionContext(), text, func(reply domain.ChatMessage) {
			r.publish(event.MessageAppended{RoomID: r.roomID, Message: reply})
		})
		return nil
	}
	return r.deliver(signaling.ChatPayload{Content: text})
}

// SendAttachment routes a binary payload the same way as text. Bot replies
// to attachments are not simulated; offline attachments are archived only.
func (r *Router) SendAttachment(name string, data []byte) error {
	att := domain.NewAttachment(name, data)
	msg := humanMessage(r.self, fmt.Sprintf("[附件] %s (%s)", att.Name, att.MIME))
	r.publish(event.MessageAppended{RoomID: r.roomID, Message: msg})

	if r.self == domain.SenderUser && !r.presence.IsOnline(r.expertID) {
		return nil
	}
	return r.deliver(signaling.ChatPayload{Content: msg.Content, Attachment: &att})
}

// deliver prefers the peer data channel when the link is up, falling back
// to the relay path. Both carry the same payload shape.
func (r *Router) deliver(payload signaling.ChatPayload) error {
	if r.links.LinkConnected() {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		sendErr := r.links.SendOverLink(raw)
		if sendErr == nil {
			return nil
		}
		r.log.Warn("data channel send failed, falling back to relay", "err", sendErr)
	}
	return r.relay.SendMessage(payload, r.remoteID)
}

// SwitchMode tears down any existing link, then establishes the new mode.
// Exactly one system entry describes the outcome: the transition on
// success, an error notice (IsError) on media failure, in which case the
// session reverts to text and keeps working.
func (r *Router) SwitchMode(ctx context.Context, to domain.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.mode
	if from == to {
		return nil
	}

	r.links.CloseLink()

	if to != domain.ModeText {
		if err := r.links.StartCall(ctx, to); err != nil {
			r.links.CloseLink()
			r.mode = domain.ModeText
			r.publish(event.MessageAppended{
				RoomID:  r.roomID,
				Message: domain.NewSystemMessage(failureNotice(to), true),
			})
			if from != domain.ModeText {
				r.publish(event.ModeSwitched{RoomID: r.roomID, From: from, To: domain.ModeText})
			}
			if errors.Is(err, apperrors.ErrMediaUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %v", apperrors.ErrNegotiation, err)
		}
	}

	r.mode = to
	r.publish(event.MessageAppended{
		RoomID:  r.roomID,
		Message: domain.NewSystemMessage(transitionNotice(to), false),
	})
	r.publish(event.ModeSwitched{RoomID: r.roomID, From: from, To: to})
	return nil
}

// HandleInbound appends a message received from the expert, whichever path
// carried it.
func (r *Router) HandleInbound(payload signaling.ChatPayload) {
	msg := humanMessage(r.remote, payload.Content)
	r.publish(event.MessageAppended{RoomID: r.roomID, Message: msg})
}

// HandleData decodes a data channel frame into an inbound message.
func (r *Router) HandleData(raw []byte) {
	var payload signaling.ChatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.log.Warn("undecodable data channel frame", "err", err)
		return
	}
	r.HandleInbound(payload)
}

func transitionNotice(to domain.Mode) string {
	switch to {
	case domain.ModeAudio:
		return "已切换到语音通话"
	case domain.ModeVideo:
		return "已切换到视频通话"
	default:
		return "已切换到文字聊天"
	}
}

func failureNotice(to domain.Mode) string {
	if to == domain.ModeAudio {
		return "无法启动语音通话，已切换回文字模式"
	}
	return "无法启动视频通话，已切换回文字模式"
}
