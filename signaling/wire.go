// Package signaling implements the addressed JSON envelope exchanged with
// the relay server, and the long-lived client connection that carries it.
//
// All payloads are addressed (to/from) so the relay can route point-to-point
// without understanding session semantics.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v3"

	"careline/domain"
	"careline/errors"
)

type Kind string

const (
	KindJoin         Kind = "join"
	KindLeave        Kind = "leave"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindCandidate    Kind = "candidate"
	KindMessage      Kind = "message"
	KindPeerJoined   Kind = "peer-joined"
	KindPeerLeft     Kind = "peer-left"
	KindExpertStatus Kind = "expert-status-change"
)

var validate = validator.New()

// Envelope is one signaling wire message. Keep field names stable, they are
// part of the relay contract.
type Envelope struct {
	Kind    Kind            `json:"type" validate:"required,oneof=join leave offer answer candidate message peer-joined peer-left expert-status-change"`
	RoomID  string          `json:"roomId,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks structural rules before routing. Negotiation envelopes
// must be fully addressed; membership envelopes must carry room and sender.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err)
	}
	switch e.Kind {
	case KindJoin, KindLeave:
		if e.RoomID == "" || e.From == "" {
			return fmt.Errorf("%w: %s requires roomId and from", errors.ErrInvalidEnvelope, e.Kind)
		}
	case KindOffer, KindAnswer, KindCandidate:
		if e.RoomID == "" || e.From == "" || e.To == "" {
			return fmt.Errorf("%w: %s requires roomId, from and to", errors.ErrInvalidEnvelope, e.Kind)
		}
	}
	return nil
}

// StatusPayload is the presence broadcast body.
type StatusPayload struct {
	ExpertID  int64     `json:"expertId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatPayload is the generic message relay body, used when no data channel
// is connected. Attachments ride along base64-encoded by encoding/json.
type ChatPayload struct {
	Content    string             `json:"content"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// All payload types are marshal-safe structs; this is unreachable
		// short of a programming error.
		panic(err)
	}
	return raw
}

func decodeSDP(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return sdp, fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err)
	}
	return sdp, nil
}

func decodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return cand, fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err)
	}
	return cand, nil
}
