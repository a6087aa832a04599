package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"careline/errors"
)

func TestEnvelope_Validate_Join(t *testing.T) {
	req := require.New(t)

	valid := Envelope{Kind: KindJoin, RoomID: "consult:42:1001", From: "1001"}
	req.NoError(valid.Validate())

	missingRoom := Envelope{Kind: KindJoin, From: "1001"}
	req.ErrorIs(missingRoom.Validate(), errors.ErrInvalidEnvelope)

	missingFrom := Envelope{Kind: KindJoin, RoomID: "consult:42:1001"}
	req.ErrorIs(missingFrom.Validate(), errors.ErrInvalidEnvelope)
}

func TestEnvelope_Validate_NegotiationMustBeAddressed(t *testing.T) {
	req := require.New(t)

	for _, kind := range []Kind{KindOffer, KindAnswer, KindCandidate} {
		addressed := Envelope{Kind: kind, RoomID: "r", From: "a", To: "b"}
		req.NoError(addressed.Validate())

		unaddressed := Envelope{Kind: kind, RoomID: "r", From: "a"}
		req.ErrorIs(unaddressed.Validate(), errors.ErrInvalidEnvelope, "kind %s", kind)
	}
}

func TestEnvelope_Validate_UnknownKind(t *testing.T) {
	req := require.New(t)

	env := Envelope{Kind: "gossip", RoomID: "r", From: "a"}
	req.ErrorIs(env.Validate(), errors.ErrInvalidEnvelope)
}

func TestEnvelope_WireFieldNames(t *testing.T) {
	req := require.New(t)

	raw, err := json.Marshal(Envelope{Kind: KindMessage, RoomID: "r", From: "a", To: "b"})
	req.NoError(err)

	var decoded map[string]any
	req.NoError(json.Unmarshal(raw, &decoded))
	req.Equal("message", decoded["type"])
	req.Equal("r", decoded["roomId"])
	req.Equal("a", decoded["from"])
	req.Equal("b", decoded["to"])
}
