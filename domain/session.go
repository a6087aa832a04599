package domain

import "fmt"

// RoomID identifies one signaling room. It is derived deterministically from
// the participant pair so either side computes the same id independently,
// and it is reused across reconnects of the same pair.
type RoomID string

// DeriveRoomID builds the room id from the sorted (userID, expertID) pair.
func DeriveRoomID(userID int64, expertID ExpertID) RoomID {
	lo, hi := userID, int64(expertID)
	if lo > hi {
		lo, hi = hi, lo
	}
	return RoomID(fmt.Sprintf("consult:%d:%d", lo, hi))
}

func (r RoomID) String() string { return string(r) }

// Mode is the active consultation mode. Real-time media is additive: a
// session always has a working text path regardless of mode.
type Mode string

const (
	ModeText  Mode = "text"
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)
