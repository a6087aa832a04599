package relay

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"careline/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(p *peer) []signaling.Envelope {
	var out []signaling.Envelope
	for {
		select {
		case env, ok := <-p.send:
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestHub_Join_NotifiesExistingMembersOnly(t *testing.T) {
	req := require.New(t)
	hub := NewHub(testLogger(), 16)

	first, cleanupFirst := hub.Join("room", "42")
	defer cleanupFirst()

	second, cleanupSecond := hub.Join("room", "1001")
	defer cleanupSecond()

	// The existing member learns about the newcomer, so the earliest party
	// can take the initiator role
	firstSeen := drain(first)
	req.Len(firstSeen, 1)
	req.Equal(signaling.KindPeerJoined, firstSeen[0].Kind)
	req.Equal("1001", firstSeen[0].From)

	// The newcomer gets no notification about itself
	req.Empty(drain(second))
}

func TestHub_Join_ReplacesDuplicateRegistration(t *testing.T) {
	req := require.New(t)
	hub := NewHub(testLogger(), 16)

	observer, cleanupObserver := hub.Join("room", "42")
	defer cleanupObserver()

	old, _ := hub.Join("room", "1001")
	drain(observer)

	// A refresh re-joins with the same identity
	replacement, cleanupReplacement := hub.Join("room", "1001")
	defer cleanupReplacement()

	// The old queue is closed so its writer terminates
	select {
	case _, ok := <-old.send:
		req.False(ok)
	case <-time.After(time.Second):
		req.Fail("replaced queue never closed")
	}

	// No duplicate peer-joined reaches the observer
	req.Empty(drain(observer))

	rooms, peers := hub.Stats()
	req.Equal(1, rooms)
	req.Equal(2, peers)
	_ = replacement
}

func TestHub_Route_Addressed(t *testing.T) {
	req := require.New(t)
	hub := NewHub(testLogger(), 16)

	expert, cleanupExpert := hub.Join("room", "42")
	defer cleanupExpert()
	user, cleanupUser := hub.Join("room", "1001")
	defer cleanupUser()
	drain(expert)

	hub.Route(signaling.Envelope{Kind: signaling.KindMessage, RoomID: "room", From: "1001", To: "42"})

	delivered := drain(expert)
	req.Len(delivered, 1)
	req.Equal(signaling.KindMessage, delivered[0].Kind)
	req.Empty(drain(user))
}

func TestHub_Route_BroadcastExcludesSender(t *testing.T) {
	req := require.New(t)
	hub := NewHub(testLogger(), 16)

	expert, cleanupExpert := hub.Join("room", "42")
	defer cleanupExpert()
	user, cleanupUser := hub.Join("room", "1001")
	defer cleanupUser()
	drain(expert)

	hub.Route(signaling.Envelope{Kind: signaling.KindMessage, RoomID: "room", From: "1001"})

	req.Len(drain(expert), 1)
	req.Empty(drain(user))
}

func TestHub_BroadcastStatus_RecordedAndReplayed(t *testing.T) {
	req := require.New(t)
	hub := NewHub(testLogger(), 16)

	member, cleanupMember := hub.Join("room", "1001")
	defer cleanupMember()

	hub.BroadcastStatus(signaling.StatusPayload{ExpertID: 42, IsOnline: true})

	broadcast := drain(member)
	req.Len(broadcast, 1)
	req.Equal(signaling.KindExpertStatus, broadcast[0].Kind)
	req.True(hub.IsKnownExpert(42))
	req.False(hub.IsKnownExpert(43))

	// A late joiner in another room receives the recorded status
	late, cleanupLate := hub.Join("other", "2002")
	defer cleanupLate()
	replayed := drain(late)
	req.Len(replayed, 1)
	req.Equal(signaling.KindExpertStatus, replayed[0].Kind)
}

func TestHub_Leave_NotifiesRemainingMembers(t *testing.T) {
	req := require.New(t)
	hub := NewHub(testLogger(), 16)

	expert, cleanupExpert := hub.Join("room", "42")
	defer cleanupExpert()
	_, cleanupUser := hub.Join("room", "1001")
	drain(expert)

	cleanupUser()

	left := drain(expert)
	req.Len(left, 1)
	req.Equal(signaling.KindPeerLeft, left[0].Kind)
	req.Equal("1001", left[0].From)

	rooms, peers := hub.Stats()
	req.Equal(1, rooms)
	req.Equal(1, peers)
}
