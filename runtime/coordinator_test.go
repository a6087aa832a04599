package runtime_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"careline/bot"
	"careline/domain"
	apperrors "careline/errors"
	"careline/peerlink"
	"careline/runtime"
	"careline/signaling/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) string {
	t.Helper()
	hub := relay.NewHub(testLogger(), 16)
	mux := http.NewServeMux()
	mux.Handle("/ws", relay.NewHandler(hub, testLogger()))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func newResponder(t *testing.T) *bot.Responder {
	t.Helper()
	engine, err := bot.DefaultEngine()
	require.NoError(t, err)
	return bot.NewResponder(testLogger(), engine,
		rand.New(rand.NewSource(1)), time.Millisecond, 2*time.Millisecond)
}

func newCoordinator(t *testing.T, url string, self domain.Identity) *runtime.Coordinator {
	t.Helper()
	c := runtime.NewCoordinator(runtime.Config{
		Log:              testLogger(),
		RelayURL:         url,
		Self:             self,
		UserID:           1001,
		ExpertID:         42,
		ConnectTimeout:   2 * time.Second,
		SinkTimeout:      time.Second,
		ReassertAttempts: 3,
		ReassertDelay:    20 * time.Millisecond,
		Media:            peerlink.SampleProvider{},
		Responder:        newResponder(t),
	})
	t.Cleanup(c.End)
	return c
}

func TestCoordinator_ExpertPresencePropagates(t *testing.T) {
	req := require.New(t)
	url := startRelay(t)
	ctx := context.Background()

	user := newCoordinator(t, url, domain.Identity{ID: 1001, Role: domain.RoleUser})
	req.NoError(user.Start(ctx))

	expert := newCoordinator(t, url, domain.Identity{ID: 42, Role: domain.RoleExpert})
	req.NoError(expert.Start(ctx))

	// The announcement round-trips through the relay and confirms on both
	// sides
	require.Eventually(t, func() bool {
		return user.Presence().IsOnline(domain.ExpertID(42)) &&
			expert.Presence().IsOnline(domain.ExpertID(42))
	}, 3*time.Second, 20*time.Millisecond, "presence never propagated")

	// The user's transcript records the expert coming online
	require.Eventually(t, func() bool {
		for _, m := range user.Transcript().SystemEntries() {
			if strings.Contains(m.Content, "专家已上线") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCoordinator_MessagesFlowBothWays(t *testing.T) {
	req := require.New(t)
	url := startRelay(t)
	ctx := context.Background()

	user := newCoordinator(t, url, domain.Identity{ID: 1001, Role: domain.RoleUser})
	req.NoError(user.Start(ctx))
	expert := newCoordinator(t, url, domain.Identity{ID: 42, Role: domain.RoleExpert})
	req.NoError(expert.Start(ctx))

	require.Eventually(t, func() bool {
		return user.Presence().IsOnline(domain.ExpertID(42))
	}, 3*time.Second, 20*time.Millisecond)

	req.NoError(user.Router().Send(ctx, "我最近睡不好"))

	// The expert side receives a human user message through the relay
	require.Eventually(t, func() bool {
		for _, m := range expert.Transcript().Messages() {
			if m.Sender == domain.SenderUser && m.Content == "我最近睡不好" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "user message never reached the expert")

	req.NoError(expert.Router().Send(ctx, "请说说具体情况"))

	require.Eventually(t, func() bool {
		for _, m := range user.Transcript().Messages() {
			if m.Sender == domain.SenderExpert && m.IsHuman {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "expert reply never reached the user")

	// No bot message anywhere: a reachable expert always wins
	for _, m := range user.Transcript().Messages() {
		req.False(m.IsBot)
	}
}

func TestCoordinator_OfflineExpertMeansBotReply(t *testing.T) {
	req := require.New(t)
	url := startRelay(t)
	ctx := context.Background()

	user := newCoordinator(t, url, domain.Identity{ID: 1001, Role: domain.RoleUser})
	req.NoError(user.Start(ctx))

	req.NoError(user.Router().Send(ctx, "我失眠了"))

	require.Eventually(t, func() bool {
		for _, m := range user.Transcript().Messages() {
			if m.IsBot {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "bot never answered for the offline expert")
}

func TestCoordinator_UnreachableRelayDegradesGracefully(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	user := runtime.NewCoordinator(runtime.Config{
		Log:            testLogger(),
		RelayURL:       "ws://127.0.0.1:1/ws",
		Self:           domain.Identity{ID: 1001, Role: domain.RoleUser},
		UserID:         1001,
		ExpertID:       42,
		ConnectTimeout: 50 * time.Millisecond,
		SinkTimeout:    time.Second,
		Media:          peerlink.SampleProvider{},
		Responder:      newResponder(t),
	})
	t.Cleanup(user.End)

	// An unreachable relay never fails the session
	req.NoError(user.Start(ctx))
	req.True(user.Degraded())

	// Chat keeps working through the bot path
	req.NoError(user.Router().Send(ctx, "你好"))
	require.Eventually(t, func() bool {
		for _, m := range user.Transcript().Messages() {
			if m.IsBot {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	// The degradation itself is visible in the transcript
	require.Eventually(t, func() bool {
		entries := user.Transcript().SystemEntries()
		return len(entries) > 0 && entries[0].IsError
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCoordinator_EndSuppressesPendingBotReply(t *testing.T) {
	req := require.New(t)
	url := startRelay(t)

	engine, err := bot.DefaultEngine()
	req.NoError(err)
	user := runtime.NewCoordinator(runtime.Config{
		Log:            testLogger(),
		RelayURL:       url,
		Self:           domain.Identity{ID: 1001, Role: domain.RoleUser},
		UserID:         1001,
		ExpertID:       42,
		ConnectTimeout: 2 * time.Second,
		SinkTimeout:    time.Second,
		Media:          peerlink.SampleProvider{},
		Responder: bot.NewResponder(testLogger(), engine,
			rand.New(rand.NewSource(1)), 200*time.Millisecond, 300*time.Millisecond),
	})
	req.NoError(user.Start(context.Background()))

	// Given a bot reply pending behind its typing delay when the session ends
	req.NoError(user.Router().Send(context.Background(), "我失眠了"))
	user.End()

	// Then the reply never lands
	time.Sleep(500 * time.Millisecond)
	for _, m := range user.Transcript().Messages() {
		req.False(m.IsBot)
	}
}

func TestCoordinator_SecondStartCallFails(t *testing.T) {
	req := require.New(t)
	url := startRelay(t)
	ctx := context.Background()

	user := newCoordinator(t, url, domain.Identity{ID: 1001, Role: domain.RoleUser})
	req.NoError(user.Start(ctx))

	req.NoError(user.StartCall(ctx, domain.ModeAudio))

	// One link per room: opening a second call while one is active is a
	// defined failure, not a silent replacement
	err := user.StartCall(ctx, domain.ModeVideo)
	req.ErrorIs(err, apperrors.ErrPeerLinkActive)

	// Closing the link frees the slot
	user.CloseLink()
	req.NoError(user.StartCall(ctx, domain.ModeAudio))
}

func TestCoordinator_EndIsIdempotent(t *testing.T) {
	req := require.New(t)
	url := startRelay(t)

	user := newCoordinator(t, url, domain.Identity{ID: 1001, Role: domain.RoleUser})
	req.NoError(user.Start(context.Background()))

	user.End()
	user.End()
}
