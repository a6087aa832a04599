package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"careline/domain"
	"careline/internal"
	"careline/moderation"
	"careline/repositories"
	"careline/signaling"
	"careline/signaling/relay"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := logs.GetLoggerFromString(config.LogLevel)

	// 2. Optional server-side archive (BadgerDB + Bluge)
	var archive repositories.IArchiveRepository
	if config.BadgerFilepath != "" {
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
			WithLoggingLevel(badger.WARNING))
		if err != nil {
			return exitRuntime, fmt.Errorf("database opening failed: %w", err)
		}
		defer func() {
			logger.Info("Closing BadgerDB...")
			_ = db.Close()
		}()

		blugeWriter, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
		if err != nil {
			return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
		}
		defer func() {
			logger.Info("Closing Bluge...")
			_ = blugeWriter.Close()
		}()

		repo := repositories.NewArchiveRepository(db, blugeWriter, logger, config.LimitMessages)
		defer func() { _ = repo.Flush() }()
		archive = repo
	}

	// 3. Hub and HTTP surface
	hub := relay.NewHub(logger, config.SendBufferSize)
	handler := relay.NewHandler(hub, logger)
	if words := config.CensoredWordList(); len(words) > 0 {
		filter, err := moderation.NewFilter(words, config.CensoredRune())
		if err != nil {
			return exitConfig, fmt.Errorf("moderation filter error: %w", err)
		}
		handler.WithFilter(filter)
		logger.Info("Moderation enabled", "patterns", len(words))
	}
	if archive != nil {
		handler.WithChatObserver(func(room, from string, msg signaling.ChatPayload) {
			if err := archiveChat(archive, hub, room, from, msg); err != nil {
				logger.Warn("chat archive failed", "room", room, "err", err)
			}
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/healthz", relay.HealthHandler(hub, logger))

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{Addr: address, Handler: mux}

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting relay server", "address", address, "at", time.Now().UTC())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("relay server error: %w", err)
		}
	}()

	// 5. Wait for Stop or Error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 6. Final Cleanup (Graceful Shutdown)
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return exitRuntime, err
	}
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}

// archiveChat persists a routed chat message. The sender role is resolved
// from the presence announcements the relay has seen; anyone who never
// announced an expert status is a user.
func archiveChat(archive repositories.IArchiveRepository, hub *relay.Hub,
	room, from string, msg signaling.ChatPayload) error {
	var entry domain.ChatMessage
	if id, err := strconv.ParseInt(from, 10, 64); err == nil && hub.IsKnownExpert(id) {
		entry = domain.NewExpertMessage(msg.Content)
	} else {
		entry = domain.NewUserMessage(msg.Content)
	}
	return archive.StoreMessage(domain.RoomID(room), entry)
}
