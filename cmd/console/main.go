// Console is the reference client for one consultation session: it joins
// the room, prints the live transcript and exposes mode switches and
// history as slash commands.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"careline/bot"
	"careline/contract"
	"careline/domain"
	"careline/domain/event"
	"careline/internal"
	"careline/peerlink"
	"careline/repositories"
	"careline/runtime"
	"careline/services"
	"careline/sink"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Console terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	userID := flag.Int64("user", 1001, "User id of the consultation")
	expertID := flag.Int64("expert", 42, "Expert id of the consultation")
	asExpert := flag.Bool("as-expert", false, "Run as the expert side")
	flag.Parse()

	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := logs.GetLoggerFromString(config.LogLevel)

	self := domain.Identity{ID: *userID, Role: domain.RoleUser}
	if *asExpert {
		self = domain.Identity{ID: *expertID, Role: domain.RoleExpert}
	}

	engine, err := bot.DefaultEngine()
	if err != nil {
		return exitConfig, err
	}
	responder := bot.NewResponder(logger, engine,
		rand.New(rand.NewSource(time.Now().UnixNano())), config.BotMinDelay, config.BotMaxDelay)

	// Local archive, when configured.
	var archive repositories.IArchiveRepository
	var extraSinks []contract.EventSink
	if config.BadgerFilepath != "" {
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
			WithLoggingLevel(badger.WARNING))
		if err != nil {
			return exitRuntime, fmt.Errorf("database opening failed: %w", err)
		}
		defer func() { _ = db.Close() }()

		blugeWriter, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
		if err != nil {
			return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
		}
		defer func() { _ = blugeWriter.Close() }()

		repo := repositories.NewArchiveRepository(db, blugeWriter, logger, config.LimitMessages)
		archive = repo
		extraSinks = append(extraSinks, sink.NewArchiveSink(repo, logger))
	}
	extraSinks = append(extraSinks, consoleSink{})

	coordinator := runtime.NewCoordinator(runtime.Config{
		Log:              logger,
		RelayURL:         config.RelayURL,
		Self:             self,
		UserID:           *userID,
		ExpertID:         domain.ExpertID(*expertID),
		ICEServers:       config.ICEServerList(),
		ConnectTimeout:   config.ConnectTimeout,
		SinkTimeout:      config.SinkTimeout,
		BufferSize:       config.BufferSize,
		ReassertAttempts: config.ReassertAttempts,
		ReassertDelay:    config.ReassertDelay,
		Media:            peerlink.SampleProvider{},
		Responder:        responder,
		ExtraSinks:       extraSinks,
	})
	service := services.NewConsultationService(coordinator, archive)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return exitRuntime, fmt.Errorf("session start failed: %w", err)
	}
	defer service.End()

	color.New(color.FgCyan).Printf("Joined room %s as %s %d\n",
		coordinator.RoomID(), self.Role, self.ID)
	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		default:
		}
		if !scanner.Scan() {
			return exitOK, scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, line, service, coordinator); quit {
				return exitOK, nil
			}
			continue
		}
		if err := service.Send(ctx, line); err != nil {
			color.Error.Println("send failed:", err)
		}
	}
}

func command(ctx context.Context, line string, service *services.ConsultationService,
	coordinator *runtime.Coordinator) (quit bool) {
	switch {
	case line == "/quit":
		return true
	case line == "/text":
		reportSwitch(service.SwitchMode(ctx, domain.ModeText))
	case line == "/audio":
		reportSwitch(service.SwitchMode(ctx, domain.ModeAudio))
	case line == "/video":
		reportSwitch(service.SwitchMode(ctx, domain.ModeVideo))
	case line == "/who":
		printRoster(coordinator)
	case line == "/history":
		printHistory(service)
	case strings.HasPrefix(line, "/file "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
		data, err := os.ReadFile(path)
		if err != nil {
			color.Error.Println("cannot read file:", err)
			return false
		}
		if err := service.SendAttachment(path, data); err != nil {
			color.Error.Println("send failed:", err)
		}
	default:
		printHelp()
	}
	return false
}

func reportSwitch(err error) {
	if err != nil {
		color.Error.Println("mode switch failed:", err)
	}
}

func printRoster(coordinator *runtime.Coordinator) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Expert", "Status"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	online := coordinator.Presence().Snapshot()
	if len(online) == 0 {
		color.New(color.FgYellow).Println("No expert online")
		return
	}
	for _, id := range online {
		table.Append([]string{id.String(), "online"})
	}
	table.Render()
}

func printHistory(service *services.ConsultationService) {
	messages, _, err := service.History(nil)
	if err != nil {
		color.Error.Println("history failed:", err)
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"At", "Sender", "Content"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, m := range messages {
		table.Append([]string{m.At.Format("15:04:05"), string(m.Sender), m.Content})
	}
	table.Render()
}

func printHelp() {
	color.New(color.FgDarkGray).Println(
		"commands: /text /audio /video /who /history /file <path> /quit")
}

// consoleSink renders session events as they reach the fanout.
type consoleSink struct{}

func (consoleSink) Consume(_ context.Context, e event.DomainEvent) error {
	switch evt := e.(type) {
	case event.MessageAppended:
		printMessage(evt.Message)
	case event.ModeSwitched:
		color.New(color.FgCyan).Printf("-- mode: %s -> %s --\n", evt.From, evt.To)
	case event.LinkStateChanged:
		color.New(color.FgDarkGray).Printf("-- link: %s --\n", evt.State)
	case event.PresenceChanged:
		// Rendered through the system notices instead.
	}
	return nil
}

func printMessage(m domain.ChatMessage) {
	stamp := m.CreatedAt.Local().Format("15:04:05")
	switch {
	case m.IsError:
		color.Error.Printf("[%s] %s\n", stamp, m.Content)
	case m.Sender == domain.SenderSystem:
		color.New(color.FgYellow).Printf("[%s] %s\n", stamp, m.Content)
	case m.Sender == domain.SenderBot:
		color.New(color.FgMagenta).Printf("[%s] 助手: %s\n", stamp, m.Content)
	case m.Sender == domain.SenderExpert:
		color.New(color.FgGreen).Printf("[%s] 专家: %s\n", stamp, m.Content)
	default:
		color.New(color.FgBlue).Printf("[%s] 我: %s\n", stamp, m.Content)
	}
}
