// Command p2pconf-join is a terminal demonstration of the facade: it
// joins a room, logs every typed event to stdout, and relays stdin
// lines into the room's chat channel. It exists to wire internal/core
// end to end the way a host application would, not as a shipping
// product surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/p2pconf/core/internal/config"
	"github.com/p2pconf/core/internal/control"
	"github.com/p2pconf/core/internal/core"
	"github.com/p2pconf/core/internal/observability"
	"github.com/p2pconf/core/pkg/version"
)

func main() {
	var (
		roomID     = flag.String("room", "", "room id to join (required)")
		userName   = flag.String("name", "", "display name")
		configPath = flag.String("config", "", "path to config.json (defaults to OS config dir)")
	)
	flag.Parse()

	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: p2pconf-join -room <roomID> [-name <userName>]")
		os.Exit(2)
	}

	path := *configPath
	if path == "" {
		path = filepath.Join(config.Default().App.ConfigDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:   cfg.GetLogLevel(),
		Format:  cfg.Logging.Format,
		Service: "p2pconf-join",
		Version: version.Version,
	})
	metrics := observability.NewMetrics()

	facade := core.New(cfg, nil, logger, metrics)

	facade.OnSignalingState(func(ev core.SignalingStateEvent) {
		logger.Info().Str("state", ev.State).Msg("signaling state changed")
	})
	facade.OnPeerJoinEvent(func(ev core.PeerJoinEvent) {
		fmt.Printf("* %s (%s) joined\n", ev.UserName, ev.PeerID)
	})
	facade.OnPeerLeaveEvent(func(ev core.PeerLeaveEvent) {
		fmt.Printf("* %s left\n", ev.PeerID)
	})
	facade.OnChatMessage(func(ev control.ChatEvent) {
		fmt.Printf("<%s> %s\n", ev.SenderName, ev.Content)
	})
	facade.OnErrorEvent(func(ev core.ErrorEvent) {
		logger.Warn().Err(ev.Err).Str("context", ev.Context).Msg("facade error")
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := facade.Join(ctx, *roomID, *userName); err != nil {
		fmt.Fprintf(os.Stderr, "failed to join room: %v\n", err)
		os.Exit(1)
	}
	defer facade.Dispose()

	fmt.Printf("joined room %q as %q (self id %s) - type to chat, Ctrl-C to leave\n", *roomID, *userName, facade.SelfID())

	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		for scanner.Scan() {
			facade.SendChatMessage(scanner.Text())
		}
	}()

	<-ctx.Done()
	fmt.Println("leaving room")
}
