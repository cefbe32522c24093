// CodeTogether agent, a headless participant for a collaboration session.
//
// It joins (or creates) a session, keeps the synchronized tree and the
// presence lease alive, and logs what the other participants do. Useful for
// soak-testing a server and as a scaffold for bots that react to edits.
//
//	codetogether-agent -server http://localhost:8080 -session dQw4w9WgXcQ1
//
// With no -session flag a fresh session id is generated and printed, ready
// to share.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/internal/logging"
	"github.com/codetogether/codetogether/pkg/client"
	"github.com/codetogether/codetogether/pkg/models"
	"github.com/codetogether/codetogether/pkg/presence"
	"github.com/codetogether/codetogether/pkg/session"
	"github.com/codetogether/codetogether/pkg/workspace"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Sync server URL")
	sessionID := flag.String("session", "", "Session id to join (empty generates a new one)")
	heartbeat := flag.Duration("heartbeat", presence.DefaultHeartbeat, "Presence heartbeat interval")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: *logLevel, Format: "console"}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()
	log := logging.L()

	id, created := session.Resolve(*sessionID)
	if created {
		fmt.Printf("session: %s\n", id)
	}
	participant := session.NewParticipant(id)

	c := client.New(client.Config{BaseURL: *serverURL, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		log.Fatal("server unreachable", zap.String("server", *serverURL), zap.Error(err))
	}

	stream, err := client.DialEventStream(ctx, *serverURL, id, participant.UserID, log)
	if err != nil {
		log.Fatal("event stream dial failed", zap.Error(err))
	}
	defer stream.Close()

	sse := client.NewSSEClient(*serverURL, id, log)

	ws := workspace.New(id, participant, c, c, sse, workspace.Options{
		Stream:            stream,
		HeartbeatInterval: *heartbeat,
		Logger:            log,
		OnChange: func(files []*models.Node, version int64) {
			log.Info("tree changed", zap.Int64("version", version))
		},
		OnPresence: func(participants []*models.Participant) {
			names := make([]string, 0, len(participants))
			for _, p := range participants {
				names = append(names, p.UserName)
			}
			log.Info("online", zap.Int("count", len(participants)), zap.Strings("users", names))
		},
		OnStreamEvent: func(ev models.Event) {
			log.Debug("stream event", zap.String("type", ev.Type), zap.String("from", ev.UserID))
		},
	})

	if err := ws.Open(ctx); err != nil {
		log.Fatal("workspace open failed", zap.Error(err))
	}
	defer ws.Close()

	log.Info("joined session",
		zap.String("session_id", id),
		zap.String("user", participant.UserName),
		zap.Int64("version", ws.Version()))

	// The SSE feed already carries everything; this loop only keeps the
	// WebSocket drained.
	go func() {
		for range stream.Events() {
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()
	for {
		select {
		case <-sigCh:
			log.Info("leaving session")
			return
		case <-statusTicker.C:
			node, lang := ws.ActiveFile()
			if node != nil {
				log.Info("status",
					zap.Int64("version", ws.Version()),
					zap.String("active_file", node.Name),
					zap.String("language", lang),
					zap.Int("online", len(ws.Online())))
			}
		}
	}
}
