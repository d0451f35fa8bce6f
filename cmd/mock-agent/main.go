// Package main implements a mock conversational agent for end-to-end testing.
// It serves the session protocol from JSON fixture files, routing by the
// agentId in the create-session request. This removes the need for a real
// agent service when exercising convoprobe, making runs fast, deterministic,
// and offline-capable.
//
// Usage:
//
//	mock-agent -fixtures /path/to/fixtures -port 8089 -token dev-token
//
// Fixture files are JSON named by agent id (e.g., "billing.json" serves agent
// "billing"). Replies are chosen by substring match on the user text, then by
// sequence id, then by the fallback reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c360studio/convoprobe/agentsim"
)

func main() {
	fixtureDir := flag.String("fixtures", "", "Path to fixture directory (required)")
	port := flag.Int("port", 8089, "Port to listen on")
	token := flag.String("token", "", "Bearer token required on session calls (empty disables auth)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *fixtureDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: mock-agent -fixtures /path/to/fixtures [-port 8089] [-token TOKEN]")
		os.Exit(1)
	}

	fixtures, err := agentsim.LoadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", slog.String("dir", *fixtureDir), slog.Any("error", err))
		os.Exit(1)
	}
	for id, agent := range fixtures {
		logger.Info("Loaded agent", slog.String("agent_id", id), slog.Int("replies", len(agent.Replies)))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           agentsim.New(fixtures, *token, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Mock agent listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.Any("error", err))
		os.Exit(1)
	}
}
