// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Annex-daemon supervises one sandbox container per user on a single
// host. Every container operation goes through the engine CLI surface;
// the daemon itself holds only in-memory state and can be restarted
// freely — running instances survive and are adopted back.
//
// On startup:
//  1. Loads configuration (--config, else ANNEX_CONFIG, else defaults).
//  2. Probes the container engine.
//  3. Discovers running sandbox containers and adopts their records.
//  4. Removes orphaned containers left over from a previous daemon.
//  5. Re-attaches browser and agent sessions for adopted instances.
//  6. Serves the control listener until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/annex/engine"
	"github.com/bureau-foundation/annex/lib/clock"
	"github.com/bureau-foundation/annex/lib/config"
	"github.com/bureau-foundation/annex/lib/version"
	"github.com/bureau-foundation/annex/orchestrator"
	"github.com/bureau-foundation/annex/session"
	"github.com/bureau-foundation/annex/terminal"
	"github.com/bureau-foundation/annex/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listenAddr  string
		debug       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "configuration file (default: $ANNEX_CONFIG, else built-in defaults)")
	flag.StringVar(&listenAddr, "listen", "", "control listener address (overrides the configuration file)")
	flag.BoolVar(&debug, "debug", false, "log at debug level")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("annex-daemon %s\n", version.Info())
		return nil
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	clk := clock.Real()
	eng := engine.New(engine.Config{
		Binary: cfg.Engine.Binary,
		Logger: logger,
	})

	// Probe before anything touches containers: a dead engine should
	// fail startup, not the first instance operation.
	engineVersion, err := eng.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probing container engine: %w", err)
	}
	logger.Info("container engine ready",
		"binary", cfg.Engine.Binary, "version", engineVersion)

	allocator := orchestrator.NewAllocator(cfg.Ports.Base)
	orch, err := orchestrator.New(orchestrator.Config{
		Engine:    eng,
		Allocator: allocator,
		Image:     cfg.Engine.Image,
		Prefix:    cfg.Engine.ContainerPrefix,
		Limits: engine.Limits{
			MemoryBytes:  cfg.Engine.MemoryBytes,
			CPUShares:    cfg.Engine.CPUShares,
			PIDs:         cfg.Engine.PIDsLimit,
			StorageBytes: cfg.Engine.StorageBytes,
		},
		Internal: orchestrator.Ports{
			App:     cfg.Ports.AppInternal,
			Browser: cfg.Ports.BrowserInternal,
			Agent:   cfg.Ports.AgentInternal,
		},
		AgentConfigPath:     cfg.Agent.ConfigPath,
		AgentRestartCommand: cfg.Agent.RestartCommand,
		Clock:               clk,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	sessionConfig := session.ManagerConfig{
		DialTimeout:    cfg.DialTimeout(),
		AttachBudget:   cfg.AttachBudget(),
		AttachInterval: cfg.AttachInterval(),
		RequestTimeout: cfg.RequestTimeout(),
		Clock:          clk,
		Logger:         logger,
	}
	browsers := session.NewBrowserManager(sessionConfig)
	agents := session.NewAgentManager(sessionConfig, session.NewDispatcher())

	terminals, err := terminal.NewManager(terminal.Config{
		Engine:       eng,
		SessionName:  cfg.Terminal.TmuxSession,
		HistorySize:  cfg.Terminal.HistoryBytes,
		ResizeWindow: cfg.ResizeThrottle(),
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("building terminal manager: %w", err)
	}

	daemon := &Daemon{
		cfg:          cfg,
		orchestrator: orch,
		allocator:    allocator,
		browsers:     browsers,
		agents:       agents,
		terminals:    terminals,
		clock:        clk,
		logger:       logger,
		startedAt:    clk.Now(),
	}

	adopted := daemon.adoptExisting(ctx)
	logger.Info("instance recovery complete", "adopted", adopted)
	daemon.writeSnapshot()

	listener, err := transport.NewTCPListener(cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding control listener: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listener.Serve(ctx, daemon.routes())
	}()
	logger.Info("daemon ready",
		"listen", listener.Address(),
		"instances", len(orch.Instances()))

	var serveFailure error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveFailure = <-serveErr:
		if serveFailure != nil {
			serveFailure = fmt.Errorf("control listener: %w", serveFailure)
			logger.Error("control listener failed", "error", serveFailure)
		}
	}

	daemon.shutdown()
	return serveFailure
}

// Daemon is the core daemon state: the instance orchestrator, the
// per-instance session and terminal managers, and the snapshot plumbing
// the control flow coordinates them through.
type Daemon struct {
	cfg *config.Config

	// orchestrator owns instance container lifecycle and the host port
	// triples backing it.
	orchestrator *orchestrator.Orchestrator

	// allocator is the orchestrator's port source, held here so state
	// snapshots can record the next unissued port.
	allocator *orchestrator.Allocator

	// browsers and agents hold each instance's control sessions,
	// proxied to the in-container services over the instance's host
	// ports.
	browsers *session.BrowserManager
	agents   *session.AgentManager

	// terminals owns the shared terminal attachments served on the
	// control listener's WebSocket endpoint.
	terminals *terminal.Manager

	// lifecycleMu serializes instance mutations. The orchestrator
	// serializes provisioning internally but leaves per-instance
	// operation ordering to its caller.
	lifecycleMu sync.Mutex

	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time
}

// shutdown tears down every session and terminal attachment and writes
// the final state snapshot. Containers keep running: instances survive
// daemon restarts and are adopted back on the next start.
func (d *Daemon) shutdown() {
	d.browsers.DestroyAll()
	d.agents.DestroyAll()
	d.terminals.CloseAll()
	d.writeSnapshot()
	d.logger.Info("shutdown complete")
}
