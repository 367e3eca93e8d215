package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mirror-relay/relay/internal/agent"
	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/config"
	"github.com/mirror-relay/relay/internal/control"
	"github.com/mirror-relay/relay/internal/forward"
	"github.com/mirror-relay/relay/internal/frontend"
	"github.com/mirror-relay/relay/internal/logging"
	"github.com/mirror-relay/relay/internal/mock"
	"github.com/mirror-relay/relay/internal/monitor"
	"github.com/mirror-relay/relay/internal/session"
	"github.com/mirror-relay/relay/internal/ws"
)

type serveOptions struct {
	port     int
	mockMode bool
	webDir   string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if opts.port > 0 {
				cfg.Server.Port = opts.port
			}
			if opts.webDir != "" {
				cfg.Server.WebDir = opts.webDir
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.mockMode)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", 0, "Override server port")
	cmd.Flags().BoolVar(&opts.mockMode, "mock", false, "Use simulated devices instead of adb")
	cmd.Flags().StringVar(&opts.webDir, "web-dir", "", "Serve the viewer from this directory")
	return cmd
}

func loadConfig(root *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(root.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if root.logLevel != "" {
		cfg.Log.Level = root.logLevel
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

// newRunner returns the device bridge runner. In mock mode it also points the
// agent payload at a generated file and returns a cleanup func.
func newRunner(cfg *config.Config, mockMode bool) (bridge.Runner, func(), error) {
	if !mockMode {
		return bridge.ExecRunner{Path: bridge.ResolvePath(cfg.Bridge.Path)}, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "relay-mock-")
	if err != nil {
		return nil, nil, err
	}
	payload, err := mock.WritePayload(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cfg.Agent.LocalPath = payload

	mb := mock.NewBridge(logging.For("mock"))
	return mb, func() {
		mb.Close()
		os.RemoveAll(dir)
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, mockMode bool) error {
	log := logging.For("main")

	runner, cleanup, err := newRunner(cfg, mockMode)
	if err != nil {
		return err
	}
	defer cleanup()
	if mockMode {
		log.Info().Msg("starting in mock mode")
	}

	bc := bridge.New(runner, cfg.Bridge.CommandTimeout)
	filter := session.DeviceFilter{Allowed: cfg.Bridge.AllowedDevices, Blocked: cfg.Bridge.BlockedDevices}
	access := ws.NewAccess(cfg.Server)

	launcher := agent.NewLauncher(bc, agent.Options{
		LocalPath:  cfg.Agent.LocalPath,
		DevicePath: cfg.Agent.DevicePath,
		Version:    cfg.Agent.Version,
		ClassName:  cfg.Agent.ClassName,
		MaxSize:    cfg.Agent.MaxSize,
		LogLevel:   cfg.Agent.LogLevel,
	}, logging.For("agent"))

	sup := session.NewSupervisor(session.Config{
		ForwardHost:    cfg.Relay.Host,
		ForwardPort:    cfg.Relay.ForwardPort,
		TransportHost:  cfg.Relay.Host,
		TransportPort:  cfg.Relay.TransportPort,
		SettleDelay:    cfg.Relay.SettleDelay,
		ReadBufferSize: cfg.Relay.ReadBuffer,
		Filter:         filter,
		CheckOrigin:    access.CheckOrigin,
		Authorize:      access.Authorize,
	},
		forward.NewManager(bc, logging.For("forward")),
		launcher,
		control.NewDispatcher(bc, logging.For("control")),
		logging.For("session"),
	)
	defer sup.Close()

	broadcaster := ws.NewBroadcaster(cfg.Server.MaxConnections, logging.For("ws"))
	defer broadcaster.Close()
	unsubscribe := sup.Subscribe(broadcaster.OnSessionEvent)
	defer unsubscribe()

	mon := monitor.New(bc, sup, broadcaster, monitor.Options{
		PollInterval:     cfg.Monitor.PollInterval,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Filter:           filter,
	}, logging.For("monitor"))
	go mon.Start(ctx)

	web := frontend.Handler(cfg.Server.WebDir)
	server := ws.NewServer(access, sup, mon, bc, broadcaster, web, logging.For("http"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	err = ws.ListenAndServe(ctx, addr, server.Handler(), log)
	log.Info().Msg("shutting down")
	return err
}
