package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string

	i3Socket     string
	pulseAddress string
	wsListenAddr string
	wsPath       string
	ipcSocket    string
	logLevel     string
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	run := func(cmd *cobra.Command, _ []string) error {
		cfg, cfgPath, err := loadRunConfig(cmd, &f)
		if err != nil {
			return err
		}
		level, _ := parseLogLevel(cfg.Logging.Level)
		logger := setupLogger(os.Stdout, level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runDaemon(ctx, cfg, cfgPath, logger); err != nil {
			logger.Error("daemon failed", "error", err)
			return err
		}
		logger.Info("shut down")
		return nil
	}

	root := &cobra.Command{
		Use:   "jiji",
		Short: "Live mirror of window-manager workspaces and audio devices",
		Long: `jiji keeps an always-current mirror of i3/sway workspaces and PulseAudio
sinks and sources, pushes it to renderers over a websocket, and forwards
their commands (switch workspace, default device, mute, volume) back to the
window manager and the audio server.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/jiji/config.yaml if present)")
	pf.StringVar(&f.i3Socket, "i3-socket", "", "i3/sway IPC socket path (default $I3SOCK, $SWAYSOCK, or i3 --get-socketpath)")
	pf.StringVar(&f.pulseAddress, "pulse-address", "", "PulseAudio D-Bus server address (default: server lookup on the session bus)")
	pf.StringVar(&f.wsListenAddr, "ws-listen", defaultStateWSAddr, "state websocket listen address (empty disables)")
	pf.StringVar(&f.wsPath, "ws-path", defaultStateWSPath, "state websocket HTTP path")
	pf.StringVar(&f.ipcSocket, "ipc-socket", defaultIPCSocketPath(), "unix socket path for jiji-ctl")
	pf.StringVar(&f.logLevel, "log-level", "info", "log level: error, warn, info, debug")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE:  run,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jiji v%s\n", version)
		},
	})

	return root
}

// loadRunConfig applies defaults, the config file and explicitly set flags,
// in that order, and validates the result.
func loadRunConfig(cmd *cobra.Command, f *rootFlags) (Config, string, error) {
	cfg, path, err := LoadConfig(f.configPath)
	if err != nil {
		return Config{}, "", err
	}

	flags := cmd.Flags()
	set := func(name string, v *string) *string {
		if flags.Changed(name) {
			return v
		}
		return nil
	}
	FlagOverrides{
		I3Socket:      set("i3-socket", &f.i3Socket),
		PulseAddress:  set("pulse-address", &f.pulseAddress),
		WSListenAddr:  set("ws-listen", &f.wsListenAddr),
		WSPath:        set("ws-path", &f.wsPath),
		IPCSocketPath: set("ipc-socket", &f.ipcSocket),
		LogLevel:      set("log-level", &f.logLevel),
	}.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// runDaemon connects to both sources and runs every goroutine under one
// errgroup. The first failure cancels the rest.
func runDaemon(ctx context.Context, cfg Config, cfgPath string, logger *slog.Logger) error {
	logger.Debug("starting jiji", "version", version, "config", cfgPath)

	socket, err := findI3Socket(cfg.Workspaces.SocketPath)
	if err != nil {
		return err
	}
	conns, err := dialWorkspaces(socket, logger)
	if err != nil {
		return err
	}
	defer conns.Close()

	pulse, err := dialPulse(cfg.Audio.DBusAddress, logger)
	if err != nil {
		return err
	}
	defer pulse.Close()

	daemon := NewDaemon(logger)
	daemon.SetGateway(NewGateway(conns.command, pulse, daemon.Snapshot, logger))
	daemon.Subscribe(logObserver(logger))

	audio := newAudioDriver(pulse, daemon.Apply, daemon.Fail, logger)
	audio.Start()

	queue := newEventQueue()
	wsDriver := newWorkspaceDriver(conns.fetch, conns.listen, queue, logger)

	requests := make(chan DaemonRequest, defaultRequestBuf)
	labels := newLabelStore(cfg.Nicknames())
	relabel := labels.Store

	g, gctx := errgroup.WithContext(ctx)

	wsDriver.Start(gctx)

	g.Go(func() error {
		// Ready is reported from the loop goroutine so every audio callback
		// runs there.
		pulse.Start()
		return daemon.Run(gctx, DaemonInputs{
			WorkspaceEvents: queue,
			WorkspaceFatal:  wsDriver.Fatal(),
			Pulse:           pulse,
			Requests:        requests,
		})
	})

	if cfg.StateWS.ListenAddr != "" {
		srv := NewServer(logger, requests, labels, ServerConfig{Hub: HubConfig{SendBuf: cfg.StateWS.SendBuf}})
		relabel = srv.Relabel

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error { return srv.RunBroadcaster(gctx) })
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.StateWS.ListenAddr, cfg.StateWS.Path) })
	}

	ipc := NewIPCServer(cfg.IPC.SocketPath, requests, labels, logger)
	g.Go(func() error { return ipc.Run(gctx) })

	if cfgPath != "" {
		w := newConfigWatcher(cfgPath, relabel, logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("running",
		"i3_socket", socket,
		"state_ws", cfg.StateWS.ListenAddr,
		"ipc", cfg.IPC.SocketPath)

	err = g.Wait()

	// Closing the connections unblocks a fetch that is still in flight.
	conns.Close()
	wsDriver.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
