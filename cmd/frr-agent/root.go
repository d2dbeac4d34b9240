package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/frr-agent/internal/agent"
	"github.com/danmuck/frr-agent/internal/logging"
	"github.com/danmuck/frr-agent/internal/protocol/session"
	"github.com/danmuck/frr-agent/internal/reload"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "frr-agent",
		Short:         "Daemon to reload FRR configs",
		Long:          "frr-agent receives FRR configurations over a unix socket, stores them and applies them with frr-reload.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSendCmd(), newPingCmd(), newVersionCmd())
	return root
}

type serveFlags struct {
	configFile    string
	sockPath      string
	logLevel      string
	outDir        string
	reloader      string
	binDir        string
	runDir        string
	confDir       string
	vtySock       string
	alwaysOK      bool
	procTime      uint64
	archive       bool
	adminAddr     string
	maxFrameBytes uint64
	idleTimeout   time.Duration
	frameTimeout  time.Duration
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent on a unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServeConfig(cmd, f)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime(cfg.LogLevel)
			if f.vtySock != "" {
				log.Warn().Str("vtysock", f.vtySock).Msg("vtysock is accepted but unused")
			}
			log.Debug().Msg("starting frr-agent...")
			return agent.NewService(cfg.Service).Run()
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.configFile, "config", "", "TOML config file; flags override its values")
	flags.StringVar(&f.sockPath, "sock-path", "", "unix socket bind path")
	flags.StringVar(&f.logLevel, "loglevel", "", "log level (error, warn, info, debug, trace)")
	flags.StringVar(&f.outDir, "outdir", "", "directory where received configs are stored")
	flags.StringVar(&f.reloader, "reloader", "", "full path to reloader (frr-reload.bin|py)")
	flags.StringVar(&f.binDir, "bindir", "", "directory of vtysh")
	flags.StringVar(&f.runDir, "rundir", "", "directory where frr-reload writes temp files")
	flags.StringVar(&f.confDir, "confdir", "", "directory of frr config files")
	flags.StringVar(&f.vtySock, "vtysock", "", "vtysh sock (unused)")
	flags.BoolVar(&f.alwaysOK, "always-ok", false, "report success for every request (testing only)")
	flags.Uint64Var(&f.procTime, "proc-time", 0, "artificially increase processing time by this number of seconds")
	flags.BoolVar(&f.archive, "archive", false, "keep a zstd copy of every received config")
	flags.StringVar(&f.adminAddr, "admin-addr", "", "admin HTTP listen address (disabled when empty)")
	flags.Uint64Var(&f.maxFrameBytes, "max-frame-bytes", 0, "largest accepted message in bytes")
	flags.DurationVar(&f.idleTimeout, "idle-timeout", 0, "close a connection idle for this long (0 waits forever)")
	flags.DurationVar(&f.frameTimeout, "frame-timeout", 0, "deadline to complete a partially received frame")
	return cmd
}

// resolveServeConfig layers defaults, the optional config file and the flags
// the operator actually set.
func resolveServeConfig(cmd *cobra.Command, f serveFlags) (agentConfig, error) {
	cfg := defaultAgentConfig()
	if path := strings.TrimSpace(f.configFile); path != "" {
		loaded, err := loadAgentConfig(path)
		if err != nil {
			return agentConfig{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	svc := &cfg.Service
	if flags.Changed("sock-path") {
		svc.SocketPath = f.sockPath
	}
	if flags.Changed("loglevel") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("outdir") {
		svc.Reload.OutDir = f.outDir
	}
	if flags.Changed("reloader") {
		svc.Reload.ReloaderPath = f.reloader
	}
	if flags.Changed("bindir") {
		svc.Reload.BinDir = f.binDir
	}
	if flags.Changed("rundir") {
		svc.Reload.RunDir = f.runDir
	}
	if flags.Changed("confdir") {
		svc.Reload.ConfDir = f.confDir
	}
	if flags.Changed("always-ok") {
		svc.Reload.AlwaysOK = f.alwaysOK
	}
	if flags.Changed("proc-time") {
		delay, err := reload.DelaySeconds(f.procTime)
		if err != nil {
			return agentConfig{}, fmt.Errorf("--proc-time: %w", err)
		}
		svc.Reload.ProcessingDelay = delay
	}
	if flags.Changed("archive") {
		svc.Reload.Archive = f.archive
	}
	if flags.Changed("admin-addr") {
		svc.AdminAddr = f.adminAddr
	}
	if flags.Changed("max-frame-bytes") {
		svc.Session.Limits.MaxPayloadBytes = f.maxFrameBytes
	}
	if flags.Changed("idle-timeout") {
		svc.Session.IdleTimeout = f.idleTimeout
	}
	if flags.Changed("frame-timeout") {
		svc.Session.FrameTimeout = f.frameTimeout
	}

	if strings.TrimSpace(svc.SocketPath) == "" {
		return agentConfig{}, fmt.Errorf("--sock-path is required")
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return agentConfig{}, fmt.Errorf("bad loglevel %q", cfg.LogLevel)
	}
	svc.Reload = svc.Reload.WithDefaults()
	return cfg, nil
}

type clientFlags struct {
	sockPath string
	timeout  time.Duration
}

func (c *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.sockPath, "sock-path", "", "agent unix socket path")
	cmd.Flags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "response timeout")
	_ = cmd.MarkFlagRequired("sock-path")
}

func (c *clientFlags) dial(ctx context.Context) (*session.Client, error) {
	cfg := session.DefaultClientConfig()
	cfg.SocketPath = c.sockPath
	cfg.ResponseTimeout = c.timeout
	return session.Dial(ctx, cfg)
}

func newSendCmd() *cobra.Command {
	var cf clientFlags
	var genID uint64
	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Send a config file to a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			client, err := cf.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			resp, err := client.SendConfig(ctx, genID, blob)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "genid=%d %s\n", resp.GenID, resp.Message)
			if !resp.OK() {
				return fmt.Errorf("reload of generation %d failed", resp.GenID)
			}
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().Uint64Var(&genID, "genid", 1, "generation id (nonzero)")
	return cmd
}

func newPingCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a keepalive to a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			client, err := cf.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			start := time.Now()
			if err := client.Keepalive(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "KEEPALIVE ok in %s\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show frr-agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "frr-agent version %s\n", agent.Version)
			return nil
		},
	}
}
