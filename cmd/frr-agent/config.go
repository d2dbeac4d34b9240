package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/frr-agent/internal/agent"
	"github.com/danmuck/frr-agent/internal/reload"
)

type fileConfig struct {
	SockPath       string   `toml:"sock_path"`
	SocketMode     string   `toml:"socket_mode"`
	LogLevel       string   `toml:"loglevel"`
	OutDir         string   `toml:"outdir"`
	Reloader       string   `toml:"reloader"`
	BinDir         string   `toml:"bindir"`
	RunDir         string   `toml:"rundir"`
	ConfDir        string   `toml:"confdir"`
	AlwaysOK       bool     `toml:"always_ok"`
	ProcTime       int64    `toml:"proc_time"`
	Archive        bool     `toml:"archive"`
	FailureMarkers []string `toml:"failure_markers"`
	AdminAddr      string   `toml:"admin_addr"`
	MaxFrameBytes  uint64   `toml:"max_frame_bytes"`
	IdleTimeout    string   `toml:"idle_timeout"`
	FrameTimeout   string   `toml:"frame_timeout"`
	WriteTimeout   string   `toml:"write_timeout"`
}

// agentConfig is the resolved daemon configuration.
type agentConfig struct {
	Service  agent.ServiceConfig
	LogLevel string
}

func defaultAgentConfig() agentConfig {
	return agentConfig{
		Service:  agent.DefaultServiceConfig(),
		LogLevel: "debug",
	}
}

// loadAgentConfig overlays a TOML file on the defaults. Keys absent from
// the file keep their default.
func loadAgentConfig(path string) (agentConfig, error) {
	cfg := defaultAgentConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agentConfig{}, fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return agentConfig{}, fmt.Errorf("load agent config: unknown key %q", undecoded[0].String())
	}

	svc := &cfg.Service
	if meta.IsDefined("sock_path") {
		svc.SocketPath = strings.TrimSpace(raw.SockPath)
	}
	if meta.IsDefined("socket_mode") {
		mode, err := strconv.ParseUint(strings.TrimSpace(raw.SocketMode), 8, 32)
		if err != nil {
			return agentConfig{}, fmt.Errorf("parse socket_mode: %w", err)
		}
		svc.SocketMode = os.FileMode(mode)
	}
	if meta.IsDefined("loglevel") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("outdir") {
		svc.Reload.OutDir = strings.TrimSpace(raw.OutDir)
	}
	if meta.IsDefined("reloader") {
		svc.Reload.ReloaderPath = strings.TrimSpace(raw.Reloader)
	}
	if meta.IsDefined("bindir") {
		svc.Reload.BinDir = strings.TrimSpace(raw.BinDir)
	}
	if meta.IsDefined("rundir") {
		svc.Reload.RunDir = strings.TrimSpace(raw.RunDir)
	}
	if meta.IsDefined("confdir") {
		svc.Reload.ConfDir = strings.TrimSpace(raw.ConfDir)
	}
	if meta.IsDefined("always_ok") {
		svc.Reload.AlwaysOK = raw.AlwaysOK
	}
	if meta.IsDefined("proc_time") {
		if raw.ProcTime < 0 {
			return agentConfig{}, fmt.Errorf("proc_time must not be negative")
		}
		delay, err := reload.DelaySeconds(uint64(raw.ProcTime))
		if err != nil {
			return agentConfig{}, fmt.Errorf("parse proc_time: %w", err)
		}
		svc.Reload.ProcessingDelay = delay
	}
	if meta.IsDefined("archive") {
		svc.Reload.Archive = raw.Archive
	}
	if meta.IsDefined("failure_markers") {
		svc.Reload.FailureMarkers = normalizeMarkers(raw.FailureMarkers)
	}
	if meta.IsDefined("admin_addr") {
		svc.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("max_frame_bytes") {
		svc.Session.Limits.MaxPayloadBytes = raw.MaxFrameBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &svc.Session.IdleTimeout},
		{"frame_timeout", raw.FrameTimeout, &svc.Session.FrameTimeout},
		{"write_timeout", raw.WriteTimeout, &svc.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return agentConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func normalizeMarkers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		if v := strings.TrimSpace(m); v != "" {
			out = append(out, v)
		}
	}
	return out
}
