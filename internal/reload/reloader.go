package reload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danmuck/frr-agent/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrReload = errors.New("reloading error")

const (
	DefaultReloaderPath = "/hedgehog/frr-reload.py"
	DefaultBinDir       = "/usr/local/bin"
	DefaultRunDir       = "/var/run/frr"
	DefaultConfDir      = "/etc/frr"
	DefaultOutDir       = "/tmp/configs/hedgehog"

	// maxDetailBytes caps how much tool output is returned to the peer.
	maxDetailBytes = 4096
)

// Config selects the reload tool and how its result is interpreted.
type Config struct {
	ReloaderPath string
	BinDir       string
	RunDir       string
	ConfDir      string
	OutDir       string

	// Archive keeps a zstd copy of each received config.
	Archive bool
	// AlwaysOK reports success regardless of the tool's result.
	AlwaysOK bool
	// ProcessingDelay pads every invocation before any work is done.
	ProcessingDelay time.Duration
	// FailureMarkers are output substrings treated as a failure even on exit 0.
	FailureMarkers []string
}

func DefaultConfig() Config {
	return Config{
		ReloaderPath: DefaultReloaderPath,
		BinDir:       DefaultBinDir,
		RunDir:       DefaultRunDir,
		ConfDir:      DefaultConfDir,
		OutDir:       DefaultOutDir,
	}
}

// WithDefaults fills empty paths from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ReloaderPath) == "" {
		c.ReloaderPath = d.ReloaderPath
	}
	if strings.TrimSpace(c.BinDir) == "" {
		c.BinDir = d.BinDir
	}
	if strings.TrimSpace(c.RunDir) == "" {
		c.RunDir = d.RunDir
	}
	if strings.TrimSpace(c.ConfDir) == "" {
		c.ConfDir = d.ConfDir
	}
	if strings.TrimSpace(c.OutDir) == "" {
		c.OutDir = d.OutDir
	}
	if c.ProcessingDelay < 0 {
		c.ProcessingDelay = 0
	}
	return c
}

// ToolArgs are the arguments common to the test and reload passes, listed
// explicitly so the log shows exactly what the tool received.
func (c Config) ToolArgs() []string {
	return []string{
		"--stdout",
		"--debug",
		"--bindir", c.BinDir,
		"--rundir", c.RunDir,
		"--confdir", c.ConfDir,
	}
}

// MaxProcessingDelaySeconds is the largest delay, in seconds, a
// time.Duration can hold.
const MaxProcessingDelaySeconds = uint64(math.MaxInt64 / int64(time.Second))

// DelaySeconds converts an operator-supplied seconds value into a delay.
func DelaySeconds(seconds uint64) (time.Duration, error) {
	if seconds > MaxProcessingDelaySeconds {
		return 0, fmt.Errorf("processing delay %ds exceeds %ds", seconds, MaxProcessingDelaySeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

type pass string

const (
	passTest   pass = "test"
	passReload pass = "reload"
)

// Reloader is the production Invoker: persist, then frr-reload --test,
// then frr-reload --reload.
type Reloader struct {
	cfg    Config
	store  Store
	runner Runner
	sleep  func(time.Duration)
}

var _ Invoker = (*Reloader)(nil)

// NewReloader builds a Reloader. Nil store or runner select FileStore and
// ExecRunner.
func NewReloader(cfg Config, store Store, runner Runner) *Reloader {
	cfg = cfg.WithDefaults()
	if store == nil {
		store = &FileStore{Dir: cfg.OutDir, Archive: cfg.Archive}
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Reloader{cfg: cfg, store: store, runner: runner, sleep: time.Sleep}
}

func (r *Reloader) Config() Config {
	return r.cfg
}

func (r *Reloader) Invoke(ctx context.Context, blob []byte, genID uint64) Outcome {
	start := time.Now()
	// an invocation always runs to completion, even across shutdown
	ctx = context.WithoutCancel(ctx)

	if r.cfg.ProcessingDelay > 0 {
		log.Debug().Dur("delay", r.cfg.ProcessingDelay).Msg("sleeping before reload")
		r.sleep(r.cfg.ProcessingDelay)
	}

	err := r.reload(ctx, blob, genID)
	outcome := Succeeded()
	if err != nil {
		outcome = Failed(err.Error())
	}

	if r.cfg.AlwaysOK && !outcome.Success {
		log.Warn().
			Uint64("genid", genID).
			Str("detail", outcome.Detail).
			Msg("agent is running in always-ok mode and will report SUCCESS")
		outcome = Succeeded()
	} else if r.cfg.AlwaysOK {
		log.Warn().Uint64("genid", genID).Msg("agent is running in always-ok mode")
	}

	observability.RecordReload(outcome.Success, time.Since(start))
	return outcome
}

func (r *Reloader) reload(ctx context.Context, blob []byte, genID uint64) error {
	stored, err := r.store.Write(genID, blob)
	if err != nil {
		log.Error().Uint64("genid", genID).Err(err).Msg("config persist failed")
		return err
	}
	if err := r.execute(ctx, stored.Path, passTest); err != nil {
		return err
	}
	log.Debug().Uint64("genid", genID).Msg("successfully TESTED new configuration")
	if err := r.execute(ctx, stored.Path, passReload); err != nil {
		return err
	}
	log.Info().Uint64("genid", genID).Str("blake3", stored.Digest).Msg("successfully APPLIED new configuration")
	return nil
}

func (r *Reloader) execute(ctx context.Context, confFile string, p pass) error {
	args := append([]string{"--" + string(p)}, r.cfg.ToolArgs()...)
	args = append(args, confFile)
	log.Debug().Str("cmd", joinCommand(r.cfg.ReloaderPath, args)).Msg("executing reloader")

	res, err := r.runner.Run(ctx, r.cfg.ReloaderPath, args...)
	if err != nil {
		log.Error().Str("pass", string(p)).Err(err).Msg("reloader could not run")
		return err
	}
	if res.ExitCode != 0 {
		log.Error().
			Str("pass", string(p)).
			Int("exit", res.ExitCode).
			Str("stderr", string(res.Stderr)).
			Str("stdout", string(res.Stdout)).
			Msg(">>>> FRR reload failed! <<<<")
		return fmt.Errorf("%w (%s): exit status %d: %s", ErrReload, p, res.ExitCode, detail(res))
	}
	if marker, ok := r.reportedFailure(res); ok {
		log.Error().
			Str("pass", string(p)).
			Str("marker", marker).
			Str("stdout", string(res.Stdout)).
			Msg("reloader reported failure")
		return fmt.Errorf("%w (%s): reported %q: %s", ErrReload, p, marker, detail(res))
	}
	return nil
}

func (r *Reloader) reportedFailure(res RunResult) (string, bool) {
	for _, marker := range r.cfg.FailureMarkers {
		if marker == "" {
			continue
		}
		m := []byte(marker)
		if bytes.Contains(res.Stdout, m) || bytes.Contains(res.Stderr, m) {
			return marker, true
		}
	}
	return "", false
}

// detail joins stderr and stdout into a bounded diagnostic string.
func detail(res RunResult) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(string(res.Stderr)); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(string(res.Stdout)); s != "" {
		parts = append(parts, "stdout: "+s)
	}
	out := strings.Join(parts, "\n")
	if out == "" {
		out = "no output"
	}
	if len(out) > maxDetailBytes {
		cut := maxDetailBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "...(truncated)"
	}
	return out
}
