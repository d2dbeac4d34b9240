package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/frr-agent/internal/protocol/session"
	"github.com/danmuck/frr-agent/internal/reload"
	"github.com/rs/zerolog/log"
)

var (
	ErrSocketPathRequired = errors.New("agent: socket path required")
	ErrNilInvoker         = errors.New("agent: nil invoker")
)

const acceptRetryDelay = 100 * time.Millisecond

// ServiceConfig is established once at startup and read-only afterwards.
type ServiceConfig struct {
	SocketPath string
	// SocketMode is applied to the bound socket file.
	SocketMode os.FileMode
	// AdminAddr enables the admin HTTP surface when non-empty.
	AdminAddr string
	Session   session.Config
	Reload    reload.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SocketMode: 0o777,
		Session:    session.DefaultConfig(),
		Reload:     reload.DefaultConfig(),
	}
}

// Status is a point-in-time view of the acceptor for the admin surface.
type Status struct {
	SocketPath      string    `json:"socket_path"`
	StartedAt       time.Time `json:"started_at"`
	SessionsServed  uint64    `json:"sessions_served"`
	SessionActive   bool      `json:"session_active"`
	LastCloseReason string    `json:"last_close_reason,omitempty"`
	LastCloseError  string    `json:"last_close_error,omitempty"`
	Requests        uint64    `json:"requests"`
	Keepalives      uint64    `json:"keepalives"`
	LastGenID       uint64    `json:"last_genid,omitempty"`
	LastOutcomeOK   bool      `json:"last_outcome_ok"`
	LastDetail      string    `json:"last_detail,omitempty"`
	LastReloadAt    time.Time `json:"last_reload_at,omitempty"`
}

// Service accepts one connection at a time and runs its session to
// completion before accepting the next.
type Service struct {
	cfg     ServiceConfig
	invoker reload.Invoker

	mu     sync.Mutex
	status Status
}

// NewService builds the production service around a Reloader.
func NewService(cfg ServiceConfig) *Service {
	cfg.Reload = cfg.Reload.WithDefaults()
	svc, _ := NewServiceWithInvoker(cfg, reload.NewReloader(cfg.Reload, nil, nil))
	return svc
}

// NewServiceWithInvoker builds a service around any Invoker.
func NewServiceWithInvoker(cfg ServiceConfig, invoker reload.Invoker) (*Service, error) {
	if invoker == nil {
		return nil, ErrNilInvoker
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = DefaultServiceConfig().SocketMode
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:     cfg,
		invoker: invoker,
		status:  Status{SocketPath: cfg.SocketPath, StartedAt: time.Now()},
	}, nil
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run binds the socket and serves until SIGINT, SIGTERM or SIGQUIT. Failing
// to bind is the only fatal error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	ln, err := Listen(s.cfg.SocketPath, s.cfg.SocketMode)
	if err != nil {
		return err
	}
	defer s.removeSocket()
	log.Debug().Str("sock", s.cfg.SocketPath).Msg("frr-agent listening")
	log.Debug().Str("outdir", s.cfg.Reload.OutDir).Msg("frr-agent writes configs")
	log.Debug().Str("reloader", s.cfg.Reload.ReloaderPath).Msg("frr-agent reloader")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		admin := NewAdmin(s)
		srv := &http.Server{Addr: addr, Handler: admin.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", addr).Msg("admin listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		log.Warn().Int("pid", os.Getpid()).Msg("terminated")
		return err
	case err := <-adminErr:
		// the agent keeps serving reloads without its admin surface
		log.Error().Err(err).Msg("admin server stopped")
		err = <-serveErr
		log.Warn().Int("pid", os.Getpid()).Msg("terminated")
		return err
	}
}

// Listen removes a stale socket file, creates parent directories, binds and
// sets the socket file mode.
func Listen(path string, mode os.FileMode) (*net.UnixListener, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrSocketPathRequired
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("agent: remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("agent: could not create sock path: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("agent: failed to bind: %w", err)
	}
	// Run removes the file itself after the listener is closed
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(path, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("agent: failure setting permissions: %w", err)
	}
	return ln, nil
}

// Serve runs the accept loop on ln until ctx is cancelled. A session error
// never stops the loop.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		log.Debug().Msg("┣━━━━ waiting for connection ━━━━━┫")
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Service) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Debug().Str("peer", session.PeerName(conn)).Msg("got connection")

	sess, err := session.New(conn, reload.InvokerFunc(s.invoke), s.cfg.Session)
	if err != nil {
		log.Error().Err(err).Msg("session setup failed")
		return
	}
	s.mu.Lock()
	s.status.SessionActive = true
	s.mu.Unlock()

	res := sess.Run(ctx)

	s.mu.Lock()
	s.status.SessionActive = false
	s.status.SessionsServed++
	s.status.Keepalives += res.Stats.Keepalives
	s.status.LastCloseReason = string(res.Reason)
	s.status.LastCloseError = ""
	if res.Err != nil {
		s.status.LastCloseError = res.Err.Error()
	}
	s.mu.Unlock()
}

// invoke records the outcome of every reload for Status.
func (s *Service) invoke(ctx context.Context, blob []byte, genID uint64) reload.Outcome {
	out := s.invoker.Invoke(ctx, blob, genID)
	s.mu.Lock()
	s.status.Requests++
	s.status.LastGenID = genID
	s.status.LastOutcomeOK = out.Success
	s.status.LastDetail = out.Detail
	s.status.LastReloadAt = time.Now()
	s.mu.Unlock()
	return out
}

func (s *Service) removeSocket() {
	if err := os.Remove(s.cfg.SocketPath); err == nil {
		log.Info().Str("sock", s.cfg.SocketPath).Msg("removed sock")
	}
}
