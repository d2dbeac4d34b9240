package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/frr-agent/internal/observability"
	"github.com/danmuck/frr-agent/internal/protocol/frame"
	"github.com/danmuck/frr-agent/internal/reload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is the session state machine position.
type Phase string

const (
	PhaseAwaitingFrame Phase = "awaiting_frame"
	PhaseDispatching   Phase = "dispatching"
	PhaseInvoking      Phase = "invoking"
	PhaseResponding    Phase = "responding"
	PhaseClosed        Phase = "closed"
)

// CloseReason says why a session reached PhaseClosed.
type CloseReason string

const (
	CloseProtocolError    CloseReason = "protocol_error"
	ClosePeerDisconnected CloseReason = "peer_disconnected"
	CloseIOError          CloseReason = "io_error"
	CloseTimeout          CloseReason = "timeout"
	CloseShutdown         CloseReason = "shutdown"
)

var ErrNilInvoker = errors.New("session: nil invoker")

const readChunk = 64 * 1024

// Stats counts exchanges on one connection.
type Stats struct {
	FramesIn   uint64
	FramesOut  uint64
	Keepalives uint64
	Requests   uint64
	Failures   uint64
	LastGenID  uint64
}

// Result is the terminal state of a session.
type Result struct {
	Reason CloseReason
	Err    error
	Stats  Stats
}

// Session drives one accepted connection. It is not safe for concurrent use;
// the acceptor owns it for its whole lifetime.
type Session struct {
	conn    net.Conn
	cfg     Config
	invoker reload.Invoker
	dec     *frame.Decoder
	buf     []byte
	phase   Phase
	stats   Stats
	readErr error
	logger  zerolog.Logger

	// frameStarted is when the first buffered byte of the pending frame arrived.
	frameStarted time.Time
}

func New(conn net.Conn, invoker reload.Invoker, cfg Config) (*Session, error) {
	if invoker == nil {
		return nil, ErrNilInvoker
	}
	cfg = cfg.WithDefaults()
	peer := PeerName(conn)
	return &Session{
		conn:    conn,
		cfg:     cfg,
		invoker: invoker,
		dec:     frame.NewDecoder(cfg.Limits),
		buf:     make([]byte, readChunk),
		phase:   PhaseAwaitingFrame,
		logger:  log.With().Str("peer", peer).Logger(),
	}, nil
}

// PeerName labels conn for logs. Unix socket peers are usually unnamed.
func PeerName(conn net.Conn) string {
	if conn == nil {
		return "unknown"
	}
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "unknown"
}

func (s *Session) Phase() Phase {
	return s.phase
}

// Run serves frames until the connection fails, the peer leaves, a frame is
// malformed, or ctx is cancelled. It never closes the connection; the caller
// does.
func (s *Session) Run(ctx context.Context) Result {
	// unblock a pending read on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		req, res, ok := s.awaitFrame(ctx)
		if !ok {
			return s.close(res)
		}
		resp := s.dispatch(ctx, req)
		if err := s.respond(resp); err != nil {
			return s.close(Result{Reason: CloseIOError, Err: err})
		}
	}
}

func (s *Session) awaitFrame(ctx context.Context) (frame.Frame, Result, bool) {
	s.phase = PhaseAwaitingFrame
	s.logger.Debug().Msg("━━━━━━ waiting for data ━━━━━━")
	// bytes left over from a pipelined write start their frame clock now
	s.frameStarted = time.Time{}
	if s.dec.Buffered() > 0 {
		s.frameStarted = time.Now()
	}
	for {
		if ctx.Err() != nil {
			return frame.Frame{}, Result{Reason: CloseShutdown, Err: ctx.Err()}, false
		}
		f, err := s.dec.Next()
		if err == nil {
			s.stats.FramesIn++
			return f, Result{}, true
		}
		if !errors.Is(err, frame.ErrTruncated) {
			return frame.Frame{}, Result{Reason: CloseProtocolError, Err: err}, false
		}
		if s.readErr != nil {
			return frame.Frame{}, s.readFailure(ctx, s.readErr), false
		}
		if err := s.conn.SetReadDeadline(s.readDeadline()); err != nil {
			return frame.Frame{}, Result{Reason: CloseIOError, Err: err}, false
		}
		// a cancel racing the deadline above is caught here or by AfterFunc
		if ctx.Err() != nil {
			return frame.Frame{}, Result{Reason: CloseShutdown, Err: ctx.Err()}, false
		}

		n, err := s.conn.Read(s.buf)
		if n > 0 {
			if s.dec.Buffered() == 0 {
				s.frameStarted = time.Now()
			}
			s.dec.Feed(s.buf[:n])
		}
		if err != nil {
			// bytes delivered with the error may still complete a frame
			s.readErr = err
		}
	}
}

func (s *Session) readDeadline() time.Time {
	if s.dec.Buffered() > 0 {
		return s.frameStarted.Add(s.cfg.FrameTimeout)
	}
	if s.cfg.IdleTimeout > 0 {
		return time.Now().Add(s.cfg.IdleTimeout)
	}
	return time.Time{}
}

func (s *Session) readFailure(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return Result{Reason: CloseShutdown, Err: ctx.Err()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Reason: CloseTimeout, Err: fmt.Errorf("read timeout buffered=%d: %w", s.dec.Buffered(), err)}
	}
	if errors.Is(err, io.EOF) && s.dec.Buffered() > 0 {
		err = fmt.Errorf("peer closed mid-frame buffered=%d: %w", s.dec.Buffered(), io.ErrUnexpectedEOF)
	}
	return Result{Reason: ClosePeerDisconnected, Err: err}
}

func (s *Session) dispatch(ctx context.Context, req frame.Frame) frame.Frame {
	s.stats.LastGenID = req.GenID
	if req.IsKeepalive() {
		s.stats.Keepalives++
		observability.RecordFrame("in", "keepalive")
		if !bytes.Equal(req.Payload, frame.KeepaliveMessage) {
			s.logger.Debug().Int("bytes", len(req.Payload)).Msg("keepalive with unexpected payload")
		} else {
			s.logger.Debug().Msg("got keepalive request")
		}
		return frame.New(frame.KeepaliveGenID, frame.KeepaliveMessage)
	}

	s.phase = PhaseDispatching
	s.stats.Requests++
	observability.RecordFrame("in", "config")
	s.logger.Debug().Uint64("genid", req.GenID).Uint64("len", req.Length).Msg("got config request")

	s.phase = PhaseInvoking
	outcome := s.invoker.Invoke(ctx, req.Payload, req.GenID)
	if !outcome.Success {
		s.stats.Failures++
		s.logger.Error().Uint64("genid", req.GenID).Str("detail", outcome.Detail).Msg("config request failed")
	}
	return frame.New(req.GenID, outcome.Message())
}

func (s *Session) respond(resp frame.Frame) error {
	s.phase = PhaseResponding
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := frame.WriteFrame(s.conn, resp, s.cfg.Limits); err != nil {
		return fmt.Errorf("failed to send response genid=%d: %w", resp.GenID, err)
	}
	s.stats.FramesOut++
	kind := "config"
	if resp.IsKeepalive() {
		kind = "keepalive"
	}
	observability.RecordFrame("out", kind)
	s.logger.Debug().Uint64("genid", resp.GenID).Uint64("len", resp.Length).Msg("sent response")
	return nil
}

func (s *Session) close(res Result) Result {
	s.phase = PhaseClosed
	res.Stats = s.stats
	s.dec.Reset()
	observability.RecordSessionClosed(string(res.Reason))

	event := s.logger.Warn()
	switch res.Reason {
	case ClosePeerDisconnected, CloseShutdown:
		event = s.logger.Debug()
	case CloseProtocolError, CloseIOError:
		event = s.logger.Error()
	}
	event.
		Str("reason", string(res.Reason)).
		Err(res.Err).
		Uint64("frames_in", s.stats.FramesIn).
		Uint64("frames_out", s.stats.FramesOut).
		Msg("session closed")
	return res
}
