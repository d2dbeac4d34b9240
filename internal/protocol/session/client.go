package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/frr-agent/internal/protocol/frame"
)

var (
	ErrSocketPathRequired  = errors.New("session: socket path required")
	ErrGenIDMismatch       = errors.New("session: response generation id mismatch")
	ErrReservedGenID       = errors.New("session: generation id 0 is reserved for keepalives")
	ErrUnexpectedKeepalive = errors.New("session: unexpected keepalive response")
)

type ClientConfig struct {
	SocketPath      string
	ConnectTimeout  time.Duration
	// ResponseTimeout bounds one request/response exchange when the caller's
	// context has no deadline. Reloads can be slow, so the default is generous.
	ResponseTimeout time.Duration
	Limits          frame.Limits
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:  5 * time.Second,
		ResponseTimeout: 2 * time.Minute,
		Limits:          frame.DefaultLimits(),
	}
}

// Response is the agent's answer to one config request.
type Response struct {
	GenID   uint64
	Message string
}

// OK reports whether the agent applied the config.
func (r Response) OK() bool {
	return r.Message == string(frame.OkMessage)
}

// Client is the peer side of the agent protocol. One exchange at a time.
type Client struct {
	cfg  ClientConfig
	conn net.Conn
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return nil, ErrSocketPathRequired
	}
	d := DefaultClientConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = d.ResponseTimeout
	}
	cfg.Limits = cfg.Limits.WithDefaults()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Keepalive sends a liveness frame and checks the echo.
func (c *Client) Keepalive(ctx context.Context) error {
	resp, err := c.exchange(ctx, frame.New(frame.KeepaliveGenID, frame.KeepaliveMessage))
	if err != nil {
		return err
	}
	if !bytes.Equal(resp.Payload, frame.KeepaliveMessage) {
		return fmt.Errorf("session: unexpected keepalive payload %q", resp.Payload)
	}
	return nil
}

// SendConfig submits a config blob and waits for its outcome.
func (c *Client) SendConfig(ctx context.Context, genID uint64, blob []byte) (Response, error) {
	if genID == frame.KeepaliveGenID {
		return Response{}, ErrReservedGenID
	}
	resp, err := c.exchange(ctx, frame.New(genID, blob))
	if err != nil {
		return Response{}, err
	}
	return Response{GenID: resp.GenID, Message: string(resp.Payload)}, nil
}

func (c *Client) exchange(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.ResponseTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return frame.Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := frame.WriteFrame(c.conn, req, c.cfg.Limits); err != nil {
		return frame.Frame{}, c.ctxErr(ctx, err)
	}
	resp, err := frame.ReadFrame(c.conn, c.cfg.Limits)
	if err != nil {
		return frame.Frame{}, c.ctxErr(ctx, err)
	}
	if resp.GenID != req.GenID {
		if resp.IsKeepalive() {
			return frame.Frame{}, ErrUnexpectedKeepalive
		}
		return frame.Frame{}, fmt.Errorf("%w: sent=%d got=%d", ErrGenIDMismatch, req.GenID, resp.GenID)
	}
	return resp, nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
