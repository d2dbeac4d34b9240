package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/frr-agent/internal/protocol/frame"
	"github.com/danmuck/frr-agent/internal/protocol/session"
	"github.com/danmuck/frr-agent/internal/reload"
	"github.com/danmuck/frr-agent/internal/testutil/testlog"
)

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "frra")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "run", "agent.sock")
}

type countingInvoker struct {
	calls atomic.Int64
}

func (c *countingInvoker) Invoke(_ context.Context, blob []byte, genID uint64) reload.Outcome {
	c.calls.Add(1)
	if strings.Contains(string(blob), "bad") {
		return reload.Failed("reloading error (test): exit status 1: parse error")
	}
	return reload.Succeeded()
}

func startService(t *testing.T, inv reload.Invoker) (*Service, string, func() error) {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.SocketPath = shortSocketPath(t)
	svc, err := NewServiceWithInvoker(cfg, inv)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := Listen(cfg.SocketPath, cfg.SocketMode)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				stopErr = errors.New("serve did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return svc, cfg.SocketPath, stop
}

func dial(t *testing.T, path string) *session.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg := session.DefaultClientConfig()
	cfg.SocketPath = path
	c, err := session.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestListenSetsModeAndReplacesStaleSocket(t *testing.T) {
	testlog.Start(t)
	path := shortSocketPath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("stale: %v", err)
	}
	ln, err := Listen(path, 0o777)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("expected socket, got mode %v", info.Mode())
	}
	if info.Mode().Perm() != 0o777 {
		t.Fatalf("unexpected perms %v", info.Mode().Perm())
	}
}

func TestListenRequiresPath(t *testing.T) {
	if _, err := Listen("  ", 0o777); !errors.Is(err, ErrSocketPathRequired) {
		t.Fatalf("expected ErrSocketPathRequired, got %v", err)
	}
}

func TestServiceSequentialExchanges(t *testing.T) {
	testlog.Start(t)
	inv := &countingInvoker{}
	svc, path, stop := startService(t, inv)
	c := dial(t, path)
	ctx := context.Background()

	if err := c.Keepalive(ctx); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	resp, err := c.SendConfig(ctx, 42, []byte("router bgp 65000"))
	if err != nil {
		t.Fatalf("send config: %v", err)
	}
	if resp.GenID != 42 || !resp.OK() {
		t.Fatalf("unexpected response: %+v", resp)
	}
	resp, err = c.SendConfig(ctx, 43, []byte("bad config"))
	if err != nil {
		t.Fatalf("send config: %v", err)
	}
	if resp.GenID != 43 || resp.OK() || !strings.Contains(resp.Message, "parse error") {
		t.Fatalf("unexpected failure response: %+v", resp)
	}
	if inv.calls.Load() != 2 {
		t.Fatalf("invoker calls=%d", inv.calls.Load())
	}

	st := svc.Status()
	if st.Requests != 2 || st.LastGenID != 43 || st.LastOutcomeOK || !st.SessionActive {
		t.Fatalf("unexpected status: %+v", st)
	}
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestServiceAcceptsNextAfterProtocolError(t *testing.T) {
	testlog.Start(t)
	_, path, _ := startService(t, &countingInvoker{})

	raw, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	hdr := make([]byte, frame.HeaderLen)
	frame.ByteOrder.PutUint64(hdr[0:8], ^uint64(0))
	frame.ByteOrder.PutUint64(hdr[8:16], 1)
	if _, err := raw.Write(hdr); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := raw.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Fatalf("expected disconnect without response, n=%d err=%v", n, err)
	}
	_ = raw.Close()

	c := dial(t, path)
	if err := c.Keepalive(context.Background()); err != nil {
		t.Fatalf("keepalive after protocol error: %v", err)
	}
}

func TestServiceOneConnectionAtATime(t *testing.T) {
	testlog.Start(t)
	svc, path, _ := startService(t, &countingInvoker{})

	first := dial(t, path)
	if err := first.Keepalive(context.Background()); err != nil {
		t.Fatalf("first keepalive: %v", err)
	}

	second := dial(t, path)
	waitCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err := second.Keepalive(waitCtx)
	cancel()
	if err == nil {
		t.Fatalf("second connection must wait while the first is active")
	}

	_ = first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for svc.Status().SessionsServed < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// the timed-out exchange left the second connection unusable; a third
	// connection is served once the first has ended
	_ = second.Close()
	third := dial(t, path)
	if err := third.Keepalive(context.Background()); err != nil {
		t.Fatalf("third keepalive: %v", err)
	}
	if st := svc.Status(); st.SessionsServed < 2 || !st.SessionActive {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestServiceStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	_, path, stop := startService(t, &countingInvoker{})
	c := dial(t, path)
	if err := c.Keepalive(context.Background()); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewServiceWithInvokerRejectsNil(t *testing.T) {
	if _, err := NewServiceWithInvoker(DefaultServiceConfig(), nil); !errors.Is(err, ErrNilInvoker) {
		t.Fatalf("expected ErrNilInvoker, got %v", err)
	}
}

func TestNewServiceEndToEndWithScriptedTool(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "frr-reload.sh")
	body := "#!/bin/sh\ncase \"$*\" in *gen-7.conf) echo \"parse error\" >&2; exit 1;; esac\nexit 0\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("script: %v", err)
	}
	cfg := DefaultServiceConfig()
	cfg.SocketPath = shortSocketPath(t)
	cfg.Reload.ReloaderPath = script
	cfg.Reload.OutDir = filepath.Join(dir, "configs")
	svc := NewService(cfg)

	ln, err := Listen(cfg.SocketPath, cfg.SocketMode)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	c := dial(t, cfg.SocketPath)
	resp, err := c.SendConfig(context.Background(), 6, []byte("frr defaults traditional\n"))
	if err != nil || !resp.OK() {
		t.Fatalf("gen 6: resp=%+v err=%v", resp, err)
	}
	resp, err = c.SendConfig(context.Background(), 7, []byte("garbage\n"))
	if err != nil || resp.OK() || !strings.Contains(resp.Message, "parse error") {
		t.Fatalf("gen 7: resp=%+v err=%v", resp, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Reload.OutDir, reload.ConfigFileName(7))); err != nil {
		t.Fatalf("gen 7 not persisted: %v", err)
	}
}

type unnamedConn struct {
	net.Conn
}

func (unnamedConn) RemoteAddr() net.Addr { return nil }

func TestServeConnWithoutRemoteAddr(t *testing.T) {
	testlog.Start(t)
	svc, err := NewServiceWithInvoker(DefaultServiceConfig(), &countingInvoker{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	server, client := net.Pipe()
	_ = client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.serveConn(context.Background(), unnamedConn{Conn: server})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("serveConn did not return")
	}
	if st := svc.Status(); st.SessionsServed != 1 || st.SessionActive {
		t.Fatalf("unexpected status: %+v", st)
	}
}
