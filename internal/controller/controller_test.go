package controller

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/discovery"
	"github.com/danmuck/hubctl/internal/hubsim"
	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"go.uber.org/goleak"
)

var volumeUpWire = []byte{0xA5, 0x5A, 0x02, 0x3F, 0x02, 0xB6, 0xF8}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyConn fails every write from failAt onward.
type flakyConn struct {
	net.Conn
	mu     sync.Mutex
	writes int
	failAt int
}

func (c *flakyConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes++
	n := c.writes
	c.mu.Unlock()
	if c.failAt > 0 && n >= c.failAt {
		return 0, errors.New("link down")
	}
	return c.Conn.Write(p)
}

// pipePeer plays the hub end of a net.Pipe: it answers auth and queues
// every other frame.
type pipePeer struct {
	conn   net.Conn
	frames chan frame.Frame
}

func newPipePeer(conn net.Conn) *pipePeer {
	p := &pipePeer{conn: conn, frames: make(chan frame.Frame, 64)}
	go p.run()
	return p
}

func (p *pipePeer) run() {
	dec := frame.NewDecoder(0)
	buf := make([]byte, 256)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				f, derr := dec.Next()
				if derr != nil {
					break
				}
				if protocol.IsAuthRequest(f) {
					_, _ = p.conn.Write(frame.MustEncode(uint8(protocol.CmdAuth), make([]byte, protocol.AuthResponseLen-frame.Overhead)))
					continue
				}
				p.frames <- f
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *pipePeer) next(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("peer saw no frame")
		return frame.Frame{}
	}
}

// pipeClient wires a Client to an in-memory hub. failAt counts the auth
// request as the first write.
func pipeClient(t *testing.T, failAt int, authenticate bool) (*Client, *pipePeer) {
	t.Helper()
	local, remote := net.Pipe()
	peer := newPipePeer(remote)
	cfg := session.DefaultConfig()
	cfg.AuthTimeout = 2 * time.Second
	ch := session.NewChannel(&flakyConn{Conn: local, failAt: failAt}, cfg)
	if authenticate {
		if _, err := ch.Authenticate(context.Background()); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}
	c := &Client{cfg: DefaultConfig(), channel: ch, logger: logging.Component("controller")}
	t.Cleanup(func() {
		_ = c.Stop()
		_ = remote.Close()
	})
	return c, peer
}

func TestExecuteRequiresAuthentication(t *testing.T) {
	testlog.Start(t)
	c, _ := pipeClient(t, 0, false)
	if err := c.ExecuteCommand(context.Background(), 2, 0xB6); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	empty := &Client{logger: logging.Component("controller")}
	if err := empty.ExecuteCommand(context.Background(), 2, 0xB6); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated without session, got %v", err)
	}
}

func TestExecuteCommandWritesFrame(t *testing.T) {
	testlog.Start(t)
	c, peer := pipeClient(t, 0, true)
	if err := c.ExecuteCommand(context.Background(), 0x02, 0xB6); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := peer.next(t).Bytes(); !bytes.Equal(got, volumeUpWire) {
		t.Fatalf("wire=% X want % X", got, volumeUpWire)
	}
}

func TestRepeatCommandSpacing(t *testing.T) {
	testlog.Start(t)
	c, peer := pipeClient(t, 0, true)

	start := time.Now()
	sent, err := c.RepeatCommand(context.Background(), 0x02, 0xB9, 3, 25*time.Millisecond)
	if err != nil || sent != 3 {
		t.Fatalf("repeat sent=%d err=%v", sent, err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("repeat finished too fast: %v", elapsed)
	}
	want := []byte{0xA5, 0x5A, 0x02, 0x3F, 0x02, 0xB9, 0xFB}
	for i := 0; i < 3; i++ {
		if got := peer.next(t).Bytes(); !bytes.Equal(got, want) {
			t.Fatalf("frame %d=% X", i, got)
		}
	}
}

func TestRepeatCommandStopsOnFailure(t *testing.T) {
	testlog.Start(t)
	// auth is write 1, the first execute write 2, the second execute fails.
	c, _ := pipeClient(t, 3, true)

	sent, err := c.RepeatCommand(context.Background(), 0x02, 0xB6, 3, time.Millisecond)
	if sent != 1 {
		t.Fatalf("sent=%d want 1", sent)
	}
	if !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s, ok := c.Session(); !ok || s.State != session.StateClosed {
		t.Fatalf("session not closed: %+v", s)
	}
}

func TestRepeatCommandRejectsCount(t *testing.T) {
	testlog.Start(t)
	c, _ := pipeClient(t, 0, true)
	if _, err := c.RepeatCommand(context.Background(), 2, 0xB6, 0, 0); !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount, got %v", err)
	}
}

func TestRepeatCommandHonorsContext(t *testing.T) {
	testlog.Start(t)
	c, _ := pipeClient(t, 0, true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	sent, err := c.RepeatCommand(ctx, 2, 0xB6, 5, time.Second)
	if sent != 1 || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sent=%d err=%v", sent, err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	testlog.Start(t)
	c, _ := pipeClient(t, 0, true)
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	err := c.ExecuteCommand(context.Background(), 2, 0xB6)
	if !errors.Is(err, ErrStopped) || !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected ErrStopped wrapping ErrSessionClosed, got %v", err)
	}
	if _, err := c.RepeatCommand(context.Background(), 2, 0xB6, 2, time.Millisecond); !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("repeat after stop: expected ErrSessionClosed, got %v", err)
	}
	if err := c.Monitor(context.Background(), func(frame.Frame) {}); !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("monitor after stop: expected ErrSessionClosed, got %v", err)
	}
}

func TestMonitorDeliversFrames(t *testing.T) {
	testlog.Start(t)
	c, peer := pipeClient(t, 0, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan frame.Frame, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Monitor(ctx, func(f frame.Frame) {
			got <- f
		})
	}()

	if _, err := peer.conn.Write(frame.MustEncode(0x42, []byte{0x01})); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	select {
	case f := <-got:
		if f.Command != 0x42 {
			t.Fatalf("unexpected frame %v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor delivered nothing")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("monitor: %v", err)
	}
}

func TestDiscoverWithoutDiscoveryClient(t *testing.T) {
	testlog.Start(t)
	c := &Client{logger: logging.Component("controller")}
	if _, err := c.Discover(context.Background()); !errors.Is(err, ErrNoDiscovery) {
		t.Fatalf("expected ErrNoDiscovery, got %v", err)
	}
}

func simConfig(hub *hubsim.Hub) Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseIP = net.IPv4(127, 0, 0, 1)
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.Discovery = discovery.Config{HubAddr: hub.Addr().String(), Timeout: 2 * time.Second}
	cfg.Session.AcceptTimeout = 2 * time.Second
	cfg.Session.AuthTimeout = 2 * time.Second
	return cfg
}

func startSim(t *testing.T, cfg hubsim.Config) *hubsim.Hub {
	t.Helper()
	cfg.DiscoveryAddr = "127.0.0.1:0"
	hub, err := hubsim.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func TestStartAgainstSimulator(t *testing.T) {
	testlog.Start(t)
	hub := startSim(t, hubsim.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Start(ctx, simConfig(hub))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	s, ok := c.Session()
	if !ok || !s.Authenticated || s.State != session.StateAuthenticated {
		t.Fatalf("unexpected session: %+v", s)
	}
	if !s.HasSessionID || s.SessionID.IsZero() {
		t.Fatalf("session id not bound: %+v", s)
	}
	if s.AuthResponse == nil || s.AuthResponse.Len() != protocol.AuthResponseLen {
		t.Fatalf("unexpected auth response: %+v", s.AuthResponse)
	}
	if desc, ok := c.Hub(); !ok || desc.SessionID != s.SessionID {
		t.Fatalf("hub descriptor mismatch: %+v", desc)
	}

	if err := c.ExecuteCommand(ctx, 0x02, 0xB6); err != nil {
		t.Fatalf("execute: %v", err)
	}
	frames, err := hub.WaitFor(ctx, protocol.CmdExecute, 1)
	if err != nil {
		t.Fatalf("wait execute: %v", err)
	}
	if got := frames[0].Bytes(); !bytes.Equal(got, volumeUpWire) {
		t.Fatalf("hub saw % X", got)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartAuthTimeout(t *testing.T) {
	testlog.Start(t)
	hub := startSim(t, hubsim.Config{SilentAuth: true})
	cfg := simConfig(hub)
	cfg.Session.AuthTimeout = 100 * time.Millisecond

	_, err := Start(context.Background(), cfg)
	if !errors.Is(err, session.ErrAuthTimeout) {
		t.Fatalf("expected ErrAuthTimeout, got %v", err)
	}
}

func TestStartDiscoveryTimeout(t *testing.T) {
	testlog.Start(t)
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer silent.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseIP = net.IPv4(127, 0, 0, 1)
	cfg.SettleDelay = 0
	cfg.Discovery = discovery.Config{HubAddr: silent.LocalAddr().String(), Timeout: 100 * time.Millisecond}

	if _, err := Start(context.Background(), cfg); !errors.Is(err, discovery.ErrTimeout) {
		t.Fatalf("expected discovery.ErrTimeout, got %v", err)
	}
}

func TestStartListenOnly(t *testing.T) {
	testlog.Start(t)
	hub := startSim(t, hubsim.Config{})

	probe, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	addr := probe.Addr().String()
	_ = probe.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = addr
	cfg.SkipDiscovery = true
	cfg.SkipAuth = true
	cfg.Session.AcceptTimeout = 2 * time.Second

	dialed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for {
			err := hub.Connect(ctx, addr, protocol.SessionID{}, protocol.DeviceID{})
			if err == nil || ctx.Err() != nil {
				dialed <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	c, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if err := <-dialed; err != nil {
		t.Fatalf("hub dial: %v", err)
	}
	s, ok := c.Session()
	if !ok || s.State != session.StateConnected || s.HasSessionID {
		t.Fatalf("unexpected session: %+v", s)
	}
	if c.ListenAddr().Port != mustPort(t, addr) {
		t.Fatalf("listen addr %v", c.ListenAddr())
	}
	if err := c.ExecuteCommand(context.Background(), 2, 0xB6); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port %s: %v", p, err)
	}
	return n
}
