package hubsim

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/discovery"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.DiscoveryAddr == "" {
		cfg.DiscoveryAddr = "127.0.0.1:0"
	}
	hub, err := Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func listenController(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func acceptWithin(t *testing.T, ln *net.TCPListener, d time.Duration) net.Conn {
	t.Helper()
	_ = ln.SetDeadline(time.Now().Add(d))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDiscoveryConnectBackAndAuth(t *testing.T) {
	testlog.Start(t)
	hub := startHub(t, Config{})
	ln := listenController(t)

	client, err := discovery.NewClient(discovery.Config{HubAddr: hub.Addr().String(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sid := protocol.SessionID{0xE0, 0xDF}
	dev := protocol.DeviceID{0x03, 0x86, 0x2A, 0x23}
	desc, err := client.Discover(context.Background(), discovery.Request{
		ControllerIP:   net.IPv4(127, 0, 0, 1),
		ControllerPort: uint16(ln.Addr().(*net.TCPAddr).Port),
		DeviceID:       dev,
		SessionID:      sid,
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if desc.Frame.Command != uint8(protocol.CmdDiscovery) {
		t.Fatalf("unexpected reply: %v", desc.Frame)
	}

	conn := acceptWithin(t, ln, 2*time.Second)
	if _, err := conn.Write(protocol.EncodeAuthRequest()); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, protocol.AuthResponseLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	f, n, err := frame.Decode(buf)
	if err != nil || n != protocol.AuthResponseLen {
		t.Fatalf("decode auth response n=%d err=%v", n, err)
	}
	id := hub.ID()
	if string(f.Data[:16]) != string(id[:]) || f.Data[16] != 0xE0 || f.Data[17] != 0xDF {
		t.Fatalf("unexpected auth data: % X", f.Data)
	}

	if _, err := conn.Write(protocol.EncodeExecute(protocol.ExecuteCommand{DeviceID: 2, KeyCode: 0xB6})); err != nil {
		t.Fatalf("write execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := hub.WaitFor(ctx, protocol.CmdExecute, 1)
	if err != nil {
		t.Fatalf("wait execute: %v", err)
	}
	cmd, err := protocol.ParseExecute(got[0])
	if err != nil || cmd.KeyCode != 0xB6 || cmd.DeviceID != 2 {
		t.Fatalf("unexpected execute: %+v err=%v", cmd, err)
	}

	var udp int
	for _, r := range hub.Records() {
		if r.Transport == "udp" {
			udp++
		}
	}
	if udp != 1 {
		t.Fatalf("expected one discovery record, got %d", udp)
	}
}

func TestSilentAuth(t *testing.T) {
	testlog.Start(t)
	hub := startHub(t, Config{SilentAuth: true})
	ln := listenController(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Connect(ctx, ln.Addr().String(), protocol.SessionID{1, 2}, protocol.DeviceID{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := acceptWithin(t, ln, 2*time.Second)
	if _, err := conn.Write(protocol.EncodeAuthRequest()); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if _, err := hub.WaitFor(ctx, protocol.CmdAuth, 1); err != nil {
		t.Fatalf("wait auth: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var one [1]byte
	_, err := conn.Read(one[:])
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	testlog.Start(t)
	hub := startHub(t, Config{})
	if err := hub.Send(protocol.CmdExecute, []byte{1, 2}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	ln := listenController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Connect(ctx, ln.Addr().String(), protocol.SessionID{1, 2}, protocol.DeviceID{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := acceptWithin(t, ln, 2*time.Second)
	if err := hub.Send(0x42, []byte{0xAA}); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 6)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	f, _, err := frame.Decode(buf)
	if err != nil || f.Command != 0x42 || f.Data[0] != 0xAA {
		t.Fatalf("unexpected frame %v err=%v", f, err)
	}
}

func TestWaitForAfterClose(t *testing.T) {
	testlog.Start(t)
	hub := startHub(t, Config{})
	if err := hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := hub.WaitFor(context.Background(), protocol.CmdAuth, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitForHonorsContext(t *testing.T) {
	testlog.Start(t)
	hub := startHub(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := hub.WaitFor(ctx, protocol.CmdExecute, 1)
	if !errors.Is(err, ErrWaitCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancelled wait, got %v", err)
	}
}
