// Package hubsim is an in-process stand-in for the hub. It answers
// discovery, connects back to the advertised controller, replies to the
// auth request and records every frame it sees.
package hubsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrClosed        = errors.New("hubsim: closed")
	ErrNotConnected  = errors.New("hubsim: no controller connected")
	ErrWaitCancelled = errors.New("hubsim: wait cancelled")
)

type Config struct {
	// DiscoveryAddr is the UDP address announcements arrive on.
	DiscoveryAddr string
	// ReplyPort sends the discovery reply to the controller IP on this
	// port. Zero replies to the datagram's source address.
	ReplyPort   int
	DialTimeout time.Duration
	// SilentAuth leaves auth requests unanswered.
	SilentAuth bool
	// ConnectDelay is waited before dialing the controller.
	ConnectDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		DiscoveryAddr: ":" + strconv.Itoa(protocol.DefaultDiscoveryPort),
		ReplyPort:     protocol.DefaultResponsePort,
		DialTimeout:   5 * time.Second,
	}
}

// Record is one frame seen by the hub.
type Record struct {
	At        time.Time
	Transport string
	From      string
	Frame     frame.Frame
}

type Hub struct {
	cfg    Config
	id     uuid.UUID
	udp    *net.UDPConn
	logger zerolog.Logger

	mu      sync.Mutex
	records []Record
	notify  chan struct{}
	conns   map[net.Conn]struct{}
	active  net.Conn
	closed  bool

	wg sync.WaitGroup
}

// Start binds the discovery socket and begins serving.
func Start(ctx context.Context, cfg Config) (*Hub, error) {
	if cfg.DiscoveryAddr == "" {
		cfg.DiscoveryAddr = DefaultConfig().DiscoveryAddr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", cfg.DiscoveryAddr)
	if err != nil {
		return nil, fmt.Errorf("hubsim: listen %s: %w", cfg.DiscoveryAddr, err)
	}
	id := uuid.New()
	h := &Hub{
		cfg:    cfg,
		id:     id,
		udp:    pc.(*net.UDPConn),
		notify: make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
		logger: logging.Component("hubsim").With().Str("hub_id", id.String()).Logger(),
	}
	h.logger.Info().Str("addr", h.udp.LocalAddr().String()).Msg("hub simulator listening")
	h.wg.Add(1)
	go h.serveDiscovery()
	return h, nil
}

func (h *Hub) ID() uuid.UUID {
	return h.id
}

func (h *Hub) Addr() *net.UDPAddr {
	return h.udp.LocalAddr().(*net.UDPAddr)
}

// Records returns a copy of every frame received so far.
func (h *Hub) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

// Received returns the TCP frames carrying command.
func (h *Hub) Received(command protocol.Command) []frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []frame.Frame
	for _, r := range h.records {
		if r.Transport == "tcp" && protocol.Command(r.Frame.Command) == command {
			out = append(out, r.Frame)
		}
	}
	return out
}

// WaitFor blocks until at least n TCP frames carrying command were seen.
func (h *Hub) WaitFor(ctx context.Context, command protocol.Command, n int) ([]frame.Frame, error) {
	for {
		h.mu.Lock()
		notify := h.notify
		closed := h.closed
		h.mu.Unlock()

		if got := h.Received(command); len(got) >= n {
			return got, nil
		}
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrWaitCancelled, ctx.Err())
		}
	}
}

// Send writes a frame to the most recently connected controller.
func (h *Hub) Send(command protocol.Command, data []byte) error {
	wire, err := frame.Encode(uint8(command), data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	conn := h.active
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err = conn.Write(wire)
	return err
}

// Connect dials addr as if a discovery announcement had named it.
func (h *Hub) Connect(ctx context.Context, addr string, sid protocol.SessionID, dev protocol.DeviceID) error {
	d := net.Dialer{Timeout: h.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return fmt.Errorf("hubsim: dial controller %s: %w", addr, err)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	h.conns[conn] = struct{}{}
	h.active = conn
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Info().Str("controller", addr).Str("session_id", sid.String()).Msg("connected to controller")
	go h.serveConn(conn, h.authData(sid, dev))
	return nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	err := h.udp.Close()
	for conn := range h.conns {
		_ = conn.Close()
	}
	close(h.notify)
	h.mu.Unlock()
	h.wg.Wait()
	h.logger.Info().Msg("hub simulator stopped")
	return err
}

func (h *Hub) serveDiscovery() {
	defer h.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := h.udp.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				h.logger.Warn().Err(err).Msg("discovery read failed")
			}
			return
		}
		f, _, err := frame.Decode(buf[:n])
		if err != nil {
			h.logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring datagram")
			continue
		}
		h.record("udp", from.String(), f)
		p, err := protocol.ParseDiscovery(f)
		if err != nil {
			h.logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring non-discovery frame")
			continue
		}
		h.reply(from, p)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.connectBack(p)
		}()
	}
}

func (h *Hub) reply(from *net.UDPAddr, p protocol.DiscoveryPayload) {
	to := from
	if h.cfg.ReplyPort > 0 {
		to = &net.UDPAddr{IP: p.ControllerIP, Port: h.cfg.ReplyPort}
	}
	data := make([]byte, 0, 6)
	data = append(data, p.SessionID[:]...)
	data = append(data, p.DeviceID[:]...)
	wire := frame.MustEncode(uint8(protocol.CmdDiscovery), data)
	if _, err := h.udp.WriteToUDP(wire, to); err != nil {
		h.logger.Warn().Err(err).Str("to", to.String()).Msg("discovery reply failed")
		return
	}
	h.logger.Debug().Str("to", to.String()).Hex("frame", wire).Msg("discovery reply sent")
}

func (h *Hub) connectBack(p protocol.DiscoveryPayload) {
	if h.cfg.ConnectDelay > 0 {
		time.Sleep(h.cfg.ConnectDelay)
	}
	addr := net.JoinHostPort(p.ControllerIP.String(), strconv.Itoa(int(p.ControllerPort)))
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DialTimeout)
	defer cancel()
	if err := h.Connect(ctx, addr, p.SessionID, p.DeviceID); err != nil {
		h.logger.Warn().Err(err).Msg("connect back failed")
	}
}

func (h *Hub) serveConn(conn net.Conn, auth []byte) {
	defer h.wg.Done()
	defer func() {
		_ = conn.Close()
		h.mu.Lock()
		delete(h.conns, conn)
		if h.active == conn {
			h.active = nil
		}
		h.mu.Unlock()
	}()

	peer := conn.RemoteAddr().String()
	dec := frame.NewDecoder(0)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				f, derr := dec.Next()
				if errors.Is(derr, frame.ErrTruncated) {
					break
				}
				if derr != nil {
					h.logger.Debug().Err(derr).Msg("skipping malformed bytes")
					continue
				}
				h.record("tcp", peer, f)
				if protocol.IsAuthRequest(f) && !h.cfg.SilentAuth {
					if _, werr := conn.Write(frame.MustEncode(uint8(protocol.CmdAuth), auth)); werr != nil {
						h.logger.Warn().Err(werr).Msg("auth reply failed")
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// authData fills the auth reply out to the observed wire size.
func (h *Hub) authData(sid protocol.SessionID, dev protocol.DeviceID) []byte {
	data := make([]byte, 0, protocol.AuthResponseLen-frame.Overhead)
	data = append(data, h.id[:]...)
	data = append(data, sid[:]...)
	data = append(data, dev[:]...)
	return data
}

func (h *Hub) record(transport, from string, f frame.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.records = append(h.records, Record{At: time.Now(), Transport: transport, From: from, Frame: f})
	close(h.notify)
	h.notify = make(chan struct{})
	h.logger.Debug().
		Str("transport", transport).
		Str("from", from).
		Str("command", protocol.Command(f.Command).String()).
		Hex("data", f.Data).
		Msg("frame recorded")
}
