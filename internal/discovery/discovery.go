// Package discovery announces the controller to the hub over UDP.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrTimeout            = errors.New("discovery: timed out waiting for hub reply")
	ErrHubAddressRequired = errors.New("discovery: hub address required")
)

type Config struct {
	// HubAddr is the hub host, optionally with a port that overrides
	// DiscoveryPort. A broadcast address accepts replies from any source.
	HubAddr       string
	DiscoveryPort int
	// ResponsePort is where the hub's reply lands. Zero picks an ephemeral
	// port, which only works with hubs that reply to the sender.
	ResponsePort int
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DiscoveryPort: protocol.DefaultDiscoveryPort,
		ResponsePort:  protocol.DefaultResponsePort,
		Timeout:       5 * time.Second,
	}
}

// Request is one discovery announcement.
type Request struct {
	ControllerIP   net.IP
	ControllerPort uint16
	DeviceID       protocol.DeviceID
	// SessionID is generated when zero.
	SessionID protocol.SessionID
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
}

// HubDescriptor describes the hub that answered.
type HubDescriptor struct {
	Addr       *net.UDPAddr
	Frame      frame.Frame
	SessionID  protocol.SessionID
	ReceivedAt time.Time
	RTT        time.Duration
}

type Client struct {
	cfg    Config
	hub    *net.UDPAddr
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewClient(cfg Config) (*Client, error) {
	hub, err := resolveHub(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:    cfg,
		hub:    hub,
		logger: logging.Component("discovery").With().Str("hub", hub.String()).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// HubAddr is the resolved discovery endpoint.
func (c *Client) HubAddr() *net.UDPAddr {
	return c.hub
}

// Broadcast reports whether the hub endpoint is a broadcast address.
func (c *Client) Broadcast() bool {
	return isBroadcast(c.hub.IP)
}

// Discover sends one discovery frame and waits for the hub's reply.
// Datagrams that do not decode, do not come from the hub, or do not carry
// the discovery command are skipped.
// ErrTimeout is safe to retry.
func (c *Client) Discover(ctx context.Context, req Request) (HubDescriptor, error) {
	sid, wire, err := c.build(req)
	if err != nil {
		return HubDescriptor{}, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: c.cfg.ResponsePort})
	if err != nil {
		observability.RecordDiscovery("error", 0)
		return HubDescriptor{}, fmt.Errorf("discovery: bind response port %d: %w", c.cfg.ResponsePort, err)
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.WriteToUDP(wire, c.hub); err != nil {
		observability.RecordDiscovery("error", time.Since(start))
		return HubDescriptor{}, fmt.Errorf("discovery: send: %w", err)
	}
	c.logger.Info().
		Str("session_id", sid.String()).
		Str("reply_addr", conn.LocalAddr().String()).
		Hex("frame", wire).
		Msg("discovery sent")

	timeout := c.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	deadline := start.Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return HubDescriptor{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				observability.RecordDiscovery("cancelled", time.Since(start))
				return HubDescriptor{}, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				observability.RecordDiscovery("timeout", time.Since(start))
				c.logger.Warn().Dur("timeout", timeout).Msg("no discovery reply")
				return HubDescriptor{}, ErrTimeout
			}
			observability.RecordDiscovery("error", time.Since(start))
			return HubDescriptor{}, fmt.Errorf("discovery: read: %w", err)
		}
		if !c.fromHub(from) {
			c.logger.Debug().Str("from", from.String()).Msg("ignoring datagram from foreign host")
			continue
		}
		// Our own announcement can loop back on broadcast or unspecified
		// hub addresses when both ports match.
		if bytes.Equal(buf[:n], wire) {
			continue
		}
		f, _, err := frame.Decode(buf[:n])
		if err != nil {
			c.logger.Debug().Err(err).Str("from", from.String()).Hex("datagram", buf[:n]).Msg("ignoring malformed datagram")
			continue
		}
		if protocol.Command(f.Command) != protocol.CmdDiscovery {
			c.logger.Debug().Str("from", from.String()).Str("command", protocol.Command(f.Command).String()).Msg("ignoring non-discovery frame")
			continue
		}
		rtt := time.Since(start)
		observability.RecordDiscovery("ok", rtt)
		c.logger.Info().
			Str("from", from.String()).
			Str("command", protocol.Command(f.Command).String()).
			Dur("rtt", rtt).
			Msg("hub replied")
		return HubDescriptor{
			Addr:       from,
			Frame:      f,
			SessionID:  sid,
			ReceivedAt: time.Now(),
			RTT:        rtt,
		}, nil
	}
}

// Announce sends the discovery frame without waiting for a reply.
func (c *Client) Announce(ctx context.Context, req Request) (protocol.SessionID, error) {
	sid, wire, err := c.build(req)
	if err != nil {
		return protocol.SessionID{}, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", c.hub.String())
	if err != nil {
		return protocol.SessionID{}, fmt.Errorf("discovery: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(wire); err != nil {
		return protocol.SessionID{}, fmt.Errorf("discovery: send: %w", err)
	}
	observability.RecordDiscovery("announced", 0)
	c.logger.Info().Str("session_id", sid.String()).Hex("frame", wire).Msg("discovery announced")
	return sid, nil
}

func (c *Client) build(req Request) (protocol.SessionID, []byte, error) {
	sid := req.SessionID
	if sid.IsZero() {
		sid = c.newSessionID()
	}
	wire, err := protocol.EncodeDiscovery(protocol.DiscoveryPayload{
		SessionID:      sid,
		DeviceID:       req.DeviceID,
		ControllerIP:   req.ControllerIP,
		ControllerPort: req.ControllerPort,
	})
	if err != nil {
		return protocol.SessionID{}, nil, err
	}
	return sid, wire, nil
}

func (c *Client) newSessionID() protocol.SessionID {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	for {
		v := c.rng.Uint32()
		id := protocol.SessionID{byte(v >> 8), byte(v)}
		if !id.IsZero() {
			return id
		}
	}
}

func (c *Client) fromHub(addr *net.UDPAddr) bool {
	if isBroadcast(c.hub.IP) || c.hub.IP.IsUnspecified() {
		return true
	}
	return addr.IP.Equal(c.hub.IP)
}

// ResolveLocalIP returns the local IPv4 address the kernel would use to
// reach hub. No packet is sent.
func ResolveLocalIP(hub string, port int) (net.IP, error) {
	if port <= 0 {
		port = protocol.DefaultDiscoveryPort
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(hub, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve local ip for %s: %w", hub, err)
	}
	defer conn.Close()
	ip := conn.LocalAddr().(*net.UDPAddr).IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("discovery: no ipv4 route to %s", hub)
	}
	return ip, nil
}

func resolveHub(cfg Config) (*net.UDPAddr, error) {
	raw := strings.TrimSpace(cfg.HubAddr)
	if raw == "" {
		return nil, ErrHubAddressRequired
	}
	host, port := raw, cfg.DiscoveryPort
	if h, p, err := net.SplitHostPort(raw); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("discovery: invalid hub port %q", p)
		}
		host, port = h, n
	}
	if port <= 0 {
		port = protocol.DefaultDiscoveryPort
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve hub %q: %w", raw, err)
	}
	return addr, nil
}

func isBroadcast(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && ip4.Equal(net.IPv4bcast)
}
