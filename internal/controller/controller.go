// Package controller drives the full hub workflow: listen, announce,
// accept the hub's connection, authenticate, then issue key commands.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/discovery"
	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrStopped      = fmt.Errorf("controller: stopped: %w", session.ErrSessionClosed)
	ErrInvalidCount = errors.New("controller: repeat count must be positive")
	ErrNoDiscovery  = errors.New("controller: discovery disabled")
)

// DefaultDeviceID is the controller identity carried in discovery.
var DefaultDeviceID = protocol.DeviceID{0x03, 0x86, 0x2A, 0x23}

type Config struct {
	// ListenAddr is the TCP address the hub connects back to.
	ListenAddr string
	// AdvertiseIP is announced to the hub. Empty resolves the local address
	// that routes to the hub.
	AdvertiseIP net.IP
	DeviceID    protocol.DeviceID
	// SettleDelay is waited between binding the listener and announcing.
	SettleDelay time.Duration

	// SkipDiscovery waits for a hub that is already set to connect.
	SkipDiscovery bool
	// SkipAuth returns as soon as the hub connects.
	SkipAuth bool

	Discovery discovery.Config
	Session   session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":" + strconv.Itoa(protocol.DefaultListenPort),
		DeviceID:    DefaultDeviceID,
		SettleDelay: time.Second,
		Discovery:   discovery.DefaultConfig(),
		Session:     session.DefaultConfig(),
	}
}

type Client struct {
	cfg       Config
	listener  *session.Listener
	discovery *discovery.Client
	logger    zerolog.Logger

	mu      sync.Mutex
	channel *session.Channel
	hub     *discovery.HubDescriptor
	stopped bool
}

// Start runs listen, settle, discovery, accept and authenticate in order.
// It returns once the session is Authenticated, or Connected when SkipAuth
// is set. Anything opened is closed again on failure.
func Start(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.DeviceID == (protocol.DeviceID{}) {
		cfg.DeviceID = DefaultDeviceID
	}
	cfg.Session = cfg.Session.WithDefaults()

	c := &Client{cfg: cfg, logger: logging.Component("controller")}
	if !cfg.SkipDiscovery {
		dc, err := discovery.NewClient(cfg.Discovery)
		if err != nil {
			return nil, err
		}
		c.discovery = dc
	}

	ln, err := session.Listen(ctx, cfg.ListenAddr, cfg.Session)
	if err != nil {
		return nil, err
	}
	c.listener = ln

	if err := c.connect(ctx); err != nil {
		_ = c.Stop()
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	var expect net.IP
	var sid protocol.SessionID
	hasSID := false

	if c.discovery != nil {
		if err := session.Sleep(ctx, c.cfg.SettleDelay); err != nil {
			return err
		}
		desc, err := c.Discover(ctx)
		if err != nil {
			return err
		}
		sid, hasSID = desc.SessionID, true
		if !c.discovery.Broadcast() {
			expect = desc.Addr.IP
		}
	}

	ch, err := c.listener.AcceptFrom(ctx, expect)
	if err != nil {
		return err
	}
	if hasSID {
		ch.BindSessionID(sid)
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	if c.cfg.SkipAuth {
		c.logger.Info().Str("peer", ch.Session().Peer.String()).Msg("hub connected, auth skipped")
		return nil
	}
	resp, err := ch.Authenticate(ctx)
	if err != nil {
		return err
	}
	c.logger.Info().
		Str("peer", ch.Session().Peer.String()).
		Int("auth_len", resp.Len()).
		Msg("authenticated")
	return nil
}

// Discover announces the listener to the hub and waits for its reply.
// It does not touch the current session.
func (c *Client) Discover(ctx context.Context) (discovery.HubDescriptor, error) {
	if c.discovery == nil {
		return discovery.HubDescriptor{}, ErrNoDiscovery
	}
	ip := c.cfg.AdvertiseIP
	if ip == nil {
		hub := c.discovery.HubAddr()
		resolved, err := discovery.ResolveLocalIP(hub.IP.String(), hub.Port)
		if err != nil {
			return discovery.HubDescriptor{}, err
		}
		ip = resolved
	}
	desc, err := c.discovery.Discover(ctx, discovery.Request{
		ControllerIP:   ip,
		ControllerPort: uint16(c.listener.Addr().Port),
		DeviceID:       c.cfg.DeviceID,
	})
	if err != nil {
		return discovery.HubDescriptor{}, err
	}
	c.mu.Lock()
	c.hub = &desc
	c.mu.Unlock()
	return desc, nil
}

// ExecuteCommand sends one key press. Success means the frame was written.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID, keyCode byte) error {
	ch, err := c.current()
	if err != nil {
		observability.RecordCommand(false)
		return err
	}
	err = ch.Execute(ctx, protocol.ExecuteCommand{DeviceID: deviceID, KeyCode: keyCode})
	observability.RecordCommand(err == nil)
	if err != nil {
		return err
	}
	c.logger.Debug().Uint8("device", deviceID).Hex("key", []byte{keyCode}).Msg("command sent")
	return nil
}

// RepeatCommand sends the same key count times, interval apart. It stops at
// the first failure and reports how many were written.
func (c *Client) RepeatCommand(ctx context.Context, deviceID, keyCode byte, count int, interval time.Duration) (int, error) {
	if count <= 0 {
		return 0, ErrInvalidCount
	}
	sent := 0
	for i := 0; i < count; i++ {
		if i > 0 {
			if err := session.Sleep(ctx, interval); err != nil {
				return sent, err
			}
		}
		if err := c.ExecuteCommand(ctx, deviceID, keyCode); err != nil {
			return sent, fmt.Errorf("controller: command %d of %d: %w", i+1, count, err)
		}
		sent++
	}
	return sent, nil
}

// Monitor hands every inbound hub frame to fn until ctx ends or the session
// closes. It returns nil on ctx cancellation.
func (c *Client) Monitor(ctx context.Context, fn func(frame.Frame)) error {
	ch, err := c.current()
	if err != nil {
		return err
	}
	for {
		f, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(f)
	}
}

// Session returns the current session snapshot.
func (c *Client) Session() (session.Session, bool) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return session.Session{}, false
	}
	return ch.Session(), true
}

// Hub is the last discovery reply, if any.
func (c *Client) Hub() (discovery.HubDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hub == nil {
		return discovery.HubDescriptor{}, false
	}
	return *c.hub, true
}

// ListenAddr is the bound listener address.
func (c *Client) ListenAddr() *net.TCPAddr {
	return c.listener.Addr()
}

// Stop closes the session and the listener. Safe to call more than once.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	ch := c.channel
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if c.listener != nil {
		errs = append(errs, c.listener.Close())
	}
	c.logger.Info().Msg("controller stopped")
	return errors.Join(errs...)
}

func (c *Client) current() (*session.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	if c.channel == nil {
		return nil, session.ErrNotAuthenticated
	}
	return c.channel, nil
}
