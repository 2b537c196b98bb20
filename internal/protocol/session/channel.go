package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Session is a point-in-time view of one hub connection.
type Session struct {
	TraceID       string
	SessionID     protocol.SessionID
	HasSessionID  bool
	Peer          net.Addr
	State         State
	Authenticated bool
	AuthResponse  *protocol.AuthResponse
	ConnectedAt   time.Time
	Received      uint64
	Dropped       uint64
}

// Channel is a frame-oriented view of one hub TCP connection. A single
// reader goroutine owns the decode buffer; writes are serialized.
type Channel struct {
	cfg    Config
	conn   net.Conn
	logger zerolog.Logger

	traceID     string
	connectedAt time.Time

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	sessionID    protocol.SessionID
	hasSessionID bool
	auth         *protocol.AuthResponse
	received     uint64
	dropped      uint64
	closeErr     error

	frames     chan inbound
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// inbound is a queued frame tagged with its receive sequence.
type inbound struct {
	seq   uint64
	frame frame.Frame
}

// NewChannel wraps an accepted connection and starts its reader. The
// channel starts Connected.
func NewChannel(conn net.Conn, cfg Config) *Channel {
	cfg = cfg.WithDefaults()
	traceID := uuid.NewString()
	c := &Channel{
		cfg:         cfg,
		conn:        conn,
		traceID:     traceID,
		connectedAt: time.Now(),
		state:       StateConnected,
		frames:      make(chan inbound, cfg.FrameQueue),
		done:        make(chan struct{}),
		readerDone:  make(chan struct{}),
		logger: logging.Component("session").With().
			Str("trace_id", traceID).
			Str("peer", conn.RemoteAddr().String()).
			Logger(),
	}
	observability.SetSessionState(StateConnected.String())
	c.logger.Info().Str("state", StateConnected.String()).Msg("hub connected")
	go c.readLoop()
	return c
}

// BindSessionID records the discovery session id this connection answers.
func (c *Channel) BindSessionID(id protocol.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
	c.hasSessionID = true
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		TraceID:       c.traceID,
		SessionID:     c.sessionID,
		HasSessionID:  c.hasSessionID,
		Peer:          c.conn.RemoteAddr(),
		State:         c.state,
		Authenticated: c.state == StateAuthenticated,
		AuthResponse:  c.auth,
		ConnectedAt:   c.connectedAt,
		Received:      c.received,
		Dropped:       c.dropped,
	}
}

// Err returns the reason the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed once the channel reaches Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Authenticate sends the auth request and waits up to AuthTimeout for the
// hub's reply. The first well-formed frame decoded after the request was
// written counts as the reply; frames queued earlier are discarded. On
// timeout the channel drops back to Connected so the caller may try again.
func (c *Channel) Authenticate(ctx context.Context) (protocol.AuthResponse, error) {
	c.mu.Lock()
	switch c.state {
	case StateAuthenticated:
		resp := *c.auth
		c.mu.Unlock()
		return resp, nil
	case StateAuthenticating:
		c.mu.Unlock()
		return protocol.AuthResponse{}, ErrAuthInProgress
	case StateClosed:
		err := c.closeErr
		c.mu.Unlock()
		return protocol.AuthResponse{}, err
	}
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	f, err := c.awaitAuth(ctx)
	if err != nil {
		c.abortAuth()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn().Dur("timeout", c.cfg.AuthTimeout).Msg("no auth response")
			return protocol.AuthResponse{}, ErrAuthTimeout
		}
		return protocol.AuthResponse{}, err
	}

	resp := protocol.NewAuthResponse(f)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticating {
		return protocol.AuthResponse{}, c.closeErrLocked()
	}
	c.auth = &resp
	c.setStateLocked(StateAuthenticated)
	c.logger.Debug().Int("len", resp.Len()).Hex("raw", resp.Raw).Msg("auth response")
	return resp, nil
}

func (c *Channel) awaitAuth(ctx context.Context) (frame.Frame, error) {
	c.writeMu.Lock()
	c.mu.Lock()
	mark := c.received
	c.mu.Unlock()
	err := c.writeLocked(ctx, protocol.CmdAuth, protocol.EncodeAuthRequest())
	c.writeMu.Unlock()
	if err != nil {
		return frame.Frame{}, err
	}

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()
	for {
		in, err := c.receive(authCtx)
		if err != nil {
			return frame.Frame{}, err
		}
		if in.seq > mark {
			return in.frame, nil
		}
		c.logger.Debug().
			Str("command", protocol.Command(in.frame.Command).String()).
			Msg("discarding frame queued before auth request")
	}
}

func (c *Channel) abortAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticating {
		c.setStateLocked(StateConnected)
	}
}

// Send frames data under command and writes it. Execute frames require an
// authenticated session.
func (c *Channel) Send(ctx context.Context, command protocol.Command, data []byte) error {
	if err := c.guard(command); err != nil {
		return err
	}
	wire, err := frame.Encode(uint8(command), data)
	if err != nil {
		return err
	}
	return c.write(ctx, command, wire)
}

// SendFrame writes f with a freshly computed checksum.
func (c *Channel) SendFrame(ctx context.Context, f frame.Frame) error {
	return c.Send(ctx, protocol.Command(f.Command), f.Data)
}

// Execute sends one ExecuteCommand frame.
func (c *Channel) Execute(ctx context.Context, cmd protocol.ExecuteCommand) error {
	if err := c.guard(protocol.CmdExecute); err != nil {
		return err
	}
	return c.write(ctx, protocol.CmdExecute, protocol.EncodeExecute(cmd))
}

// Receive blocks until a frame is decoded, the channel closes, or ctx ends.
// Frames already queued are still delivered after close.
func (c *Channel) Receive(ctx context.Context) (frame.Frame, error) {
	in, err := c.receive(ctx)
	return in.frame, err
}

func (c *Channel) receive(ctx context.Context) (inbound, error) {
	select {
	case in := <-c.frames:
		return in, nil
	default:
	}
	select {
	case in := <-c.frames:
		return in, nil
	case <-c.done:
		select {
		case in := <-c.frames:
			return in, nil
		default:
		}
		return inbound{}, c.Err()
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	}
}

// Close moves the channel to Closed and waits for the reader to exit.
func (c *Channel) Close() error {
	c.shutdown(nil)
	<-c.readerDone
	return nil
}

func (c *Channel) guard(command protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return c.closeErrLocked()
	}
	if command == protocol.CmdExecute && c.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// write is the only path to the socket. A failed write leaves the stream in
// an unknown position, so it closes the channel.
func (c *Channel) write(ctx context.Context, command protocol.Command, wire []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, command, wire)
}

func (c *Channel) writeLocked(ctx context.Context, command protocol.Command, wire []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.shutdown(err)
		return c.Err()
	}
	if _, err := c.conn.Write(wire); err != nil {
		c.logger.Warn().Err(err).Str("command", command.String()).Msg("write failed")
		c.shutdown(err)
		return c.Err()
	}
	observability.RecordFrameSent(command.String())
	c.logger.Debug().Str("command", command.String()).Hex("frame", wire).Msg("frame sent")
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.readerDone)

	dec := frame.NewDecoder(c.cfg.MaxBuffered)
	budget := rate.NewLimiter(rate.Every(c.cfg.ResyncWindow/time.Duration(c.cfg.MaxResyncs)), c.cfg.MaxResyncs)
	buf := make([]byte, 4096)
	for {
		if c.cfg.IdleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
				c.shutdown(err)
				return
			}
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			if _, werr := dec.Write(buf[:n]); werr != nil {
				c.shutdown(werr)
				return
			}
			for {
				f, derr := dec.Next()
				if derr == nil {
					c.deliver(f)
					continue
				}
				if errors.Is(derr, frame.ErrTruncated) {
					break
				}
				kind := decodeErrorKind(derr)
				observability.RecordDecodeError(kind)
				c.logger.Warn().Err(derr).Str("kind", kind).Msg("resyncing stream")
				if !budget.Allow() {
					c.shutdown(fmt.Errorf("%w: %w", ErrResyncBudgetExceeded, derr))
					return
				}
			}
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

// deliver queues f, evicting the oldest queued frame when nobody is reading.
func (c *Channel) deliver(f frame.Frame) {
	observability.RecordFrameReceived(protocol.Command(f.Command).String())
	c.logger.Debug().Str("command", protocol.Command(f.Command).String()).Hex("data", f.Data).Msg("frame received")
	c.mu.Lock()
	c.received++
	in := inbound{seq: c.received, frame: f}
	c.mu.Unlock()
	for {
		select {
		case c.frames <- in:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.frames:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
		}
	}
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause == nil || errors.Is(cause, net.ErrClosed) {
			c.closeErr = ErrSessionClosed
		} else {
			c.closeErr = fmt.Errorf("%w: %w", ErrSessionClosed, cause)
		}
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		if cause != nil && !errors.Is(cause, net.ErrClosed) {
			c.logger.Warn().Err(cause).Msg("session closed")
			return
		}
		c.logger.Info().Msg("session closed")
	})
}

func (c *Channel) closeErrLocked() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrSessionClosed
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s || !canTransition(c.state, s) {
		return
	}
	prev := c.state
	c.state = s
	observability.SetSessionState(s.String())
	c.logger.Info().Str("from", prev.String()).Str("state", s.String()).Msg("session state")
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, frame.ErrBadHeader):
		return "bad_header"
	case errors.Is(err, frame.ErrBadChecksum):
		return "bad_checksum"
	default:
		return "other"
	}
}
