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
	"github.com/rs/zerolog"
)

// Listener is the local TCP endpoint the hub connects back to.
type Listener struct {
	cfg    Config
	ln     *net.TCPListener
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Listen binds addr (host:port, port 0 for ephemeral). The returned
// listener is in StateListening.
func Listen(ctx context.Context, addr string, cfg Config) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("session: listen %s: %w", addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("session: listen %s: unexpected listener %T", addr, ln)
	}
	l := &Listener{
		cfg:    cfg.WithDefaults(),
		ln:     tcp,
		logger: logging.Component("listener").With().Str("addr", tcp.Addr().String()).Logger(),
	}
	observability.SetSessionState(StateListening.String())
	l.logger.Info().Str("state", StateListening.String()).Msg("listening for hub")
	return l, nil
}

func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StateClosed
	}
	return StateListening
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	return l.AcceptFrom(ctx, nil)
}

// AcceptFrom waits up to AcceptTimeout for a connection whose remote IP is
// from. Connections from other peers are closed and the wait continues. A
// nil from accepts any peer.
func (l *Listener) AcceptFrom(ctx context.Context, from net.IP) (*Channel, error) {
	if l.State() == StateClosed {
		return nil, ErrListenerClosed
	}
	deadline := time.Now().Add(l.cfg.AcceptTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := l.ln.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = l.ln.SetDeadline(time.Time{})
	}()

	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.logger.Warn().Dur("timeout", l.cfg.AcceptTimeout).Msg("hub did not connect")
				return nil, ErrAcceptTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			return nil, err
		}
		remote := conn.RemoteAddr().(*net.TCPAddr)
		if from != nil && !from.IsUnspecified() && !remote.IP.Equal(from) {
			l.logger.Warn().Str("peer", remote.String()).Str("want", from.String()).Msg("rejecting unexpected peer")
			_ = conn.Close()
			continue
		}
		_ = conn.SetKeepAlive(true)
		return NewChannel(conn, l.cfg), nil
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.ln.Close()
}
