// Package listener accepts connections on the proxy's Unix-domain
// socket and spawns one session.Session per accepted connection,
// tracking them in a connection table for graceful shutdown.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/linglong-community/dbus-proxy/internal/consent"
	"github.com/linglong-community/dbus-proxy/internal/filter"
	"github.com/linglong-community/dbus-proxy/internal/session"
	"github.com/linglong-community/dbus-proxy/internal/telemetry"
)

// ErrAlreadyClosed is returned by Serve if Close was already called.
var ErrAlreadyClosed = errors.New("listener already closed")

// Option configures optional Listener parameters.
type Option func(*Listener)

// WithMetrics attaches a session.MetricsReporter propagated to every
// spawned Session.
func WithMetrics(mr session.MetricsReporter) Option {
	return func(l *Listener) {
		if mr != nil {
			l.metrics = mr
		}
	}
}

// WithConsent attaches a consent Client and permission-id PolicyMap
// propagated to every spawned Session.
func WithConsent(client *consent.Client, policy *consent.PolicyMap) Option {
	return func(l *Listener) {
		l.consentClient = client
		l.policy = policy
	}
}

// noopMetrics satisfies session.MetricsReporter without collecting
// anything, the Listener's default when WithMetrics is not given.
type noopMetrics struct{}

func (noopMetrics) FrameForwarded()   {}
func (noopMetrics) FrameDropped()     {}
func (noopMetrics) FrameSynthesized() {}
func (noopMetrics) SessionStarted()   {}
func (noopMetrics) SessionEnded()     {}

// Listener binds the proxy's downstream Unix-domain socket and spawns a
// session.Session for every accepted connection.
type Listener struct {
	logger *slog.Logger

	socketPath   string
	upstreamAddr string
	appID        string
	filt         *filter.Filter
	poster       *telemetry.Poster

	consentClient *consent.Client
	policy        *consent.PolicyMap
	metrics       session.MetricsReporter

	ln net.Listener

	mu     sync.RWMutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New binds socketPath, removing any stale socket file left behind by a
// previous run (matching the original's "unlink before bind" behavior
// for a Unix-domain server socket).
func New(logger *slog.Logger, socketPath, upstreamAddr, appID string, filt *filter.Filter, poster *telemetry.Poster, opts ...Option) (*Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	l := &Listener{
		logger:       logger.With(slog.String("component", "listener")),
		socketPath:   socketPath,
		upstreamAddr: upstreamAddr,
		appID:        appID,
		filt:         filt,
		poster:       poster,
		metrics:      noopMetrics{},
		ln:           ln,
		conns:        make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Serve accepts connections until ctx is cancelled or Close is called,
// running each Session in its own errgroup goroutine. It returns once
// every spawned Session has torn down.
func (l *Listener) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return l.Close()
	})

	acceptErr := l.acceptLoop(gctx, g)
	if err := g.Wait(); err != nil && acceptErr == nil {
		acceptErr = err
	}
	return acceptErr
}

// acceptLoop accepts connections until the listening socket is closed,
// spawning one errgroup goroutine per accepted connection.
func (l *Listener) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		l.register(conn)
		g.Go(func() error {
			defer l.unregister(conn)
			return l.runSession(ctx, conn)
		})
	}
}

// runSession builds and runs a Session for conn, logging (rather than
// propagating) a per-connection failure so one bad connection never
// tears down the whole accept loop via the errgroup's shared context.
func (l *Listener) runSession(ctx context.Context, conn net.Conn) error {
	s := session.New(l.logger, conn, l.upstreamAddr, l.appID, l.filt, l.poster,
		session.WithMetrics(l.metrics),
		session.WithConsent(l.consentClient, l.policy),
	)
	if err := s.Run(ctx); err != nil {
		l.logger.Warn("session ended with error", slog.Any("error", err))
	}
	return nil
}

// register adds conn to the connection table.
func (l *Listener) register(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[conn] = struct{}{}
}

// unregister removes conn from the connection table.
func (l *Listener) unregister(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *Listener) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Close stops accepting new connections and closes every tracked
// connection, which in turn unblocks and tears down their Sessions.
// Safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	if err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
