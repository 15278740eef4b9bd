// Package session relays one accepted downstream connection to its
// upstream D-Bus socket, inspecting client-to-bus traffic against a
// Filter and a Consent Client, and reporting every parsed client frame's
// (name, path, interface) to Telemetry.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linglong-community/dbus-proxy/internal/codec"
	"github.com/linglong-community/dbus-proxy/internal/consent"
	"github.com/linglong-community/dbus-proxy/internal/filter"
	"github.com/linglong-community/dbus-proxy/internal/telemetry"
)

// synthErrorName is the D-Bus error name written back in place of a
// denied method call, matching the original implementation's hardcoded
// reply.
const synthErrorName = "org.freedesktop.DBus.Error.AccessDenied"

// upstreamDialTimeout bounds how long Run waits for the upstream bus
// socket to accept a connection before giving up on the Session.
const upstreamDialTimeout = 3 * time.Second

// readBufSize is the chunk size used for each Read off either socket.
const readBufSize = 4096

// MetricsReporter receives per-frame outcome counts. Implementations
// must be safe for concurrent use.
type MetricsReporter interface {
	FrameForwarded()
	FrameDropped()
	FrameSynthesized()
	SessionStarted()
	SessionEnded()
}

// noopMetrics is the default MetricsReporter when none is supplied.
type noopMetrics struct{}

func (noopMetrics) FrameForwarded()   {}
func (noopMetrics) FrameDropped()     {}
func (noopMetrics) FrameSynthesized() {}
func (noopMetrics) SessionStarted()   {}
func (noopMetrics) SessionEnded()     {}

// Option configures optional Session parameters.
type Option func(*Session)

// WithMetrics attaches a MetricsReporter to the session. If mr is nil
// the default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) Option {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithConsent attaches a consent Client and its permission-id PolicyMap.
// Without this option every matched frame is treated as unresolved
// (denied when enforcement is on), matching the "no permission id could
// be resolved" fallback.
func WithConsent(client *consent.Client, policy *consent.PolicyMap) Option {
	return func(s *Session) {
		s.consentClient = client
		s.policy = policy
	}
}

// WithEnforcement overrides the DBUS_PROXY_INTERCEPT-derived default,
// primarily for tests.
func WithEnforcement(enabled bool) Option {
	return func(s *Session) {
		s.enforcement = enabled
	}
}

// Session relays one accepted downstream connection to its upstream bus
// socket, applying filter/consent arbitration to the client-to-bus
// direction only.
type Session struct {
	logger *slog.Logger

	downstream   net.Conn
	upstreamAddr string
	upstream     net.Conn

	appID string
	filt  *filter.Filter

	consentClient *consent.Client
	policy        *consent.PolicyMap
	poster        *telemetry.Poster

	enforcement bool

	// authDone is shared across both relay directions: the client
	// stream is the only one that ever carries the literal BEGIN\r\n
	// marker, but the server stream's binary framing (needed to catch
	// NameAcquired) only starts once the handshake has completed.
	authDone atomic.Bool

	// clientBusName is the bus name the downstream client acquired,
	// captured off a NameAcquired signal on the upstream->downstream
	// direction. Used as the consent appId when the CLI didn't fix one.
	clientBusName atomic.Pointer[string]

	metrics MetricsReporter

	closeOnce sync.Once
}

// New builds a Session for an already-accepted downstream connection.
// appID may be empty, in which case the Session falls back to whatever
// bus name the client acquires over the connection.
func New(logger *slog.Logger, downstream net.Conn, upstreamAddr, appID string, filt *filter.Filter, poster *telemetry.Poster, opts ...Option) *Session {
	s := &Session{
		logger:       logger.With(slog.String("component", "session")),
		downstream:   downstream,
		upstreamAddr: upstreamAddr,
		appID:        appID,
		filt:         filt,
		poster:       poster,
		enforcement:  enforcementEnabled(),
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// enforcementEnabled reports the DBUS_PROXY_INTERCEPT default: unset or
// falsy ("", "0", "false", ...) disables enforcement; any other value,
// parseable or not, enables it.
func enforcementEnabled() bool {
	v, ok := os.LookupEnv("DBUS_PROXY_INTERCEPT")
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Run dials the upstream bus, relays both directions until either side
// closes or errors, and tears the Session down before returning.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	dialCtx, cancel := context.WithTimeout(ctx, upstreamDialTimeout)
	defer cancel()

	var d net.Dialer
	upstream, err := d.DialContext(dialCtx, "unix", s.upstreamAddr)
	if err != nil {
		s.downstream.Close()
		return fmt.Errorf("dial upstream bus %s: %w", s.upstreamAddr, err)
	}
	s.upstream = upstream

	s.logger.Info("session started", slog.String("upstream", s.upstreamAddr), slog.String("app_id", s.appID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.relayClientToBus(gctx) })
	g.Go(func() error { return s.relayBusToClient(gctx) })
	g.Go(func() error {
		// Either relay direction returning (cleanly or with an error)
		// cancels gctx; tear both sockets down immediately so the
		// other direction's blocking Read unblocks instead of hanging
		// until the parent context is itself cancelled.
		<-gctx.Done()
		s.teardown()
		return nil
	})

	err = g.Wait()
	s.teardown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session %s: %w", s.upstreamAddr, err)
	}
	return nil
}

// teardown closes both sockets exactly once, so whichever direction
// notices the failure first unblocks the other.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.downstream.Close()
		if s.upstream != nil {
			s.upstream.Close()
		}
		s.logger.Info("session ended")
	})
}

// relayClientToBus reads the downstream (application) socket, reassembles
// frames, applies filter/consent arbitration, and forwards or replaces
// each frame on the upstream socket.
func (s *Session) relayClientToBus(ctx context.Context) error {
	var acc []byte
	buf := make([]byte, readBufSize)

	for {
		n, err := s.downstream.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)

			wasAuthDone := s.authDone.Load()
			frames, consumed, authDone := codec.SplitFrames(acc, wasAuthDone)
			s.authDone.Store(authDone)
			acc = append([]byte(nil), acc[consumed:]...)

			if !wasAuthDone && len(frames) > 0 {
				if _, werr := s.upstream.Write(frames[0]); werr != nil {
					return fmt.Errorf("forward auth frame: %w", werr)
				}
				frames = frames[1:]
			}

			for _, frame := range frames {
				if ferr := s.handleClientFrame(ctx, frame); ferr != nil {
					s.logger.Warn("handle client frame failed", slog.Any("error", ferr))
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// relayBusToClient reads the upstream (bus) socket, reassembles frames
// only far enough to catch NameAcquired, and otherwise forwards
// everything byte-for-byte without filtering.
func (s *Session) relayBusToClient(ctx context.Context) error {
	var acc []byte
	buf := make([]byte, readBufSize)

	for {
		n, err := s.upstream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			acc = append(acc, chunk...)

			wasAuthDone := s.authDone.Load()
			frames, consumed, authDone := codec.SplitFrames(acc, wasAuthDone)
			s.authDone.Store(authDone)
			acc = append([]byte(nil), acc[consumed:]...)

			for _, frame := range frames {
				s.captureNameAcquired(frame)
			}

			if _, werr := s.downstream.Write(chunk); werr != nil {
				return fmt.Errorf("forward bus frame: %w", werr)
			}
		}
		if err != nil {
			return err
		}
	}
}

// handleClientFrame parses, reports, and arbitrates a single client->bus
// frame, writing a synthesized error reply or forwarding the original to
// the upstream socket.
func (s *Session) handleClientFrame(ctx context.Context, frame []byte) error {
	header, err := codec.ParseHeader(frame)
	if err != nil {
		// Not a well-formed message (e.g. stray auth-phase bytes);
		// pass it through rather than dropping it on the floor.
		_, werr := s.upstream.Write(frame)
		return werr
	}

	appID := s.currentAppID()
	go s.poster.Post(appID, header.Destination, header.Path, header.Interface)

	if !s.filt.IsMessageMatch(header.Destination, header.Path, header.Interface) {
		s.metrics.FrameForwarded()
		_, werr := s.upstream.Write(frame)
		return werr
	}

	if !s.enforcement {
		s.metrics.FrameForwarded()
		_, werr := s.upstream.Write(frame)
		return werr
	}

	decision, _ := s.consult(ctx, appID, header)
	if decision == consent.Allow || decision == consent.AllowOnce {
		s.metrics.FrameForwarded()
		_, werr := s.upstream.Write(frame)
		return werr
	}

	if !header.ExpectsReply() {
		s.metrics.FrameDropped()
		return nil
	}

	// The synthesized reply's ReplySerial answers the *next* serial after
	// the denied call, not the call's own serial.
	reply, serr := codec.SynthError(header.BigEndian, header.Serial+1, synthErrorName)
	if serr != nil {
		s.metrics.FrameDropped()
		return fmt.Errorf("synthesize denial reply: %w", serr)
	}
	s.metrics.FrameSynthesized()
	_, werr := s.downstream.Write(reply)
	return werr
}

// consult resolves the permission id for header's fields and asks the
// Consent Client for a decision. A missing consent client, or a
// permission id that can't be resolved, is treated as Deny.
func (s *Session) consult(ctx context.Context, appID string, header *codec.Header) (consent.Decision, error) {
	if s.consentClient == nil || s.policy == nil {
		return consent.Deny, errors.New("no consent client configured")
	}

	permissionID := s.policy.Resolve(s.logger, header.Destination, header.Path, header.Interface)
	if permissionID == "" {
		return consent.Deny, consent.ErrPermissionIDEmpty
	}

	decision, err := s.consentClient.Request(ctx, appID, permissionID)
	if err != nil {
		s.logger.Warn("consent request failed", slog.Any("error", err))
		return consent.Deny, err
	}
	return decision, nil
}

// captureNameAcquired scans frame for the bus's NameAcquired signal and,
// if it carries a DESTINATION field, records that destination as the
// client's own bus name.
func (s *Session) captureNameAcquired(frame []byte) {
	if !bytes.Contains(frame, []byte("NameAcquired")) {
		return
	}
	header, err := codec.ParseHeader(frame)
	if err != nil || header.Member != "NameAcquired" {
		return
	}
	if header.Destination == "" {
		return
	}
	name := header.Destination
	s.clientBusName.Store(&name)
}

// currentAppID returns the CLI-fixed app id if one was given, otherwise
// the bus name captured off NameAcquired, otherwise "".
func (s *Session) currentAppID() string {
	if s.appID != "" {
		return s.appID
	}
	if p := s.clientBusName.Load(); p != nil {
		return *p
	}
	return ""
}
