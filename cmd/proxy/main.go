// dbus-proxy filters and arbitrates D-Bus traffic for a sandboxed
// application: messages that match none of its name/path/interface
// rules are relayed unchanged, and messages that do match are relayed
// only when enforcement is off or the platform's permission service
// grants consent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/linglong-community/dbus-proxy/internal/config"
	"github.com/linglong-community/dbus-proxy/internal/consent"
	"github.com/linglong-community/dbus-proxy/internal/filter"
	"github.com/linglong-community/dbus-proxy/internal/listener"
	"github.com/linglong-community/dbus-proxy/internal/metrics"
	"github.com/linglong-community/dbus-proxy/internal/telemetry"
	appversion "github.com/linglong-community/dbus-proxy/internal/version"
)

// shutdownTimeout bounds how long the metrics server gets to drain
// in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// metricsPath is the fixed path the metrics server exposes.
const metricsPath = "/metrics"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to optional YAML override file")
	flag.Parse()

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger := config.NewLogger(fileCfg.Log)

	cliArgs, err := config.ParseArgs(flag.Args())
	if err != nil {
		logger.Error("failed to parse CLI arguments", slog.String("error", err.Error()))
		return 1
	}

	upstreamAddr, err := cliArgs.UpstreamBusAddress()
	if err != nil {
		logger.Error("failed to resolve upstream bus address", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("dbus-proxy starting",
		slog.String("version", appversion.Version),
		slog.String("app_id", cliArgs.AppID),
		slog.String("bus_kind", cliArgs.BusKind),
		slog.String("socket_path", cliArgs.SocketPath),
		slog.String("upstream_addr", upstreamAddr),
	)

	f := filter.New()
	filter.Seed(f)
	for _, name := range cliArgs.NameFilters {
		f.AddNameFilter(name)
	}
	for _, path := range cliArgs.PathFilters {
		f.AddPathFilter(path)
	}
	for _, iface := range cliArgs.InterfaceFilters {
		f.AddInterfaceFilter(iface)
	}

	poster := telemetry.LoadPoster(fileCfg.TelemetryConfigPath, logger)

	consentClient, policy := setupConsent(fileCfg.ConsentPolicyPath, logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	metricsSrv := metrics.NewServer(fileCfg.MetricsAddr, metricsPath, reg)

	l, err := listener.New(logger, cliArgs.SocketPath, upstreamAddr, cliArgs.AppID, f, poster,
		listener.WithMetrics(collector),
		listener.WithConsent(consentClient, policy),
	)
	if err != nil {
		logger.Error("failed to bind proxy socket", slog.String("error", err.Error()))
		return 1
	}

	// Die with our parent (normally the sandbox launcher) instead of
	// being orphaned, matching the original proxy's prctl call.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		logger.Warn("failed to set parent-death signal", slog.String("error", err.Error()))
	}

	if err := runServers(logger, l, metricsSrv); err != nil {
		logger.Error("dbus-proxy exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("dbus-proxy stopped")
	return 0
}

// setupConsent dials the session bus for the permission-arbitration
// service and loads the permission-id policy map. Either step failing is
// not fatal: a nil client/policy makes every consult() fail safe-denied,
// matching the decision table's "no consent client configured" branch.
func setupConsent(policyPath string, logger *slog.Logger) (*consent.Client, *consent.PolicyMap) {
	var consentClient *consent.Client
	conn, err := dbus.SessionBus()
	if err != nil {
		logger.Warn("failed to connect to session bus for consent arbitration", slog.Any("error", err))
	} else {
		consentClient = consent.New(conn, logger)
	}

	policy, err := consent.LoadPolicyMap(policyPath)
	if err != nil {
		logger.Warn("failed to load consent policy map", slog.Any("error", err))
		policy = nil
	}

	return consentClient, policy
}

// runServers runs the proxy listener and metrics HTTP server under an
// errgroup with a signal-aware context, returning once both have shut
// down cleanly.
func runServers(logger *slog.Logger, l *listener.Listener, metricsSrv *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("proxy listening")
		return l.Serve(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", metricsSrv.Addr), slog.String("path", metricsPath))
		return listenAndServe(gCtx, metricsSrv)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// listenAndServe creates a TCP listener via a context-aware ListenConfig
// and serves HTTP requests on it until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}

// gracefulShutdown notifies systemd that shutdown has begun and stops
// the metrics server within shutdownTimeout. The proxy listener tears
// itself down via its own context-cancellation watcher.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// notifyReady sends READY=1 to systemd, indicating the proxy has
// completed initialization and is ready to relay.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the proxy is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. If the watchdog isn't configured, it exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}
