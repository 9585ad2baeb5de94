// Cubbyd -- connection/session core for the cubby game server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"aidanwoods.dev/go-paseto"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cubbylabs/cubby-connect/internal/auth"
	"github.com/cubbylabs/cubby-connect/internal/config"
	connmetrics "github.com/cubbylabs/cubby-connect/internal/metrics"
	"github.com/cubbylabs/cubby-connect/internal/session"
	"github.com/cubbylabs/cubby-connect/internal/transport"
	appversion "github.com/cubbylabs/cubby-connect/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// errNoAuthorityKey indicates the authority public key is missing from
// the configuration; credentials cannot be verified without it.
var errNoAuthorityKey = errors.New("auth.public_key must be configured")

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging session
// failures.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("cubbyd"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("cubbyd starting",
		slog.String("version", appversion.Version),
		slog.String("stream_addr", cfg.Listen.Stream),
		slog.String("datagram_addr", cfg.Listen.Datagram),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Run the daemon.
	if err := runDaemon(cfg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("cubbyd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("cubbyd stopped")
	return 0
}

// runDaemon wires the transports, registry, authenticator, and metrics
// server together and runs them under an errgroup with a signal-aware
// context for graceful shutdown.
func runDaemon(
	cfg *config.Config,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	tlsCfg, err := serverTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load server TLS config: %w", err)
	}

	authenticator, err := newAuthenticator(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := connmetrics.NewCollector(reg)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Transport listeners. The datagram socket is shared between the
	// inbound read loop and every session's outbound sends.
	dgramLn, err := transport.NewDatagramListener(cfg.Listen.Datagram, logger)
	if err != nil {
		return fmt.Errorf("create datagram listener: %w", err)
	}

	streamLn, err := transport.NewStreamListener(cfg.Listen.Stream, tlsCfg, cfg.Protocol.MaxFrame, logger)
	if err != nil {
		return fmt.Errorf("create stream listener: %w", err)
	}

	registry := session.NewRegistry(
		sessionSettings(cfg),
		authenticator,
		logger,
		session.WithMetrics(collector),
		session.WithDatagramConn(dgramLn.Conn()),
	)

	g.Go(func() error {
		return registry.Run(gCtx)
	})
	g.Go(func() error {
		logger.Info("stream listener running", slog.String("addr", streamLn.Addr().String()))
		return streamLn.Run(gCtx, registry)
	})
	g.Go(func() error {
		logger.Info("datagram listener running", slog.String("addr", dgramLn.LocalAddr().String()))
		return dgramLn.Run(gCtx, registry)
	})
	g.Go(func() error {
		logSessionEvents(gCtx, registry, logger)
		return nil
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// sessionSettings maps the loaded configuration onto registry settings.
func sessionSettings(cfg *config.Config) session.Settings {
	return session.Settings{
		MinVersion:        cfg.Protocol.MinVersion,
		MaxVersion:        cfg.Protocol.MaxVersion,
		MaxFrameSize:      cfg.Protocol.MaxFrame,
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		FailureThreshold:  cfg.Session.FailureThreshold,
		ReconnectTimeout:  cfg.Session.ReconnectTimeout,
		QueueLimit:        cfg.Session.QueueLimit,
	}
}

// serverTLSConfig loads the stream listener's certificate. TLS 1.3 only:
// there is no legacy client population to support.
func serverTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair (%s, %s): %w", cfg.Cert, cfg.Key, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// newAuthenticator builds the credential verifier and its authority
// client from configuration.
func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*auth.Authenticator, error) {
	if cfg.PublicKey == "" {
		return nil, errNoAuthorityKey
	}
	pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse authority public key: %w", err)
	}

	clientTLS := &tls.Config{MinVersion: tls.VersionTLS13}
	if cfg.Insecure {
		clientTLS.InsecureSkipVerify = true
	}
	client := auth.NewTLSAuthorityClient(cfg.Addr, clientTLS)

	return auth.New(client, auth.Config{
		Issuer:    cfg.Issuer,
		PublicKey: pub,
		Timeout:   cfg.Timeout,
	}, logger), nil
}

// logSessionEvents drains the registry's diagnostic feed until shutdown.
func logSessionEvents(ctx context.Context, registry *session.Registry, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-registry.Events():
			if change.NewState != session.StateActive && change.NewState != session.StateClosed {
				continue
			}
			logger.Debug("session lifecycle",
				slog.String("session", change.ID.String()),
				slog.String("user", change.UserID),
				slog.String("from", change.OldState.String()),
				slog.String("to", change.NewState.String()),
				slog.String("reason", change.Reason.String()),
			)
		}
	}
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Only the log level can change at runtime; transport addresses and
// session tunables are fixed for the life of the process.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and
// updates the dynamic log level. Errors during reload are logged but do
// not stop the daemon -- the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, dumps
// the flight recorder, then drains the metrics server. Session draining
// happens in the registry, which closes every session with the shutdown
// reason when its context is cancelled.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the runtime FlightRecorder
// for post-mortem debugging of session failures. The recorder maintains
// a rolling window of execution trace data that can be dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using a ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
