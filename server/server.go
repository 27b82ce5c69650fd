// Package server manages the lifecycle of the relay's HTTP surface:
// startup, signal handling, and ordered graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/telemetry"
)

// ErrNoServerConfigured indicates the manager was started without an HTTP server.
var ErrNoServerConfigured = errors.New("no server configured: use WithHTTPServer()")

const defaultShutdownTimeout = 30 * time.Second

// Manager coordinates the HTTP server, telemetry, and logger shutdown order.
// Shutdown is triggered by SIGINT/SIGTERM, by the configured shutdown
// channel, or by a server startup failure.
type Manager struct {
	httpServer      *fiber.App
	httpAddress     string
	telemetry       *telemetry.Telemetry
	logger          liblog.Logger
	started         chan struct{}
	startedOnce     sync.Once
	shutdownChan    <-chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
	startupErrors   chan error
	stoppers        []func(context.Context)
}

// NewManager creates a lifecycle manager. A nil logger is replaced with a
// no-op logger; telemetry may be nil.
func NewManager(tel *telemetry.Telemetry, logger liblog.Logger) *Manager {
	if logger == nil {
		logger = liblog.NewNop()
	}

	return &Manager{
		telemetry:       tel,
		logger:          logger,
		started:         make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the fiber application and listen address.
func (mgr *Manager) WithHTTPServer(app *fiber.App, address string) *Manager {
	mgr.httpServer = app
	mgr.httpAddress = address

	return mgr
}

// WithShutdownChannel replaces OS signal handling with a caller-owned
// channel, so tests can trigger shutdown deterministically.
func (mgr *Manager) WithShutdownChannel(ch <-chan struct{}) *Manager {
	mgr.shutdownChan = ch

	return mgr
}

// WithShutdownTimeout bounds the time given to each stopper and to
// telemetry flushing during shutdown.
func (mgr *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	if d > 0 {
		mgr.shutdownTimeout = d
	}

	return mgr
}

// WithStopper registers a shutdown hook, run before the HTTP server stops.
// Stoppers run in registration order; the dispatcher's Shutdown belongs here.
func (mgr *Manager) WithStopper(stop func(context.Context)) *Manager {
	if stop != nil {
		mgr.stoppers = append(mgr.stoppers, stop)
	}

	return mgr
}

// Started returns a channel closed once the server goroutine has been
// launched. It signals launch, not that the socket is bound.
func (mgr *Manager) Started() <-chan struct{} {
	return mgr.started
}

// Run starts the server and blocks until shutdown completes.
func (mgr *Manager) Run() error {
	if mgr.httpServer == nil {
		return ErrNoServerConfigured
	}

	go func() {
		mgr.logInfof("starting HTTP server on %s", mgr.httpAddress)

		if err := mgr.httpServer.Listen(mgr.httpAddress); err != nil {
			select {
			case mgr.startupErrors <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()

	mgr.startedOnce.Do(func() {
		close(mgr.started)
	})

	mgr.awaitShutdownSignal()
	mgr.executeShutdown()

	return nil
}

func (mgr *Manager) awaitShutdownSignal() {
	if mgr.shutdownChan != nil {
		select {
		case <-mgr.shutdownChan:
		case err := <-mgr.startupErrors:
			mgr.logErrorf("server startup failed: %v", err)
		}

		return
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case <-signals:
		signal.Stop(signals)
	case err := <-mgr.startupErrors:
		mgr.logErrorf("server startup failed: %v", err)
	}
}

// executeShutdown runs the shutdown sequence exactly once: stoppers, then
// the HTTP server, then telemetry, then the logger sync.
func (mgr *Manager) executeShutdown() {
	mgr.shutdownOnce.Do(func() {
		mgr.logInfof("gracefully shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), mgr.shutdownTimeout)
		defer cancel()

		for _, stop := range mgr.stoppers {
			stop(ctx)
		}

		if mgr.httpServer != nil {
			if err := mgr.httpServer.ShutdownWithContext(ctx); err != nil {
				mgr.logErrorf("error during HTTP server shutdown: %v", err)
			}
		}

		if mgr.telemetry != nil {
			mgr.telemetry.Shutdown(ctx)
		}

		if err := mgr.logger.Sync(ctx); err != nil {
			mgr.logErrorf("failed to sync logger: %v", err)
		}

		mgr.logInfof("graceful shutdown completed")
	})
}

func (mgr *Manager) logInfof(format string, args ...any) {
	mgr.logger.Log(context.Background(), liblog.LevelInfo, fmt.Sprintf(format, args...))
}

func (mgr *Manager) logErrorf(format string, args ...any) {
	mgr.logger.Log(context.Background(), liblog.LevelError, fmt.Sprintf(format, args...))
}
