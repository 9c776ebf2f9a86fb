// Package daemon is the long-running drover process: it owns the store, the
// HTTP and admin surfaces, and the background worker that dispatches runs
// and reconciles machine queue counters.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/auth"
	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/lock"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/uds"
)

// Daemon is the main drover daemon process.
type Daemon struct {
	dataDir string

	mu     sync.RWMutex
	config model.Config

	log      *zap.SugaredLogger
	logLevel zap.AtomicLevel
	logClose func()

	fileLock *lock.FileLock
	store    *store.BadgerStore
	server   *uds.Server
	watcher  *fsnotify.Watcher

	bus       *events.Bus
	forwarder *events.Forwarder
	metrics   *metrics.Metrics

	runs       *run.Manager
	registry   *registry.Registry
	reconciler *Reconciler
	dispatcher *Dispatcher
	worker     *Worker
	guard      *BootstrapGuard

	httpServer    *http.Server
	metricsServer *http.Server

	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon rooted at dataDir (the .drover directory).
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	log, level, logClose, err := newLogger(dataDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		log:      log.Named("daemon"),
		logLevel: level,
		logClose: logClose,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), log),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// cfg returns a consistent snapshot of the (hot-reloadable) configuration.
func (d *Daemon) cfg() model.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire the daemon file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log.Infof("daemon_starting pid=%d data_dir=%s", os.Getpid(), d.dataDir)
	d.startedAt = time.Now().UTC()

	// Step 2: Open the store
	st, err := store.NewBadgerStore(filepath.Join(d.dataDir, "data", "badger"))
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	// Step 3: Wire the component graph
	if err := d.wire(); err != nil {
		d.cleanup()
		return err
	}

	// Step 4: Register admin commands and start the UDS server
	d.registerAdminCommands()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start admin socket: %w", err)
	}
	d.log.Infof("admin_socket_listening path=%s", filepath.Join(d.dataDir, uds.DefaultSocketName))

	// Step 5: Start HTTP and metrics listeners
	if err := d.startHTTP(); err != nil {
		d.cleanup()
		return err
	}

	// Step 6: Watch config.yaml for hot reload
	if err := d.startConfigWatcher(); err != nil {
		d.cleanup()
		return fmt.Errorf("config watcher: %w", err)
	}

	// Step 7: Start the background worker through the guard
	if _, err := d.guard.EnsureStarted(d.ctx); err != nil {
		d.log.Errorf("worker_boot_failed error=%v", err)
		// Not fatal: the worker can be started later via the admin socket
		// or the HTTP trigger once the underlying fault is fixed.
	}

	d.log.Infof("daemon_ready")

	// Step 8: Wait for signals
	d.waitSignals()
	return nil
}

func (d *Daemon) wire() error {
	cfg := d.cfg()

	d.metrics = metrics.New()
	d.bus = events.NewBus(cfg.Events.BufferSize)
	events.NewAuditLogger(d.log).Attach(d.bus)

	if cfg.Events.NATSURL != "" {
		fw, err := events.NewForwarder(cfg.Events.NATSURL, d.log)
		if err != nil {
			// Event forwarding is best effort end to end; a broker that is
			// down at boot must not keep the daemon from starting.
			d.log.Warnf("nats_connect_failed url=%s error=%v", cfg.Events.NATSURL, err)
		} else {
			fw.Attach(d.bus)
			d.forwarder = fw
		}
	}

	counter := queue.NewCounter(d.store, d.metrics, d.log)
	eng := engine.NewHTTPClient(cfg.Machines.ContactTimeout())
	lockMap := lock.NewMutexMap()

	d.runs = run.NewManager(d.store, counter, d.bus, d.metrics, d.log)
	d.registry = registry.New(d.store, d.metrics, d.log)
	d.reconciler = NewReconciler(
		d.store, counter, eng, d.bus, d.metrics, lockMap,
		func() time.Duration { return d.cfg().Machines.ContactTimeout() },
		func() int { return d.cfg().Scheduler.Concurrency() },
		d.log,
	)
	d.dispatcher = NewDispatcher(
		d.store, counter, eng, d.runs, d.bus, d.metrics,
		func() time.Duration { return d.cfg().Machines.ContactTimeout() },
		func() int { return d.cfg().Scheduler.MaxAttempts() },
		d.log,
	)
	d.worker = NewWorker(
		d.dispatcher, d.reconciler,
		func() time.Duration { return d.cfg().Scheduler.DispatchInterval() },
		func() time.Duration { return d.cfg().Scheduler.SyncInterval() },
		d.log,
	)
	d.guard = NewBootstrapGuard(d.worker.Start, d.log)
	return nil
}

func (d *Daemon) startHTTP() error {
	cfg := d.cfg()

	api := NewAPI(d.runs, d.registry, d.reconciler, d.guard, auth.NewStaticResolver(cfg.Auth.Tokens), d.log)
	d.httpServer = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := d.serve(d.httpServer, cfg.HTTP.ListenAddr, "http"); err != nil {
		return err
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		d.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := d.serve(d.metricsServer, cfg.Metrics.ListenAddr, "metrics"); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) serve(srv *http.Server, addr, name string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	d.log.Infof("%s_listening addr=%s", name, ln.Addr())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log.Errorf("%s_serve error=%v", name, err)
		}
	}()
	return nil
}

// startConfigWatcher reloads config.yaml on change. A reload that fails
// validation is logged and discarded; the running configuration stays as is.
func (d *Daemon) startConfigWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors and atomic writers replace
	// the file, which drops a direct file watch.
	if err := watcher.Add(d.dataDir); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher

	configPath := filepath.Join(d.dataDir, "config.yaml")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != configPath {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					d.reloadConfig()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Errorf("config_watch error=%v", err)
			}
		}
	}()
	return nil
}

func (d *Daemon) reloadConfig() {
	cfg, err := LoadConfig(d.dataDir)
	if err != nil {
		d.log.Warnf("config_reload_rejected error=%v", err)
		return
	}

	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()

	d.logLevel.SetLevel(parseLevel(cfg.Logging.Level))
	d.log.Infof("config_reloaded level=%s dispatch_interval=%s sync_interval=%s",
		cfg.Logging.Level, cfg.Scheduler.DispatchInterval(), cfg.Scheduler.SyncInterval())
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log.Infof("signal_received signal=%s", sig)

	// Second signal forces exit
	go func() {
		<-sigCh
		d.log.Warnf("second_signal_forcing_exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent via sync.Once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infof("shutdown_started")

		// 1. Stop accepting new work
		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		d.server.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg().Daemon.ShutdownTimeout())
		defer cancel()
		if d.httpServer != nil {
			_ = d.httpServer.Shutdown(shutdownCtx)
		}
		if d.metricsServer != nil {
			_ = d.metricsServer.Shutdown(shutdownCtx)
		}

		// 2. Stop the worker and drain goroutines with a timeout
		if d.worker != nil {
			d.worker.Stop()
		}
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log.Infof("goroutines_drained")
		case <-shutdownCtx.Done():
			d.log.Warnf("shutdown_timeout after=%s", d.cfg().Daemon.ShutdownTimeout())
		}

		// 3. Release resources
		if d.forwarder != nil {
			d.forwarder.Close()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		d.cleanup()
		d.log.Infof("daemon_stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Errorf("store_close error=%v", err)
		}
	}
	d.fileLock.Unlock()
	if d.logClose != nil {
		d.logClose()
	}
}
