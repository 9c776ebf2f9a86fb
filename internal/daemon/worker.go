package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// WorkerStatus is the externally visible initialization state of the
// background worker.
type WorkerStatus struct {
	Started   bool       `json:"started"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// BootstrapGuard starts the background worker at most once per process.
// Concurrent callers (daemon boot hook, admin socket, HTTP trigger) coalesce
// onto a single start attempt via singleflight; a failed attempt resets the
// guard so a later caller can retry, and the error return distinguishes that
// failure from "already running".
type BootstrapGuard struct {
	mu        sync.Mutex
	sf        singleflight.Group
	started   bool
	startedAt time.Time

	start func(ctx context.Context) error
	log   *zap.SugaredLogger
}

func NewBootstrapGuard(start func(ctx context.Context) error, log *zap.SugaredLogger) *BootstrapGuard {
	return &BootstrapGuard{
		start: start,
		log:   log.Named("bootstrap"),
	}
}

// EnsureStarted runs the worker startup procedure if it has not run yet.
// All callers, first or subsequent, receive the resulting status.
func (g *BootstrapGuard) EnsureStarted(ctx context.Context) (WorkerStatus, error) {
	if st, ok := g.status(); ok {
		return st, nil
	}

	_, err, _ := g.sf.Do("worker_start", func() (any, error) {
		// Re-check under the flight: a previous flight may have finished
		// between the fast path and joining this one.
		g.mu.Lock()
		if g.started {
			g.mu.Unlock()
			return nil, nil
		}
		g.mu.Unlock()

		if err := g.start(ctx); err != nil {
			g.log.Errorf("worker_start_failed error=%v", err)
			return nil, err
		}

		g.mu.Lock()
		g.started = true
		g.startedAt = time.Now().UTC()
		g.mu.Unlock()
		g.log.Infof("worker_started")
		return nil, nil
	})
	if err != nil {
		return WorkerStatus{Started: false}, err
	}

	st, _ := g.status()
	return st, nil
}

// Status reports the current initialization state without side effects.
func (g *BootstrapGuard) Status() WorkerStatus {
	st, _ := g.status()
	return st
}

func (g *BootstrapGuard) status() (WorkerStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return WorkerStatus{Started: false}, false
	}
	ts := g.startedAt
	return WorkerStatus{Started: true, StartedAt: &ts}, true
}

// Worker is the background dispatch/poll loop: every dispatch tick it
// assigns pending runs to machines, and when the sync interval has elapsed
// it reconciles all machine queue counters against live values.
type Worker struct {
	dispatcher *Dispatcher
	reconciler *Reconciler

	dispatchInterval func() time.Duration
	syncInterval     func() time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

func NewWorker(
	dispatcher *Dispatcher,
	reconciler *Reconciler,
	dispatchInterval func() time.Duration,
	syncInterval func() time.Duration,
	log *zap.SugaredLogger,
) *Worker {
	return &Worker{
		dispatcher:       dispatcher,
		reconciler:       reconciler,
		dispatchInterval: dispatchInterval,
		syncInterval:     syncInterval,
		log:              log.Named("worker"),
	}
}

// Start launches the loop. Callers serialize through the BootstrapGuard.
// The caller's cancelation is stripped: a start triggered by a short-lived
// request context still yields a loop that runs until Stop.
func (w *Worker) Start(parent context.Context) error {
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(parent))
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()

	// Reconcile once at startup so dispatch starts from live counts.
	w.syncAll("startup_sync")
	lastSync := time.Now()

	for {
		// Interval read per iteration so config reloads take effect.
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.dispatchInterval()):
		}

		dispatched := w.dispatcher.DispatchPending(w.ctx)
		if dispatched > 0 {
			w.log.Debugf("dispatch_tick dispatched=%d", dispatched)
		}

		if time.Since(lastSync) >= w.syncInterval() {
			w.syncAll("scheduled_sync")
			lastSync = time.Now()
		}
	}
}

func (w *Worker) syncAll(tag string) {
	report, err := w.reconciler.SyncAll(w.ctx)
	if err != nil {
		w.log.Errorf("%s error=%v", tag, err)
		return
	}
	w.log.Infof("%s synced=%d unreachable=%d", tag, len(report.Synced), len(report.Failed))
}

// Stop cancels the loop and waits for it to drain.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
