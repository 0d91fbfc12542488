package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seedvault/seedvault/pkg/cancel"
	"github.com/seedvault/seedvault/pkg/config"
	"github.com/seedvault/seedvault/pkg/dispatch"
	"github.com/seedvault/seedvault/pkg/events"
	"github.com/seedvault/seedvault/pkg/lease"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/metrics"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/status"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/torrent"
	"github.com/seedvault/seedvault/pkg/types"
)

// Deps bundles the collaborators a worker needs.
type Deps struct {
	Store      storage.Store
	Status     *status.Service
	JobLeases  *lease.Service
	SyncLeases *lease.Service
	Cancels    *cancel.Bus
	Queues     *queue.Client
	Dispatcher *dispatch.Dispatcher
	Engine     torrent.Engine
	Remotes    RemoteFactory
	Events     *events.Publisher
}

// Worker executes download, upload, and sync tasks pulled from the queue
// runtime. Every handler follows the same shape: load the entity, acquire
// its lease, run the core under a heartbeat loop and cancel watcher, and
// attribute the outcome to exactly one status transition.
type Worker struct {
	id  string
	cfg *config.Config

	store      storage.Store
	status     *status.Service
	jobLeases  *lease.Service
	syncLeases *lease.Service
	cancels    *cancel.Bus
	queues     *queue.Client
	dispatcher *dispatch.Dispatcher
	engine     torrent.Engine
	remotes    RemoteFactory
	events     *events.Publisher
}

// New creates a worker. An empty id gets a random one.
func New(id string, cfg *config.Config, deps Deps) *Worker {
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}
	return &Worker{
		id:         id,
		cfg:        cfg,
		store:      deps.Store,
		status:     deps.Status,
		jobLeases:  deps.JobLeases,
		syncLeases: deps.SyncLeases,
		cancels:    deps.Cancels,
		queues:     deps.Queues,
		dispatcher: deps.Dispatcher,
		engine:     deps.Engine,
		remotes:    deps.Remotes,
		events:     deps.Events,
	}
}

// ID returns the worker's lease owner id.
func (w *Worker) ID() string { return w.id }

// RegisterHandlers binds this worker's handlers to the configured queues.
// Download and upload queues run with MaxRetries 0: their retry counter
// lives on the job row and is owned by the recovery monitor.
func (w *Worker) RegisterHandlers(srv *queue.Server) {
	noRuntimeRetry := queue.HandlerConfig{
		Concurrency: w.cfg.Queue.Concurrency,
		MaxRetries:  0,
	}

	srv.Register(w.cfg.Queues[string(types.JobKindTorrent)], w.HandleDownload, noRuntimeRetry)
	srv.Register(w.cfg.Queues[string(types.ProviderGoogleDrive)], w.HandleUpload, noRuntimeRetry)
	srv.Register(w.cfg.Queues[string(types.ProviderAwsS3)], w.HandleUpload, noRuntimeRetry)
	srv.Register(w.cfg.Queues[string(types.JobKindSync)], w.HandleSync, queue.HandlerConfig{
		Concurrency: w.cfg.Queue.Concurrency,
		MaxRetries:  len(w.cfg.Queue.RetryDelays),
		RetryDelays: w.cfg.Queue.RetryDelays,
	})
}

// cancelMode selects how the guard reacts to a user cancellation signal.
type cancelMode int

const (
	// cancelIgnore runs no cancel watcher; syncs are not user-cancellable.
	cancelIgnore cancelMode = iota
	// cancelAbort cancels the run context the moment the signal appears,
	// aborting the transfer mid-flight.
	cancelAbort
	// cancelFlag only records the signal; the transfer observes it at its
	// next part boundary, so the in-flight part completes and is counted.
	cancelFlag
)

// guard runs the heartbeat loop and cancel watcher beside a job handler.
// A lost lease always cancels the run context; a user cancellation is
// handled per the guard's cancelMode. The handler inspects leaseLost and
// cancelled afterwards to attribute the interruption.
type guard struct {
	leaseLost atomic.Bool
	cancelled atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func (g *guard) stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// startGuard launches lease refresh + heartbeat write on one ticker and
// cancellation polling on another. ctx is the handler's outer context;
// cancelRun aborts only the running transfer.
func (w *Worker) startGuard(ctx context.Context, cancelRun context.CancelFunc, id int64, leases *lease.Service, touch func(time.Time) error, mode cancelMode) *guard {
	g := &guard{stopCh: make(chan struct{})}
	logger := log.WithWorkerID(w.id)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(w.cfg.Lease.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ok, err := leases.Refresh(ctx, id, w.id, w.cfg.Lease.Duration)
				if err != nil {
					logger.Warn().Err(err).Int64("id", id).Msg("lease refresh error")
					continue
				}
				if !ok {
					g.leaseLost.Store(true)
					metrics.LeasesLostTotal.Inc()
					cancelRun()
					return
				}
				if err := touch(time.Now().UTC()); err != nil {
					logger.Warn().Err(err).Int64("id", id).Msg("heartbeat write failed")
				}
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if mode == cancelIgnore {
		return g
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(w.cfg.Cancel.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				yes, err := w.cancels.IsCancelled(ctx, id)
				if err != nil {
					continue
				}
				if yes {
					g.cancelled.Store(true)
					if mode == cancelAbort {
						cancelRun()
					}
					return
				}
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return g
}

// progressThrottle coalesces per-part and per-chunk progress callbacks
// into at most one durable write per interval. The final flush is explicit.
type progressThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	write    func()
}

func newProgressThrottle(interval time.Duration, write func()) *progressThrottle {
	return &progressThrottle{interval: interval, write: write}
}

func (t *progressThrottle) tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.last) < t.interval {
		return
	}
	t.last = time.Now()
	t.write()
}

func (t *progressThrottle) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Now()
	t.write()
}
