package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seedvault/seedvault/pkg/kv"
	"github.com/seedvault/seedvault/pkg/log"
)

// Handler processes one task. Returning an error makes the runtime apply
// the queue's retry policy; once retries are exhausted the task is marked
// failed and left for the recovery monitor.
type Handler func(ctx context.Context, task *Task) error

// HandlerConfig controls per-queue execution
type HandlerConfig struct {
	// Concurrency is the number of tasks processed in parallel.
	Concurrency int
	// MaxRetries is the number of runtime-side retries. Queues whose
	// retry counter is owned by the recovery monitor set this to zero.
	MaxRetries int
	// RetryDelays maps the n-th retry to its delay. The last entry
	// repeats when retries outnumber delays.
	RetryDelays []time.Duration
	// ActiveTimeout bounds how long a popped task may sit on the active
	// list before the reaper treats its worker as dead and fails it.
	// Duplicate delivery of a task that is in fact still running is
	// harmless: the second worker loses the lease and exits. Zero means
	// DefaultActiveTimeout.
	ActiveTimeout time.Duration
}

// DefaultActiveTimeout is the active-list reap threshold for queues that
// do not set their own.
const DefaultActiveTimeout = 30 * time.Minute

type registration struct {
	queue   string
	handler Handler
	cfg     HandlerConfig
}

// Server is the worker-side queue runtime: it promotes due scheduled tasks,
// pops pending ones, and drives registered handlers with at-least-once
// delivery semantics.
type Server struct {
	kv        *kv.Client
	pollEvery time.Duration

	mu       sync.Mutex
	handlers map[string]*registration

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewServer creates a queue server. pollEvery bounds the idle poll latency.
func NewServer(client *kv.Client, pollEvery time.Duration) *Server {
	return &Server{
		kv:        client,
		pollEvery: pollEvery,
		handlers:  make(map[string]*registration),
		stopCh:    make(chan struct{}),
	}
}

// Register binds a handler to a named queue. Registering the same queue
// twice is a programming error and panics at startup.
func (s *Server) Register(queue string, h Handler, cfg HandlerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.handlers[queue]; dup {
		panic(fmt.Sprintf("queue: duplicate handler registration for %q", queue))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ActiveTimeout <= 0 {
		cfg.ActiveTimeout = DefaultActiveTimeout
	}
	s.handlers[queue] = &registration{queue: queue, handler: h, cfg: cfg}
}

// Start launches the poll loops for every registered queue.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.handlers {
		for i := 0; i < reg.cfg.Concurrency; i++ {
			s.wg.Add(1)
			go s.pollLoop(ctx, reg)
		}
	}
}

// Stop signals the loops and waits for in-flight handlers to return.
func (s *Server) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Server) pollLoop(ctx context.Context, reg *registration) {
	defer s.wg.Done()
	logger := log.WithComponent("queue")

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.promoteScheduled(ctx, reg.queue)
			s.reapActive(ctx, reg)
			for {
				processed, err := s.processOne(ctx, reg)
				if err != nil {
					logger.Error().Err(err).Str("queue", reg.queue).Msg("queue poll error")
					break
				}
				if !processed {
					break
				}
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// promoteScheduled moves due tasks from the scheduled set to the pending
// list. Safe to run from multiple loops; ZRem decides the winner.
func (s *Server) promoteScheduled(ctx context.Context, queue string) {
	rdb := s.kv.Redis()
	now := strconv.FormatInt(time.Now().Unix(), 10)

	ids, err := rdb.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		removed, err := rdb.ZRem(ctx, scheduledKey(queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		rdb.HSet(ctx, taskKey(id), "state", string(StateEnqueued))
		rdb.LPush(ctx, pendingKey(queue), id)
	}
}

// processOne pops and runs a single task. Returns false when the queue was
// empty.
func (s *Server) processOne(ctx context.Context, reg *registration) (bool, error) {
	rdb := s.kv.Redis()

	id, err := rdb.RPopLPush(ctx, pendingKey(reg.queue), activeKey(reg.queue)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer rdb.LRem(ctx, activeKey(reg.queue), 0, id)

	fields, err := rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return true, err
	}
	if len(fields) == 0 || State(fields["state"]) == StateDeleted {
		// Deleted or expired while pending. Drop it.
		return true, nil
	}

	task := &Task{
		ID:      id,
		Queue:   reg.queue,
		Payload: []byte(fields["payload"]),
		Retries: parseRetries(fields["retries"]),
	}

	rdb.HSet(ctx, taskKey(id), map[string]any{
		"state":    string(StateProcessing),
		"deadline": time.Now().Add(reg.cfg.ActiveTimeout).Unix(),
	})

	if err := s.runHandler(ctx, reg, task); err != nil {
		s.handleFailure(ctx, reg, task, err)
		return true, nil
	}

	rdb.HSet(ctx, taskKey(id), "state", string(StateSucceeded))
	return true, nil
}

// runHandler converts a handler panic into a failure instead of killing
// the poll loop and leaking the active-list entry.
func (s *Server) runHandler(ctx context.Context, reg *registration, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", reg.queue, r)
		}
	}()
	return reg.handler(ctx, task)
}

// reapActive requeues or fails tasks stranded on the active list by a
// worker that died between the pop and the final state write. Entries
// whose deadline has not passed are in flight and left alone; LRem
// decides the winner when several loops reap at once.
func (s *Server) reapActive(ctx context.Context, reg *registration) {
	rdb := s.kv.Redis()
	logger := log.WithComponent("queue")

	ids, err := rdb.LRange(ctx, activeKey(reg.queue), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	now := time.Now().Unix()
	for _, id := range ids {
		fields, err := rdb.HGetAll(ctx, taskKey(id)).Result()
		if err != nil {
			continue
		}
		// A vanished hash has no deadline to wait out; reap immediately.
		if deadline, derr := strconv.ParseInt(fields["deadline"], 10, 64); derr == nil && deadline > now {
			continue
		}
		removed, err := rdb.LRem(ctx, activeKey(reg.queue), 0, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if State(fields["state"]) != StateProcessing {
			// The handler finished; only the active-list entry leaked.
			continue
		}
		logger.Warn().Str("queue", reg.queue).Str("task", id).
			Msg("reaping task abandoned on the active list")
		s.handleFailure(ctx, reg, &Task{
			ID:      id,
			Queue:   reg.queue,
			Payload: []byte(fields["payload"]),
			Retries: parseRetries(fields["retries"]),
		}, errors.New("worker lost"))
	}
}

func (s *Server) handleFailure(ctx context.Context, reg *registration, task *Task, cause error) {
	rdb := s.kv.Redis()
	logger := log.WithComponent("queue")

	if task.Retries >= reg.cfg.MaxRetries {
		rdb.HSet(ctx, taskKey(task.ID), "state", string(StateFailed))
		logger.Warn().Err(cause).Str("queue", reg.queue).Str("task", task.ID).
			Int("retries", task.Retries).Msg("task failed, retries exhausted")
		return
	}

	delay := s.pollEvery
	if len(reg.cfg.RetryDelays) > 0 {
		idx := task.Retries
		if idx >= len(reg.cfg.RetryDelays) {
			idx = len(reg.cfg.RetryDelays) - 1
		}
		delay = reg.cfg.RetryDelays[idx]
	}

	at := time.Now().Add(delay)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(task.ID), map[string]any{
		"state":   string(StateScheduled),
		"retries": task.Retries + 1,
	})
	pipe.ZAdd(ctx, scheduledKey(reg.queue), redis.Z{Score: float64(at.Unix()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error().Err(err).Str("task", task.ID).Msg("failed to reschedule task")
	}
}
