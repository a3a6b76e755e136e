package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"health-monitor/pkg/logger"
)

// Task names used by the monitor
const (
	TaskHealthCheck      = "health-check"
	TaskSendNotification = "send-alert-notification"
)

var (
	ErrNoHandler = errors.New("no handler registered for task")
	ErrClosed    = errors.New("queue closed")
)

type Options struct {
	Delay    time.Duration
	Priority uint8 // 0-9, higher first
}

// Job is a unit of deferred work
type Job struct {
	Task     string          `json:"task"`
	Payload  json.RawMessage `json:"payload"`
	Priority uint8           `json:"priority"`
	QueuedAt time.Time       `json:"queuedAt"`
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Queue schedules jobs for asynchronous execution. Failed jobs are logged and
// dropped; the queue never retries.
type Queue interface {
	Add(ctx context.Context, task string, payload interface{}, opts Options) error
	Handle(task string, h HandlerFunc)
	Start(ctx context.Context) error
	Close() error
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func (r *registry) Handle(task string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]HandlerFunc)
	}
	r.handlers[task] = h
}

func (r *registry) dispatch(ctx context.Context, job Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Task]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Task)
	}
	return h(ctx, job.Payload)
}

func newJob(task string, payload interface{}, opts Options) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return Job{Task: task, Payload: raw, Priority: opts.Priority, QueuedAt: time.Now()}, nil
}

// deferredJob is a job added before Start, due at runAt
type deferredJob struct {
	job   Job
	runAt time.Time
}

// Local runs jobs in-process with timers; used when RabbitMQ is not configured
type Local struct {
	registry

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
	closed  bool
	pending []deferredJob
}

func NewLocal() *Local {
	return &Local{timers: make(map[*time.Timer]struct{})}
}

func (l *Local) Add(ctx context.Context, task string, payload interface{}, opts Options) error {
	job, err := newJob(task, payload, opts)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.ctx == nil {
		// not started yet; flushed on Start with whatever delay remains
		l.pending = append(l.pending, deferredJob{job: job, runAt: job.QueuedAt.Add(opts.Delay)})
		return nil
	}
	l.schedule(job, opts.Delay)
	return nil
}

// schedule must be called with l.mu held
func (l *Local) schedule(job Job, delay time.Duration) {
	l.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer l.wg.Done()
		l.mu.Lock()
		delete(l.timers, t)
		ctx := l.ctx
		l.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := l.dispatch(ctx, job); err != nil {
			logger.Error("Job failed",
				logger.String("task", job.Task),
				logger.Err(err),
			)
		}
	})
	l.timers[t] = struct{}{}
}

func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	for _, p := range l.pending {
		l.schedule(p.job, max(time.Until(p.runAt), 0))
	}
	l.pending = nil
	return nil
}

// Close stops pending timers and waits for running jobs
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	for t := range l.timers {
		if t.Stop() {
			l.wg.Done()
		}
		delete(l.timers, t)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
