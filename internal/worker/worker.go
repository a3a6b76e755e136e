package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"health-monitor/internal/monitoring"
	"health-monitor/pkg/config"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/queue"
)

// Orchestrator is the part of the monitoring service the pool drives
type Orchestrator interface {
	RegisterHandlers(q queue.Queue)
	StartAll(ctx context.Context) error
	ArchiveAndPrune(ctx context.Context) error
	RunAnomalyScan(ctx context.Context) error
}

var _ Orchestrator = (*monitoring.Orchestrator)(nil)

type WorkerPool struct {
	config       *config.Config
	orchestrator Orchestrator
	queue        queue.Queue
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewWorkerPool(cfg *config.Config, orch Orchestrator, q queue.Queue) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		config:       cfg,
		orchestrator: orch,
		queue:        q,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start wires the job handlers, consumes the queue, resumes monitoring of
// enabled services and starts the periodic jobs
func (wp *WorkerPool) Start() error {
	logger.Info("Starting worker pool")

	wp.orchestrator.RegisterHandlers(wp.queue)
	if err := wp.queue.Start(wp.ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	ctx, cancel := context.WithTimeout(wp.ctx, 30*time.Second)
	defer cancel()
	if err := wp.orchestrator.StartAll(ctx); err != nil {
		return err
	}

	wp.wg.Add(1)
	go wp.periodic("Check archival", wp.config.ArchiveInterval, 5*time.Minute, wp.orchestrator.ArchiveAndPrune)

	wp.wg.Add(1)
	go wp.periodic("Anomaly scan", wp.config.AnomalyScanInterval, 2*time.Minute, wp.orchestrator.RunAnomalyScan)

	return nil
}

func (wp *WorkerPool) Stop() {
	logger.Info("Stopping worker pool...")
	wp.cancel()
	wp.wg.Wait()
	if err := wp.queue.Close(); err != nil {
		logger.Error("Failed to close job queue", logger.Err(err))
	}
	logger.Info("Worker pool stopped")
}

// periodic runs job every interval with a per-run timeout. A non-positive
// interval disables the job.
func (wp *WorkerPool) periodic(name string, interval, timeout time.Duration, job func(context.Context) error) {
	defer wp.wg.Done()

	if interval <= 0 {
		logger.Info(name+" disabled")
		return
	}

	logger.Info(name+" started", logger.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			logger.Info(name + " stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wp.ctx, timeout)
			if err := job(ctx); err != nil {
				logger.Error(name+" failed", logger.Err(err))
			}
			cancel()
		}
	}
}
