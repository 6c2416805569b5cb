// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
)

// ErrEngineStopped is returned when a link is submitted after Stop.
var ErrEngineStopped = errors.New("execution engine is stopped")

// -- Interfaces for Dependency Inversion --

// LinkExecutor runs one link on its agent and reports what came back. A
// returned error means the link did not produce a usable result.
type LinkExecutor interface {
	Execute(ctx context.Context, d Dispatch) (schemas.LinkResult, error)
}

// Dispatch is a link handed to the engine together with the agent that runs
// it and the sink that receives its result.
type Dispatch struct {
	Link  schemas.Link
	Agent schemas.Agent
	Sink  schemas.ResultSink
}

// Engine manages the in-process distribution of links to a pool of workers.
type Engine struct {
	cfg      config.Interface
	logger   *zap.Logger
	executor LinkExecutor
	limiter  *rate.Limiter
	queue    chan Dispatch
	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// stateLock protects the running and closed state of the engine.
	stateLock sync.RWMutex
	isRunning bool
	closed    bool
}

// New creates an Engine. Dispatch pacing is enabled when the configured rate is positive.
func New(cfg config.Interface, logger *zap.Logger, executor LinkExecutor) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("link executor cannot be nil")
	}

	engineCfg := cfg.Engine()
	queueSize := engineCfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	var limiter *rate.Limiter
	if engineCfg.DispatchRate > 0 {
		burst := engineCfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(engineCfg.DispatchRate), burst)
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "execution_engine")),
		executor: executor,
		limiter:  limiter,
		queue:    make(chan Dispatch, queueSize),
		stopping: make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// engine is stopped and its queue drained.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	if e.isRunning || e.closed {
		e.stateLock.Unlock()
		e.logger.Warn("Engine.Start called, but engine is already running or stopped.")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	e.logger.Info("Starting execution engine worker pool", zap.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1)
	}
}

// Submit queues a link for execution. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, d Dispatch) error {
	if d.Sink == nil {
		return errors.New("dispatch requires a result sink")
	}
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	if e.closed {
		return ErrEngineStopped
	}

	select {
	case e.queue <- d:
		return nil
	case <-e.stopping:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for the workers to drain it. It is safe to
// call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping execution engine... waiting for workers to finish.")
		close(e.stopping)

		e.stateLock.Lock()
		e.closed = true
		close(e.queue)
		e.stateLock.Unlock()
	})
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()
	e.logger.Info("Execution engine stopped gracefully.")
}

func (e *Engine) runWorker(ctx context.Context, workerID int) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, worker shutting down immediately.", zap.Error(ctx.Err()))
			return
		case d, ok := <-e.queue:
			if !ok {
				logger.Debug("Link queue closed and drained, worker shutting down gracefully.")
				return
			}
			e.process(ctx, d, logger)
		}
	}
}

// process executes one link and always reports a result so that waiters on
// the link are released.
func (e *Engine) process(ctx context.Context, d Dispatch, logger *zap.Logger) {
	logger = logger.With(zap.String("link_id", d.Link.ID), zap.String("paw", d.Link.Paw))
	result := e.execute(ctx, d, logger)
	result.LinkID = d.Link.ID
	if result.Finished.IsZero() {
		result.Finished = time.Now().UTC()
	}

	// Report on a detached context so results land even while the run shuts down.
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.Sink.Report(reportCtx, result)
}

func (e *Engine) execute(ctx context.Context, d Dispatch, logger *zap.Logger) schemas.LinkResult {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			logger.Warn("Context cancelled while pacing dispatch, discarding link.", zap.Error(err))
			return schemas.LinkResult{Status: schemas.StatusDiscard, Output: err.Error()}
		}
	}
	if ctx.Err() != nil {
		logger.Warn("Context cancelled before link execution started.", zap.Error(ctx.Err()))
		return schemas.LinkResult{Status: schemas.StatusDiscard, Output: ctx.Err().Error()}
	}

	timeout := d.Link.Executor.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Engine().LinkTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	linkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("Executing link.", zap.String("ability_id", d.Link.AbilityID()))
	result, err := e.executor.Execute(linkCtx, d)
	if err == nil {
		return result
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Link execution timed out. Keeping partial results.", zap.Duration("timeout", timeout), zap.Error(err))
		result.Status = schemas.StatusTimeout
	case errors.Is(err, context.Canceled):
		logger.Warn("Link execution was cancelled.", zap.Error(err))
		result.Status = schemas.StatusDiscard
		result.Facts, result.Relationships = nil, nil
	default:
		logger.Error("Link execution failed.", zap.Error(err))
		result = schemas.LinkResult{Status: schemas.StatusError, Output: err.Error()}
	}
	return result
}
