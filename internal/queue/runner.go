package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/store"
)

// Outcome is how a handler left a claimed item.
type Outcome int

const (
	// OutcomeDone means the execution reached a wait or a terminal status.
	OutcomeDone Outcome = iota
	// OutcomeYield means the turn cap was hit and the execution continues
	// on a later claim.
	OutcomeYield
)

// Result is returned by Handler.HandleItem.
type Result struct {
	Outcome     Outcome
	ExecutionID string
}

// Handler processes claimed items. The Engine implements it.
type Handler interface {
	HandleItem(ctx context.Context, item *store.QueueItem) (Result, error)
	// Abandon is called once when an item is dead-lettered.
	Abandon(ctx context.Context, item *store.QueueItem, cause error)
}

// RunnerConfig tunes the polling loop.
type RunnerConfig struct {
	WorkerID     string        `mapstructure:"worker_id"`
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ClaimRate caps claims per second across the runner. Zero is unlimited.
	ClaimRate float64 `mapstructure:"claim_rate"`
}

// Runner claims items and hands them to a Handler on a bounded pool.
type Runner struct {
	dispatcher *Dispatcher
	handler    Handler
	pool       *WorkerPool
	limiter    *rate.Limiter
	cfg        RunnerConfig
	logger     *slog.Logger
}

// NewRunner creates a Runner and registers handler.Abandon as the
// dispatcher's dead-letter callback.
func NewRunner(d *Dispatcher, handler Handler, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	limit := rate.Inf
	if cfg.ClaimRate > 0 {
		limit = rate.Limit(cfg.ClaimRate)
	}

	logger = logging.OrDefault(logger)
	pool := NewWorkerPool(cfg.Workers)
	pool.onPanic = func(err error) { logger.Error("queue worker panicked", "error", err) }

	d.OnDeadLetter(handler.Abandon)
	return &Runner{
		dispatcher: d,
		handler:    handler,
		pool:       pool,
		limiter:    rate.NewLimiter(limit, cfg.Workers),
		cfg:        cfg,
		logger:     logger,
	}
}

// Metrics returns the worker pool metrics.
func (r *Runner) Metrics() PoolMetrics { return r.pool.Metrics() }

// Run polls until ctx is cancelled, then waits for in-flight items.
// In-flight items finish on a context detached from ctx so that shutdown
// does not abandon a half-written turn.
func (r *Runner) Run(ctx context.Context) error {
	defer r.pool.Shutdown()
	r.logger.Info("queue runner started", "worker_id", r.cfg.WorkerID, "workers", r.cfg.Workers)

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}

		claimed := make(chan bool, 1)
		err := r.pool.Submit(ctx, func(ctx context.Context) error {
			sent := false
			defer func() {
				if !sent {
					claimed <- false
				}
			}()
			item, err := r.dispatcher.ClaimNext(ctx, r.cfg.WorkerID)
			claimed <- item != nil
			sent = true
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("claim failed", "error", err)
				}
				return err
			}
			if item == nil {
				return nil
			}
			return r.process(context.WithoutCancel(ctx), item)
		})
		if err != nil {
			if errors.Is(err, ErrPoolShutdown) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !<-claimed {
			if err := sleep(ctx, r.cfg.PollInterval); err != nil {
				return nil
			}
		}
	}
}

// RunOnce claims and processes at most one item synchronously. It reports
// whether an item was processed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	item, err := r.dispatcher.ClaimNext(ctx, r.cfg.WorkerID)
	if err != nil || item == nil {
		return false, err
	}
	return true, r.process(ctx, item)
}

// Drain processes items until the queue has nothing claimable.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := r.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// process maps the handler outcome onto a queue transition.
func (r *Runner) process(ctx context.Context, item *store.QueueItem) error {
	ctx = logging.WithIDs(ctx, item.ExecutionID, "", item.SubjectID)
	logger := logging.LogWith(ctx, r.logger).With("queue_item_id", item.ID)

	res, err := r.handler.HandleItem(ctx, item)
	switch {
	case err == nil && res.Outcome == OutcomeYield:
		logger.Debug("execution yielded", "execution_id", res.ExecutionID)
		return r.dispatcher.Requeue(ctx, item.ID, res.ExecutionID)

	case err == nil:
		return r.dispatcher.Complete(ctx, item.ID)

	case IsRetryable(err):
		if _, ferr := r.dispatcher.Fail(ctx, item.ID, err); ferr != nil {
			logger.Error("recording failed attempt", "error", ferr, "cause", err)
			return ferr
		}
		return err

	default:
		// The execution is already failed; the item is done.
		logger.Warn("queue item finished with a failed execution", "error", err)
		if cerr := r.dispatcher.Complete(ctx, item.ID); cerr != nil {
			return cerr
		}
		return err
	}
}
