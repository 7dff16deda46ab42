package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"inventory/internal/config"
	"inventory/internal/model"
	"inventory/internal/monitor"
	"inventory/internal/repository"
	"inventory/pkg/lock"
	"inventory/pkg/log"
	"inventory/pkg/utils"
)

// Lease keeps two dispatcher instances from draining the same rows.
// *lock.RedisLock implements it.
type Lease interface {
	Lock(ctx context.Context) error
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Options dispatcher tuning
type Options struct {
	BatchSize     int
	MaxAttempts   int
	PollInterval  time.Duration
	RetryInterval time.Duration
	RatePerSecond float64
}

// OptionsFrom maps the outbox config section
func OptionsFrom(cfg config.OutboxConfig) Options {
	return Options{
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		PollInterval:  cfg.PollInterval,
		RetryInterval: cfg.RetryInterval,
		RatePerSecond: cfg.RatePerSecond,
	}
}

// RunResult summarises one dispatcher run
type RunResult struct {
	Fetched   int
	Completed int
	Failed    int
	// Skipped is set when another instance held the lease.
	Skipped bool
}

// Dispatcher drains PENDING outbox rows to a Handler. It reads across all
// tenants; every status update is scoped to the row's own tenant.
type Dispatcher struct {
	repos   repository.UnitOfWork
	handler Handler
	lease   Lease
	limiter *rate.Limiter
	opts    Options
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	group   singleflight.Group
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. lease may be nil when a single
// instance runs.
func NewDispatcher(txm repository.TxManager, handler Handler, lease Lease, opts Options, metrics *monitor.Metrics, tracer *monitor.Tracer) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	limit := rate.Inf
	burst := opts.BatchSize
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Dispatcher{
		repos:   txm.Repos(),
		handler: handler,
		lease:   lease,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
		metrics: metrics,
		tracer:  tracer,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce dispatches at most one batch. Concurrent calls in the same
// process share a single run.
func (d *Dispatcher) RunOnce(ctx context.Context) (RunResult, error) {
	v, err, _ := d.group.Do("dispatch", func() (interface{}, error) {
		return d.run(ctx)
	})
	res, _ := v.(RunResult)
	return res, err
}

func (d *Dispatcher) run(ctx context.Context) (RunResult, error) {
	var res RunResult

	if d.lease != nil {
		if err := d.lease.Lock(ctx); err != nil {
			if errors.Is(err, lock.ErrLockFailed) {
				d.metrics.RecordDispatcherRun("skipped")
				return RunResult{Skipped: true}, nil
			}
			d.metrics.RecordDispatcherRun("error")
			return res, utils.NewErrorWithErr(utils.CodeLockNotAcquired, "acquire dispatcher lease", err)
		}
		defer func() {
			if err := d.lease.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrLockNotHeld) {
				log.ForComponent("outbox").WithError(err).Warn("Failed to release dispatcher lease")
			}
		}()
	}

	events, err := d.repos.Outbox().ListPending(ctx, d.opts.BatchSize)
	if err != nil {
		d.metrics.RecordDispatcherRun("error")
		return res, fmt.Errorf("list pending outbox events: %w", err)
	}
	res.Fetched = len(events)

	for i := range events {
		if i > 0 && d.lease != nil {
			if err := d.lease.Extend(ctx); err != nil {
				log.ForComponent("outbox").WithError(err).Warn("Dispatcher lease lost, stopping batch")
				break
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.metrics.RecordDispatcherRun("error")
			return res, err
		}

		if d.dispatch(ctx, &events[i]) {
			res.Completed++
		} else {
			res.Failed++
		}
	}

	d.metrics.RecordDispatcherRun("ran")
	if res.Fetched > 0 {
		log.ForComponent("outbox").WithFields(map[string]interface{}{
			"fetched":   res.Fetched,
			"completed": res.Completed,
			"failed":    res.Failed,
		}).Info("Outbox batch dispatched")
	}
	return res, nil
}

// dispatch hands one row to the handler and records the outcome on the row.
func (d *Dispatcher) dispatch(ctx context.Context, e *model.OutboxEvent) bool {
	start := d.now()
	ctx, span := d.tracer.StartSpan(ctx, "outbox.dispatch",
		attribute.String("outbox.type", e.Type),
		attribute.Int64("outbox.id", int64(e.ID)),
		attribute.Int64("tenant.id", int64(e.TenantID)),
	)
	defer span.End()

	logger := log.ForTenant(e.TenantID).WithFields(map[string]interface{}{
		"event_id":   e.ID,
		"event_type": e.Type,
	})

	if err := d.deliver(ctx, e); err != nil {
		d.tracer.RecordError(span, err)
		d.metrics.RecordDispatch(e.Type, "failed", d.now().Sub(start))
		logger.WithError(err).Warn("Outbox event dispatch failed")

		if markErr := d.repos.Outbox().MarkFailed(ctx, e.TenantID, e.ID, err.Error()); markErr != nil {
			logger.WithError(markErr).Error("Failed to mark outbox event failed")
		}
		return false
	}

	d.metrics.RecordDispatch(e.Type, "completed", d.now().Sub(start))
	// delivery already happened; a failed mark means the event is sent again
	if err := d.repos.Outbox().MarkCompleted(ctx, e.TenantID, e.ID, d.now()); err != nil {
		logger.WithError(err).Error("Failed to mark outbox event completed")
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, e *model.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.NewErrorWithErr(utils.CodeDispatchFailed, "handler panicked", fmt.Errorf("%v", r))
		}
	}()

	ev, err := Decode(e.Type, e.Payload)
	if err != nil {
		return utils.NewErrorWithErr(utils.CodeDispatchFailed, "decode event", err)
	}
	if err := ev.Accept(ctx, d.handler); err != nil {
		return utils.NewErrorWithErr(utils.CodeDispatchFailed, fmt.Sprintf("handle %s", e.Type), err)
	}
	return nil
}

// RetryFailed moves FAILED rows that still have attempts left back to PENDING.
func (d *Dispatcher) RetryFailed(ctx context.Context) (int64, error) {
	n, err := d.repos.Outbox().RequeueFailed(ctx, d.opts.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.ForComponent("outbox").WithField("requeued", n).Info("Requeued failed outbox events")
	}
	return n, nil
}

// Start polls until ctx is done. Failed rows are retried on their own
// interval and the backlog gauge is refreshed after each retry pass.
func (d *Dispatcher) Start(ctx context.Context) error {
	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()

	retryInterval := d.opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Minute
	}
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	log.ForComponent("outbox").WithFields(map[string]interface{}{
		"poll_interval":  d.opts.PollInterval.String(),
		"batch_size":     d.opts.BatchSize,
		"retry_interval": retryInterval.String(),
	}).Info("Outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.ForComponent("outbox").Info("Outbox dispatcher stopped")
			return nil
		case <-poll.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.ForComponent("outbox").WithError(err).Error("Outbox dispatch run failed")
			}
		case <-retry.C:
			if _, err := d.RetryFailed(ctx); err != nil && ctx.Err() == nil {
				log.ForComponent("outbox").WithError(err).Error("Outbox retry pass failed")
			}
			d.refreshBacklog(ctx)
		}
	}
}

func (d *Dispatcher) refreshBacklog(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	counts, err := d.repos.Outbox().CountByStatus(ctx)
	if err != nil {
		log.ForComponent("outbox").WithError(err).Warn("Failed to count outbox backlog")
		return
	}
	gauge := map[string]int64{
		string(model.OutboxPending):   0,
		string(model.OutboxCompleted): 0,
		string(model.OutboxFailed):    0,
	}
	for status, n := range counts {
		gauge[string(status)] = n
	}
	d.metrics.SetOutboxBacklog(gauge)
}
