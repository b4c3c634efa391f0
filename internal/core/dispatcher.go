package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// breaker pauses a downstream store after a run of consecutive failures and
// lets it back in after a cooldown. One breaker per store; state is
// process-local.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if now.After(b.openUntil) {
		// Half-open: let one attempt through; success resets, failure
		// re-opens for another cooldown.
		return true
	}
	return false
}

func (b *breaker) succeed() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *breaker) fail(now time.Time) {
	b.mu.Lock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
	}
	b.mu.Unlock()
}

// DispatcherOptions tunes retry, timeout and breaker behavior.
type DispatcherOptions struct {
	CallTimeout      time.Duration
	Retries          int
	BackoffBase      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Dispatcher fans committed change sets out to the downstream stores. Each
// store gets its own goroutine, retry budget, circuit breaker and
// watermark; one store failing or pausing never blocks the others, and a
// propagation failure never unwinds the already-committed primary write.
type Dispatcher struct {
	graph       domain.GraphStore
	vector      domain.VectorStore
	analytics   domain.AnalyticsStore
	checkpoints domain.CheckpointStore
	metrics     *Metrics
	log         logrus.FieldLogger
	opts        DispatcherOptions

	breakers map[domain.StoreName]*breaker
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewDispatcher wires a dispatcher over the downstream stores. Any store
// may be nil; nil stores are skipped silently.
func NewDispatcher(graph domain.GraphStore, vector domain.VectorStore, analytics domain.AnalyticsStore,
	checkpoints domain.CheckpointStore, metrics *Metrics, log logrus.FieldLogger, opts DispatcherOptions) *Dispatcher {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.BreakerThreshold < 1 {
		opts.BreakerThreshold = 5
	}
	breakers := make(map[domain.StoreName]*breaker, len(domain.DownstreamStores))
	for _, store := range domain.DownstreamStores {
		breakers[store] = newBreaker(opts.BreakerThreshold, opts.BreakerCooldown)
	}
	return &Dispatcher{
		graph:       graph,
		vector:      vector,
		analytics:   analytics,
		checkpoints: checkpoints,
		metrics:     metrics,
		log:         log,
		opts:        opts,
		breakers:    breakers,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Dispatch propagates one change set to every downstream store and records
// the per-store outcomes in the report. It always returns nil error:
// propagation failures are isolated to their store's outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, set domain.ChangeSet, report *domain.ImportReport) {
	if set.Empty() {
		return
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, store := range domain.DownstreamStores {
		store := store
		g.Go(func() error {
			outcome := d.propagate(ctx, store, set)
			mu.Lock()
			dst := report.Stores[store]
			dst.Applied += outcome.Applied
			dst.Failed += outcome.Failed
			dst.Paused = dst.Paused || outcome.Paused
			if outcome.LastErr != "" {
				dst.LastErr = outcome.LastErr
				report.Errors = append(report.Errors, domain.ErrorEntry{
					Entity: set.Entity,
					Store:  store,
					Reason: outcome.LastErr,
				})
			}
			if outcome.Watermark > dst.Watermark {
				dst.Watermark = outcome.Watermark
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) propagate(ctx context.Context, store domain.StoreName, set domain.ChangeSet) domain.StoreOutcome {
	apply, workload := d.workload(store, set)
	if workload == 0 {
		return domain.StoreOutcome{}
	}

	if !d.breakers[store].allow(d.now()) {
		d.log.WithFields(logrus.Fields{"store": store, "seq": set.Seq}).Warn("store paused by circuit breaker")
		d.metrics.PropagationSkipped(store)
		return domain.StoreOutcome{Failed: workload, Paused: true, LastErr: "circuit breaker open"}
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.Retries; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if d.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d.opts.CallTimeout)
		}
		err := apply(callCtx)
		cancel()
		if err == nil {
			d.breakers[store].succeed()
			d.metrics.PropagationApplied(store, workload)
			mark := domain.Watermark{Organization: set.Organization, Entity: set.Entity, Store: store, Seq: set.Seq}
			if err := d.checkpoints.AdvanceWatermark(ctx, mark); err != nil {
				d.log.WithError(err).WithField("store", store).Error("advance watermark")
			}
			d.metrics.WatermarkSet(store, set.Seq)
			return domain.StoreOutcome{Applied: workload, Watermark: set.Seq}
		}
		lastErr = err
		d.log.WithError(err).WithFields(logrus.Fields{"store": store, "seq": set.Seq, "attempt": attempt}).Warn("propagation attempt failed")
		if attempt < d.opts.Retries {
			backoff := d.opts.BackoffBase << (attempt - 1)
			if err := d.sleep(ctx, backoff); err != nil {
				break
			}
		}
	}

	d.breakers[store].fail(d.now())
	d.metrics.PropagationFailed(store)
	perr := domain.PropagationError{Store: store, Attempts: d.opts.Retries, Err: lastErr}
	return domain.StoreOutcome{Failed: workload, LastErr: perr.Error()}
}

// workload builds the store-specific apply closure for a change set and
// reports how many derived items it carries. Zero means the store has
// nothing to do for this set.
func (d *Dispatcher) workload(store domain.StoreName, set domain.ChangeSet) (func(context.Context) error, int) {
	switch store {
	case domain.StoreGraph:
		if d.graph == nil {
			return nil, 0
		}
		payload := deriveGraph(set)
		if payload.empty() {
			return nil, 0
		}
		return func(ctx context.Context) error {
			if len(payload.Vertices) > 0 {
				if err := d.graph.UpsertVertices(ctx, payload.Vertices); err != nil {
					return err
				}
			}
			if len(payload.Edges) > 0 {
				return d.graph.UpsertEdges(ctx, payload.Edges)
			}
			return nil
		}, len(payload.Vertices) + len(payload.Edges)

	case domain.StoreVector:
		if d.vector == nil {
			return nil, 0
		}
		payload := deriveVector(set)
		if payload.empty() {
			return nil, 0
		}
		count := len(payload.Upserts)
		for _, ids := range payload.Deletes {
			count += len(ids)
		}
		return func(ctx context.Context) error {
			if len(payload.Upserts) > 0 {
				if err := d.vector.UpsertPoints(ctx, payload.Upserts); err != nil {
					return err
				}
			}
			for collection, ids := range payload.Deletes {
				if err := d.vector.DeletePoints(ctx, collection, ids); err != nil {
					return err
				}
			}
			return nil
		}, count

	case domain.StoreAnalytics:
		if d.analytics == nil {
			return nil, 0
		}
		rows := deriveAnalytics(set)
		if len(rows) == 0 {
			return nil, 0
		}
		return func(ctx context.Context) error {
			return d.analytics.Append(ctx, rows)
		}, len(rows)
	}
	return nil, 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
