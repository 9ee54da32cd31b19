package unilog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// UsageFetcher retrieves provider-side usage for a completed request.
// Providers expose cost only some time after the chat completion returns,
// so fetches are expected to fail with ErrUsageNotReady for a while.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, providerRequestID string) (*CostUpdate, error)
}

// ErrUsageNotReady signals that the provider has not reported usage yet
// and the fetch should be retried.
var ErrUsageNotReady = fmt.Errorf("usage not yet reported")

// ReconcilerConfig tunes the cost reconciler pool.
type ReconcilerConfig struct {
	Workers    int           // concurrent fetch workers; default 4
	WallBudget time.Duration // give-up budget per request id; default 10s
	QueueSize  int           // pending fetch queue; default 256
}

// Reconciler resolves deferred costs. Assistant rows carrying a provider
// request id are enqueued at append time; workers poll the provider with
// backoff {0,1,2,3,4}s until usage is reported or the wall budget runs
// out. Failures leave cost null.
type Reconciler struct {
	writer  Writer
	fetcher UsageFetcher
	cfg     ReconcilerConfig
	log     zerolog.Logger

	// OnUpdate, when set, is invoked after a successful reconciliation.
	// The runner wires this to a cost_update bus event.
	OnUpdate func(u CostUpdate)

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewReconciler builds a reconciler writing through the given writer
// (normally the store+mirror fan-out).
func NewReconciler(w Writer, f UsageFetcher, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WallBudget <= 0 {
		cfg.WallBudget = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Reconciler{
		writer:  w,
		fetcher: f,
		cfg:     cfg,
		log:     log,
		queue:   make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker pool. Safe to call once.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx)
		}
	})
}

// Stop drains the pool and waits for in-flight fetches to settle.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		close(r.queue)
		r.wg.Wait()
	})
}

// Enqueue schedules a cost fetch for the given provider request id. The
// call never blocks cell execution: when the queue is full the id is
// dropped and the row's cost stays null.
func (r *Reconciler) Enqueue(providerRequestID string) {
	if providerRequestID == "" {
		return
	}
	select {
	case r.queue <- providerRequestID:
	default:
		r.log.Warn().Str("request_id", providerRequestID).Msg("cost queue full, dropping")
	}
}

func (r *Reconciler) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-r.queue:
			if !ok {
				return
			}
			r.resolve(ctx, id)
		}
	}
}

// steppedBackoff yields the fixed delay schedule, then stops.
func steppedBackoff(steps []time.Duration) retry.Backoff {
	i := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(steps) {
			return 0, true
		}
		d := steps[i]
		i++
		return d, false
	})
}

func (r *Reconciler) resolve(ctx context.Context, requestID string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WallBudget)
	defer cancel()

	schedule := []time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}

	var update *CostUpdate
	err := retry.Do(ctx, steppedBackoff(schedule), func(ctx context.Context) error {
		u, err := r.fetcher.FetchUsage(ctx, requestID)
		if err == ErrUsageNotReady {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		update = u
		return nil
	})
	if err != nil {
		r.log.Debug().Str("request_id", requestID).Err(err).Msg("cost fetch gave up")
		return
	}

	update.ProviderRequestID = requestID
	if _, err := r.writer.UpdateCost(*update); err != nil {
		r.log.Error().Str("request_id", requestID).Err(err).Msg("cost update failed")
		return
	}
	if r.OnUpdate != nil {
		r.OnUpdate(*update)
	}
}
