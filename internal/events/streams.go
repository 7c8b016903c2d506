package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/ro"
	rozerolog "github.com/samber/ro/plugins/observability/zerolog"

	"github.com/qkdnet/kmed/internal/pool"
	"github.com/qkdnet/kmed/internal/ratelimit"
)

// Pipeline defaults.
const (
	// DefaultMaxTriggersPerMinute caps how often the sync worker can be woken.
	DefaultMaxTriggersPerMinute int64 = 30

	// DefaultBatchWindow is how long triggers are collected before a batch
	// reaches the worker.
	DefaultBatchWindow = time.Second
)

// PipelineConfig tunes the trigger pipeline.
type PipelineConfig struct {
	// MaxPerMinute caps triggers entering the batcher. <= 0 uses
	// DefaultMaxTriggersPerMinute.
	MaxPerMinute int64

	// Window is the batching window. 0 uses DefaultBatchWindow.
	Window time.Duration
}

func (c PipelineConfig) normalize() PipelineConfig {
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = DefaultMaxTriggersPerMinute
	}
	if c.Window == 0 {
		c.Window = DefaultBatchWindow
	}
	return c
}

// TickerStream emits a scheduled sync trigger every interval.
// The stream completes when the subscriber context is done.
func TickerStream(interval time.Duration) ro.Observable[SyncTrigger] {
	return ro.NewObservableWithContext(func(ctx context.Context, observer ro.Observer[SyncTrigger]) ro.Teardown {
		ticker := time.NewTicker(interval)
		go func() {
			for {
				select {
				case t := <-ticker.C:
					observer.NextWithContext(ctx, SyncTrigger{Reason: ReasonScheduled, At: t})
				case <-ctx.Done():
					observer.CompleteWithContext(ctx)
					return
				}
			}
		}()

		return func() {
			ticker.Stop()
		}
	})
}

// TriggerPipeline merges trigger sources into rate-capped, deduplicated
// batches for the sync worker. One batch holds each (reason, user) pair at
// most once, so a burst of threshold triggers for the same user costs one
// sync pass.
func TriggerPipeline(cfg PipelineConfig, sources ...ro.Observable[SyncTrigger]) ro.Observable[[]SyncTrigger] {
	cfg = cfg.normalize()

	merged := ro.Merge(sources...)
	capped := ratelimit.LimitGlobal(merged, cfg.MaxPerMinute, time.Minute)

	batched := ro.Pipe2(
		capped,
		ro.BufferWithTime[SyncTrigger](cfg.Window),
		ro.Map(func(batch []SyncTrigger) []SyncTrigger {
			return lo.UniqBy(batch, func(tr SyncTrigger) string {
				return string(tr.Reason) + "|" + tr.UserID
			})
		}),
	)

	return ro.Pipe1(batched, ro.Filter(func(batch []SyncTrigger) bool {
		return len(batch) > 0
	}))
}

// DebugLog logs every notification crossing a stream at debug level,
// leaving the items untouched. The name keeps concurrent pipelines
// apart in the output.
func DebugLog[T any](logger *zerolog.Logger, name string) func(ro.Observable[T]) ro.Observable[T] {
	tagged := logger.With().Str("stream", name).Logger()
	return rozerolog.LogWithNotification[T](&tagged, zerolog.DebugLevel)
}

// PoolActivity converts the shared pool's event channel into an observable.
// The stream completes when the channel is closed.
func PoolActivity(ch <-chan pool.Event) ro.Observable[pool.Event] {
	return ro.FromChannel(ch)
}

// RefillSignals filters pool activity down to the moments a refill is worth
// attempting: key exits that leave the queue under the threshold. Additions
// and releases never signal, they only raise the queue depth.
func RefillSignals(activity ro.Observable[pool.Event], threshold int) ro.Observable[pool.Event] {
	return ro.Pipe1(activity, ro.Filter(func(ev pool.Event) bool {
		switch ev.Kind {
		case pool.EventRetrieved, pool.EventReserved, pool.EventConsumed:
			return ev.Available < threshold
		default:
			return false
		}
	}))
}

// Subscribe attaches callbacks to a stream and returns the subscription.
func Subscribe[T any](
	source ro.Observable[T],
	onNext func(T),
	onError func(error),
	onComplete func(),
) ro.Subscription {
	return source.Subscribe(ro.NewObserver(onNext, onError, onComplete))
}

// SubscribeWithContext attaches context-aware callbacks to a stream.
// The subscription ends when ctx is canceled.
func SubscribeWithContext[T any](
	ctx context.Context,
	source ro.Observable[T],
	onNext func(context.Context, T),
	onError func(context.Context, error),
	onComplete func(context.Context),
) ro.Subscription {
	observer := ro.NewObserverWithContext(onNext, onError, onComplete)
	return source.SubscribeWithContext(ctx, observer)
}
