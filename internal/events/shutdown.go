package events

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/ro"
)

// ShutdownSignals are the OS signals that trigger graceful shutdown.
var ShutdownSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}

// SignalStream emits when any of the given signals is received, then
// completes. With no arguments it watches ShutdownSignals.
func SignalStream(signals ...os.Signal) ro.Observable[os.Signal] {
	if len(signals) == 0 {
		signals = ShutdownSignals
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	return ro.NewObservableWithContext(func(ctx context.Context, observer ro.Observer[os.Signal]) ro.Teardown {
		go func() {
			select {
			case sig := <-ch:
				observer.NextWithContext(ctx, sig)
				observer.CompleteWithContext(ctx)
			case <-ctx.Done():
				observer.ErrorWithContext(ctx, ctx.Err())
			}
		}()

		return func() {
			signal.Stop(ch)
		}
	})
}

// WaitForShutdown blocks until a shutdown signal is received or the context
// is canceled. Returns the received signal, or an error when the context
// ended first.
func WaitForShutdown(ctx context.Context) (os.Signal, error) {
	results, _, err := ro.CollectWithContext(ctx, SignalStream())
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ctx.Err()
	}
	return results[0], nil
}

// OnShutdown registers a callback for the first shutdown signal.
// Returns a Subscription that can cancel the registration.
func OnShutdown(ctx context.Context, callback func(os.Signal)) ro.Subscription {
	return SignalStream().SubscribeWithContext(ctx, ro.OnNextWithContext(func(_ context.Context, sig os.Signal) {
		callback(sig)
	}))
}
