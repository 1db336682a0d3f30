package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// exitInterrupted is the conventional status for a process killed by SIGINT.
const exitInterrupted = 130

// errInterrupted is the cancellation cause recorded when a signal stops a
// command.
var errInterrupted = errors.New("interrupted")

// exitFunc is replaced in tests.
var exitFunc = os.Exit

// interruptContext returns a context canceled with cause errInterrupted on
// the first SIGINT or SIGTERM. The second signal exits immediately with
// status 130 instead of waiting for op to drain. The returned stop function
// releases the signal handler and cancels the context without marking it
// interrupted.
func interruptContext(parent context.Context, logger *slog.Logger, op string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	released := make(chan struct{})

	var once sync.Once

	stop := func() {
		once.Do(func() { close(released) })
		cancel(nil)
	}

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("signal received, stopping",
				slog.String("signal", sig.String()),
				slog.String("op", op),
			)
			cancel(errInterrupted)
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("second signal received, exiting without draining",
				slog.String("signal", sig.String()),
				slog.String("op", op),
			)
			exitFunc(exitInterrupted)
		case <-released:
		case <-parent.Done():
		}
	}()

	return ctx, stop
}

// interrupted reports whether ctx was stopped by a signal rather than by a
// failure or by its parent.
func interrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errInterrupted)
}
