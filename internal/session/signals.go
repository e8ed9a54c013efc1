package session

import (
	"context"
	"os"
	"sync/atomic"

	"livecode/internal/logging"
)

// WatchSignals cancels the session on the first signal and logs once that later
// signals are ignored. The returned func stops watching.
func WatchSignals(logger *logging.Logger, cancel context.CancelFunc, signals <-chan os.Signal) func() {
	if signals == nil {
		return func() {}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	done := make(chan struct{})
	var started atomic.Bool
	var loggedRepeat atomic.Bool

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				fields := map[string]string{}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				if started.CompareAndSwap(false, true) {
					logger.Info("shutdown signal received", fields)
					if cancel != nil {
						cancel()
					}
					continue
				}
				if loggedRepeat.CompareAndSwap(false, true) {
					logger.Info("shutdown already in progress, ignoring signal", fields)
				}
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}
