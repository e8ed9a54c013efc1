package session

import (
	"context"
	"errors"
	"os"
	"slices"
	"syscall"
	"testing"
	"time"
)

func TestShutdownCoordinatorRunsInOrder(t *testing.T) {
	coordinator := newShutdownCoordinator(nil)
	order := []string{}

	coordinator.Add("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	coordinator.Add("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("fail")
	})
	coordinator.Add("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	if err := coordinator.Run(context.Background()); err == nil {
		t.Fatalf("expected shutdown error")
	}
	if !slices.Equal(order, []string{"first", "second", "third"}) {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	coordinator := newShutdownCoordinator(nil)
	calls := 0
	coordinator.Add("only", func(context.Context) error {
		calls++
		return nil
	})
	coordinator.Add("nil", nil)

	for i := 0; i < 2; i++ {
		if err := coordinator.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestWatchSignalsCancelsOnFirstSignal(t *testing.T) {
	signals := make(chan os.Signal, 2)
	cancelled := make(chan struct{}, 2)
	stop := WatchSignals(nil, func() { cancelled <- struct{}{} }, signals)
	defer stop()

	signals <- syscall.SIGINT
	signals <- syscall.SIGTERM

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected cancel on first signal")
	}
	select {
	case <-cancelled:
		t.Fatal("second signal must not cancel again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchSignalsNilChannel(t *testing.T) {
	stop := WatchSignals(nil, func() { t.Fatal("unexpected cancel") }, nil)
	stop()
	stop()
}
