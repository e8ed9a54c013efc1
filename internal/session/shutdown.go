package session

import (
	"context"
	"errors"
	"sync"

	"livecode/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator runs registered phases once, in registration order, and joins
// their errors.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	mu     sync.Mutex
	phases []shutdownPhase
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &shutdownCoordinator{logger: logger}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	coordinator.mu.Lock()
	coordinator.phases = append(coordinator.phases, shutdownPhase{name: name, stop: stop})
	coordinator.mu.Unlock()
}

func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	var runErr error
	coordinator.once.Do(func() {
		coordinator.mu.Lock()
		phases := append([]shutdownPhase(nil), coordinator.phases...)
		coordinator.mu.Unlock()
		for _, phase := range phases {
			coordinator.logger.Debug("shutdown phase starting", map[string]string{"phase": phase.name})
			if err := phase.stop(ctx); err != nil {
				runErr = errors.Join(runErr, err)
				coordinator.logger.Warn("shutdown phase failed", map[string]string{
					"phase": phase.name,
					"error": err.Error(),
				})
			}
		}
	})
	return runErr
}
