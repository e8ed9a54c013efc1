package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"livecode/internal/logging"
)

// Domain groups the goroutines of one application. The first failure of any task
// (returned error or panic) is kept and reported once; later failures are logged.
type Domain struct {
	name   string
	logger *logging.Logger

	mu       sync.Mutex
	tasks    map[uint64]*task
	nextID   uint64
	closed   bool
	failure  error
	reported bool
	failed   chan struct{}
}

type task struct {
	name       string
	background bool
	done       chan struct{}
}

func NewDomain(name string, logger *logging.Logger) *Domain {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Domain{
		name:   name,
		logger: logger.With(map[string]string{"component": "supervisor", "domain": name}),
		tasks:  make(map[uint64]*task),
		failed: make(chan struct{}),
	}
}

type domainKey struct{}

// WithDomain attaches domain to ctx so application code can spawn tracked tasks.
func WithDomain(ctx context.Context, domain *Domain) context.Context {
	return context.WithValue(ctx, domainKey{}, domain)
}

// DomainFrom returns the domain the calling application code runs in.
func DomainFrom(ctx context.Context) (*Domain, bool) {
	if ctx == nil {
		return nil, false
	}
	domain, ok := ctx.Value(domainKey{}).(*Domain)
	return domain, ok && domain != nil
}

// Go runs fn on a tracked task. WaitForShutdown waits for it.
func (domain *Domain) Go(ctx context.Context, name string, fn func(context.Context) error) error {
	return domain.spawn(ctx, name, false, fn)
}

// GoBackground runs fn on a task WaitForShutdown does not wait for.
func (domain *Domain) GoBackground(ctx context.Context, name string, fn func(context.Context) error) error {
	return domain.spawn(ctx, name, true, fn)
}

func (domain *Domain) spawn(ctx context.Context, name string, background bool, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	entry := &task{name: name, background: background, done: make(chan struct{})}
	domain.mu.Lock()
	if domain.closed {
		domain.mu.Unlock()
		return errDomainNotRunning
	}
	domain.nextID++
	id := domain.nextID
	domain.tasks[id] = entry
	domain.mu.Unlock()

	taskCtx := WithDomain(ctx, domain)
	go func() {
		defer func() {
			domain.mu.Lock()
			delete(domain.tasks, id)
			domain.mu.Unlock()
			close(entry.done)
		}()
		defer func() {
			if recovered := recover(); recovered != nil {
				domain.fail(&PanicError{Task: name, Value: recovered, Stack: debug.Stack()})
			}
		}()
		if err := fn(taskCtx); err != nil {
			if errors.Is(err, context.Canceled) && taskCtx.Err() != nil {
				return
			}
			domain.fail(fmt.Errorf("task %s: %w", name, err))
		}
	}()
	return nil
}

func (domain *Domain) fail(err error) {
	domain.mu.Lock()
	if domain.failure == nil {
		domain.failure = err
		close(domain.failed)
		domain.mu.Unlock()
		domain.logger.Error("application task failed", map[string]string{"error": err.Error()})
		return
	}
	domain.mu.Unlock()
	domain.logger.Warn("additional application failure", map[string]string{"error": err.Error()})
}

// Failure returns the first captured failure, reported or not.
func (domain *Domain) Failure() error {
	domain.mu.Lock()
	defer domain.mu.Unlock()
	return domain.failure
}

// pendingFailure is closed while an unreported failure waits; nil otherwise.
func (domain *Domain) pendingFailure() <-chan struct{} {
	domain.mu.Lock()
	defer domain.mu.Unlock()
	if domain.reported {
		return nil
	}
	return domain.failed
}

// takeFailure hands out the first failure exactly once.
func (domain *Domain) takeFailure() error {
	domain.mu.Lock()
	defer domain.mu.Unlock()
	if domain.failure == nil || domain.reported {
		return nil
	}
	domain.reported = true
	return domain.failure
}

// TaskCount reports running non-background tasks.
func (domain *Domain) TaskCount() int {
	domain.mu.Lock()
	defer domain.mu.Unlock()
	count := 0
	for _, entry := range domain.tasks {
		if !entry.background {
			count++
		}
	}
	return count
}

// Wait joins non-background tasks in a loop until none remain, so tasks spawned
// while waiting are joined too.
func (domain *Domain) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		domain.mu.Lock()
		pending := make([]*task, 0, len(domain.tasks))
		for _, entry := range domain.tasks {
			if !entry.background {
				pending = append(pending, entry)
			}
		}
		domain.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, entry := range pending {
			select {
			case <-entry.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close refuses new tasks. Running tasks are not interrupted.
func (domain *Domain) Close() {
	domain.mu.Lock()
	domain.closed = true
	domain.mu.Unlock()
}
