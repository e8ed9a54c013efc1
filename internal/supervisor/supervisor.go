// Package supervisor runs the application under development inside an isolation
// domain and gives the live coding loop a blocking Launch and Refresh.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"livecode/internal/logging"
)

// Application is the program being developed.
//
// Start returns once the application is up; long running work belongs on tasks
// spawned through DomainFrom(ctx). Refresh is called after units were invalidated and
// recompiled. Shutdown stops the application.
type Application interface {
	Start(ctx context.Context, args []string) error
	Refresh(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

const abandonTimeout = 5 * time.Second

// Handle is the running application with its launch context and domain.
type Handle struct {
	App       Application
	Args      []string
	Context   context.Context
	Domain    *Domain
	StartedAt time.Time
	cancel    context.CancelFunc
}

type Supervisor struct {
	logger *logging.Logger

	mu     sync.Mutex
	handle *Handle

	refreshMu sync.Mutex
}

func New(logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Supervisor{logger: logger.With(map[string]string{"component": "supervisor"})}
}

// Launch starts app on a fresh domain and blocks until Start returned or the domain
// captured a failure. Values of ctx stay visible to every later Refresh.
func (supervisor *Supervisor) Launch(ctx context.Context, app Application, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	supervisor.mu.Lock()
	if supervisor.handle != nil {
		supervisor.mu.Unlock()
		return ErrAlreadyLaunched
	}
	domain := NewDomain("application", supervisor.logger)
	launchCtx, cancel := context.WithCancel(WithDomain(ctx, domain))
	handle := &Handle{
		App:       app,
		Args:      append([]string(nil), args...),
		Context:   launchCtx,
		Domain:    domain,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	supervisor.handle = handle
	supervisor.mu.Unlock()

	supervisor.logger.Info("launching application", map[string]string{"args": strings.Join(args, " ")})
	started := make(chan error, 1)
	if err := domain.Go(launchCtx, "start", func(taskCtx context.Context) error {
		started <- app.Start(taskCtx, handle.Args)
		return nil
	}); err != nil {
		supervisor.abandon(ctx, handle)
		return &ApplicationError{Phase: PhaseStart, Err: err}
	}
	if err := supervisor.rendezvous(ctx, PhaseStart, domain, started); err != nil {
		supervisor.abandon(ctx, handle)
		return err
	}
	return nil
}

// abandon tears down a launch whose start failed and frees the supervisor for
// another Launch.
func (supervisor *Supervisor) abandon(ctx context.Context, handle *Handle) {
	handle.cancel()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := handle.App.Shutdown(WithDomain(stopCtx, handle.Domain)); err != nil {
		supervisor.logger.Warn("cleanup after failed start", map[string]string{"error": err.Error()})
	}
	handle.Domain.Close()

	supervisor.mu.Lock()
	if supervisor.handle == handle {
		supervisor.handle = nil
	}
	supervisor.mu.Unlock()
}

// Refresh runs the application refresh on a short-lived worker of the domain using
// the launch context and blocks until it finished or the domain failed. There is
// no timeout besides ctx.
func (supervisor *Supervisor) Refresh(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	handle := supervisor.Handle()
	if handle == nil {
		return ErrNotLaunched
	}
	supervisor.refreshMu.Lock()
	defer supervisor.refreshMu.Unlock()

	if err := handle.Domain.takeFailure(); err != nil {
		return &ApplicationError{Phase: PhaseRun, Err: err}
	}
	done := make(chan error, 1)
	if err := handle.Domain.Go(handle.Context, "refresh", func(taskCtx context.Context) error {
		done <- handle.App.Refresh(taskCtx)
		return nil
	}); err != nil {
		return &ApplicationError{Phase: PhaseRefresh, Err: err}
	}
	return supervisor.rendezvous(ctx, PhaseRefresh, handle.Domain, done)
}

func (supervisor *Supervisor) rendezvous(ctx context.Context, phase string, domain *Domain, result <-chan error) error {
	select {
	case err := <-result:
		if err != nil {
			return &ApplicationError{Phase: phase, Err: err}
		}
		if failure := domain.takeFailure(); failure != nil {
			return &ApplicationError{Phase: phase, Err: failure}
		}
		return nil
	case <-domain.pendingFailure():
		return &ApplicationError{Phase: phase, Err: domain.takeFailure()}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown asks the application to stop and cancels its launch context.
func (supervisor *Supervisor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	handle := supervisor.Handle()
	if handle == nil {
		return ErrNotLaunched
	}
	supervisor.logger.Info("shutting down application", nil)
	err := handle.App.Shutdown(WithDomain(ctx, handle.Domain))
	handle.cancel()
	if err != nil {
		return &ApplicationError{Phase: PhaseShutdown, Err: err}
	}
	return nil
}

// WaitForShutdown joins the domain's non-background tasks until none remain and
// returns a failure the application hit meanwhile.
func (supervisor *Supervisor) WaitForShutdown(ctx context.Context) error {
	handle := supervisor.Handle()
	if handle == nil {
		return ErrNotLaunched
	}
	if err := handle.Domain.Wait(ctx); err != nil {
		return err
	}
	handle.Domain.Close()
	if failure := handle.Domain.takeFailure(); failure != nil {
		return &ApplicationError{Phase: PhaseRun, Err: failure}
	}
	return nil
}

// Failed is closed when the application hit a failure nobody has been told about yet.
func (supervisor *Supervisor) Failed() <-chan struct{} {
	handle := supervisor.Handle()
	if handle == nil {
		return nil
	}
	return handle.Domain.pendingFailure()
}

// TakeFailure returns the pending application failure, once.
func (supervisor *Supervisor) TakeFailure() error {
	handle := supervisor.Handle()
	if handle == nil {
		return nil
	}
	if failure := handle.Domain.takeFailure(); failure != nil {
		return &ApplicationError{Phase: PhaseRun, Err: failure}
	}
	return nil
}

func (supervisor *Supervisor) Handle() *Handle {
	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()
	return supervisor.handle
}
