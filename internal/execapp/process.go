// Package execapp runs the developed application as an external command and
// refreshes it in place, by signal or by restart.
package execapp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livecode/internal/buffer"
	"livecode/internal/logging"
	"livecode/internal/process"
	"livecode/internal/supervisor"
)

type RefreshMode string

const (
	RefreshSignal  RefreshMode = "signal"
	RefreshRestart RefreshMode = "restart"

	defaultStopTimeout = 5 * time.Second
	recentOutputLines  = 20
)

var (
	ErrNoCommand      = errors.New("no application command configured")
	ErrNotStarted     = errors.New("application process not started")
	ErrAlreadyStarted = errors.New("application process already started")
	ErrExited         = errors.New("application process exited")
	ErrNotReady       = errors.New("application did not become ready")
	errStopTimeout    = errors.New("stop timeout")
)

func ParseRefreshMode(value string) (RefreshMode, error) {
	switch RefreshMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", RefreshSignal:
		return RefreshSignal, nil
	case RefreshRestart:
		return RefreshRestart, nil
	default:
		return "", fmt.Errorf("unknown refresh mode %q", value)
	}
}

type Options struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// ReadyPattern is matched against every output line. Empty means ready as soon as
	// the process started.
	ReadyPattern  string
	ReadyTimeout  time.Duration
	RefreshMode   RefreshMode
	RefreshSignal os.Signal
	// Terminal runs the command under a pseudo-terminal, falling back to pipes where
	// none is available.
	Terminal    bool
	StopTimeout time.Duration
	Output      io.Writer
	Registry    *process.Registry
	Logger      *logging.Logger
}

// Process implements supervisor.Application for an external command.
type Process struct {
	options  Options
	ready    *regexp.Regexp
	registry *process.Registry
	logger   *logging.Logger

	mu      sync.Mutex
	args    []string
	current *run
	waiting chan struct{}

	outputMu sync.Mutex
}

type run struct {
	cmd         *exec.Cmd
	pid         int
	output      io.ReadCloser
	done        chan struct{}
	err         error
	expected    atomic.Bool
	closeOutput sync.Once
	stopTimeout time.Duration
	recent      *buffer.Lines
}

func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// wait is the registry's exit hook. It gives up after the stop timeout so the
// registry can escalate to a kill.
func (r *run) wait(ctx context.Context) error {
	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
		return errStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failure wraps ErrExited with the exit status and the last lines the process printed.
func (r *run) failure(message string) error {
	if r.err != nil {
		message += ": " + r.err.Error()
	}
	err := &exitError{message: message}
	if tail := r.recent.String(); tail != "" {
		err.message += "\nlast output:\n" + tail
	}
	return err
}

type exitError struct {
	message string
}

func (e *exitError) Error() string {
	return e.message
}

func (e *exitError) Unwrap() error {
	return ErrExited
}

func (r *run) close() {
	r.closeOutput.Do(func() { _ = r.output.Close() })
}

func New(options Options) (*Process, error) {
	if strings.TrimSpace(options.Command) == "" {
		return nil, ErrNoCommand
	}
	if options.RefreshMode == "" {
		options.RefreshMode = RefreshSignal
	}
	if options.RefreshSignal == nil {
		options.RefreshSignal = defaultRefreshSignal()
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = defaultStopTimeout
	}
	if options.Output == nil {
		options.Output = os.Stdout
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = process.NewRegistry(logger)
	}
	proc := &Process{
		options:  options,
		registry: registry,
		logger:   logger.With(map[string]string{"component": "app", "command": filepath.Base(options.Command)}),
	}
	if options.ReadyPattern != "" {
		pattern, err := regexp.Compile(options.ReadyPattern)
		if err != nil {
			return nil, fmt.Errorf("ready pattern: %w", err)
		}
		proc.ready = pattern
	}
	return proc, nil
}

// Start runs the command with args appended to the configured arguments and returns
// once it is ready.
func (proc *Process) Start(ctx context.Context, args []string) error {
	proc.mu.Lock()
	if proc.current != nil && !proc.current.exited() {
		proc.mu.Unlock()
		return ErrAlreadyStarted
	}
	proc.args = append(append([]string(nil), proc.options.Args...), args...)
	proc.mu.Unlock()
	return proc.launch(ctx)
}

// Refresh signals the process, or restarts it, and waits until it is ready again.
func (proc *Process) Refresh(ctx context.Context) error {
	current := proc.running()
	if current == nil {
		return ErrNotStarted
	}
	if proc.options.RefreshMode == RefreshRestart {
		if err := proc.stop(ctx, current); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		return proc.launch(ctx)
	}

	ready := proc.arm()
	proc.logger.Debug("signalling application", map[string]string{"signal": proc.options.RefreshSignal.String()})
	if err := proc.registry.Signal(current.pid, proc.options.RefreshSignal); err != nil {
		proc.disarm()
		return fmt.Errorf("signal application: %w", err)
	}
	return proc.awaitReady(ctx, current, ready)
}

// Shutdown stops the process group: SIGTERM first, a kill after the stop timeout.
func (proc *Process) Shutdown(ctx context.Context) error {
	current := proc.running()
	if current == nil {
		return nil
	}
	return proc.stop(ctx, current)
}

// PID returns the pid of the running process or 0.
func (proc *Process) PID() int {
	if current := proc.running(); current != nil {
		return current.pid
	}
	return 0
}

func (proc *Process) running() *run {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.current == nil || proc.current.exited() {
		return nil
	}
	return proc.current
}

func (proc *Process) launch(ctx context.Context) error {
	ready := proc.arm()
	current, err := proc.spawn()
	if err != nil {
		proc.disarm()
		return err
	}
	proc.watch(ctx, current)
	return proc.awaitReady(ctx, current, ready)
}

func (proc *Process) spawn() (*run, error) {
	proc.mu.Lock()
	args := append([]string(nil), proc.args...)
	proc.mu.Unlock()

	cmd := exec.Command(proc.options.Command, args...)
	cmd.Dir = proc.options.Dir
	cmd.Env = append(os.Environ(), proc.options.Env...)

	var (
		output io.ReadCloser
		err    error
	)
	if proc.options.Terminal {
		output, err = startTerminal(cmd)
		if errors.Is(err, errPtyUnavailable) {
			proc.logger.Warn("pseudo-terminal unavailable, using pipes", nil)
			cmd = exec.Command(proc.options.Command, args...)
			cmd.Dir = proc.options.Dir
			cmd.Env = append(os.Environ(), proc.options.Env...)
			output, err = startPipes(cmd)
		}
	} else {
		output, err = startPipes(cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", proc.options.Command, err)
	}

	current := &run{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		output:      output,
		done:        make(chan struct{}),
		stopTimeout: proc.options.StopTimeout,
		recent:      buffer.NewLines(recentOutputLines),
	}
	proc.registry.Register(current.pid, process.GroupID(current.pid), filepath.Base(proc.options.Command), current.wait)
	proc.mu.Lock()
	proc.current = current
	proc.mu.Unlock()
	proc.logger.Info("application started", map[string]string{"pid": strconv.Itoa(current.pid)})

	go proc.pump(current)
	go func() {
		current.err = cmd.Wait()
		close(current.done)
	}()
	return current, nil
}

// watch tracks the process on a domain task so an unexpected exit fails the
// application and a clean one ends the session.
func (proc *Process) watch(ctx context.Context, current *run) {
	task := func(context.Context) error {
		<-current.done
		proc.registry.Unregister(current.pid)
		if current.expected.Load() {
			return nil
		}
		if current.err != nil {
			return current.failure(ErrExited.Error())
		}
		proc.logger.Info("application exited", map[string]string{"pid": strconv.Itoa(current.pid)})
		return nil
	}
	name := "process " + strconv.Itoa(current.pid)
	if domain, ok := supervisor.DomainFrom(ctx); ok {
		if err := domain.Go(ctx, name, task); err == nil {
			return
		}
	}
	go func() { _ = task(ctx) }()
}

func (proc *Process) stop(ctx context.Context, current *run) error {
	current.expected.Store(true)
	defer current.close()
	if err := proc.registry.Stop(ctx, current.pid); err != nil && !current.exited() {
		return err
	}
	select {
	case <-current.done:
		proc.logger.Info("application stopped", map[string]string{"pid": strconv.Itoa(current.pid)})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (proc *Process) arm() chan struct{} {
	if proc.ready == nil {
		return nil
	}
	ready := make(chan struct{})
	proc.mu.Lock()
	proc.waiting = ready
	proc.mu.Unlock()
	return ready
}

func (proc *Process) disarm() {
	proc.mu.Lock()
	proc.waiting = nil
	proc.mu.Unlock()
}

func (proc *Process) awaitReady(ctx context.Context, current *run, ready chan struct{}) error {
	if ready == nil {
		return nil
	}
	var timeout <-chan time.Time
	if proc.options.ReadyTimeout > 0 {
		timer := time.NewTimer(proc.options.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ready:
		proc.logger.Info("application ready", map[string]string{"pid": strconv.Itoa(current.pid)})
		return nil
	case <-current.done:
		proc.disarm()
		return current.failure(ErrExited.Error() + " before becoming ready")
	case <-timeout:
		proc.disarm()
		return fmt.Errorf("%w within %s", ErrNotReady, proc.options.ReadyTimeout)
	case <-ctx.Done():
		proc.disarm()
		return ctx.Err()
	}
}

// pump copies output to the configured writer and watches for the ready pattern.
// Partial lines are matched too so prompts without a newline are seen.
func (proc *Process) pump(current *run) {
	defer current.close()
	reader := bufio.NewReader(current.output)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			proc.outputMu.Lock()
			_, _ = io.WriteString(proc.options.Output, line)
			proc.outputMu.Unlock()
			current.recent.Add(line)
			proc.match(line)
		}
		if err != nil {
			return
		}
	}
}

func (proc *Process) match(line string) {
	if proc.ready == nil || !proc.ready.MatchString(strings.TrimRight(line, "\r\n")) {
		return
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.waiting != nil {
		close(proc.waiting)
		proc.waiting = nil
	}
}
