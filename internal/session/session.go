// Package session wires watchers, aggregators, pipelines, the application supervisor
// and the LiveReload server into one running live coding loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"livecode/internal/aggregator"
	"livecode/internal/compiler"
	"livecode/internal/config"
	"livecode/internal/console"
	"livecode/internal/event"
	"livecode/internal/execapp"
	"livecode/internal/hotswap"
	"livecode/internal/livereload"
	"livecode/internal/logging"
	"livecode/internal/metrics"
	"livecode/internal/pipeline"
	"livecode/internal/process"
	"livecode/internal/reconcile"
	"livecode/internal/supervisor"
	"livecode/internal/watcher"
)

const defaultShutdownTimeout = 10 * time.Second

type Options struct {
	Config  config.Config
	Args    []string
	Logger  *logging.Logger
	Console *console.Console
	Metrics *metrics.Registry
	FS      afero.Fs
	// Compiler and App replace the collaborators built from the configured commands.
	Compiler        compiler.Compiler
	App             supervisor.Application
	ShutdownTimeout time.Duration
}

type Session struct {
	cfg             config.Config
	args            []string
	logger          *logging.Logger
	console         *console.Console
	metrics         *metrics.Registry
	fs              afero.Fs
	shutdownTimeout time.Duration

	processes   *process.Registry
	cache       *hotswap.Cache
	hotPrefixes []string
	supervisor  *supervisor.Supervisor
	app         supervisor.Application
	reload      *livereload.Server
	events      *event.Bus[pipeline.StateChange]
	sources     *pipeline.SourcePipeline
	resources   *pipeline.ResourcePipeline

	sourcePolicy   aggregator.Policy
	resourcePolicy aggregator.Policy
}

func New(options Options) (*Session, error) {
	cfg := options.Config
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	fs := options.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	shutdownTimeout := options.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	session := &Session{
		cfg:             cfg,
		args:            append([]string(nil), options.Args...),
		logger:          logger,
		console:         options.Console,
		metrics:         options.Metrics,
		fs:              fs,
		shutdownTimeout: shutdownTimeout,
		processes:       process.NewRegistry(logger),
		supervisor:      supervisor.New(logger),
	}

	var err error
	if session.sourcePolicy, err = aggregator.ParsePolicy(cfg.Aggregation.SourcePolicy); err != nil {
		return nil, err
	}
	if session.resourcePolicy, err = aggregator.ParsePolicy(cfg.Aggregation.ResourcePolicy); err != nil {
		return nil, err
	}

	session.hotPrefixes = append([]string(nil), cfg.HotPrefixes...)
	if cfg.DiscoverHotPrefixes {
		discovered, err := hotswap.DiscoverBasePackages(fs, cfg.ResourceDirectories())
		if err != nil {
			logger.Warn("base package discovery failed", map[string]string{"error": err.Error()})
		} else if len(discovered) > 0 {
			logger.Info("hot prefixes discovered", map[string]string{"prefixes": strings.Join(discovered, ",")})
			session.hotPrefixes = append(session.hotPrefixes, discovered...)
		}
	}
	session.cache = hotswap.NewCache(hotswap.Options{
		Locator:     hotswap.DirLocator{Roots: []string{cfg.OutputDir}, Extension: cfg.UnitExtension, FS: fs},
		FS:          fs,
		HotPrefixes: session.hotPrefixes,
		Logger:      logger,
		Metrics:     options.Metrics,
	})

	session.app = options.App
	if session.app == nil {
		if session.app, err = newProcessApp(cfg, session.processes, options.Console, logger); err != nil {
			return nil, err
		}
	}
	build := options.Compiler
	if build == nil {
		build = &compiler.CommandCompiler{
			Command: cfg.Compiler.Command,
			Dir:     cfg.App.Dir,
			Logger:  logger,
			Metrics: options.Metrics,
		}
	}

	var notifier pipeline.Notifier
	if cfg.LiveReload.Enabled {
		session.reload = livereload.NewServer(livereload.Options{
			Host:    cfg.LiveReload.Host,
			Port:    cfg.LiveReload.Port,
			Logger:  logger,
			Metrics: options.Metrics,
		})
		notifier = session.reload
	}

	session.events = pipeline.NewEventBus(context.Background(), options.Metrics)
	session.sources, err = pipeline.NewSource(pipeline.SourceOptions{
		SourceRoots:       cfg.SourceRoots,
		OutputDir:         cfg.OutputDir,
		SourceExtension:   cfg.SourceExtension,
		UnitExtension:     cfg.UnitExtension,
		GeneratedPrefixes: cfg.GeneratedPrefixes,
		AlertOnFailure:    cfg.LiveReload.AlertOnFailure,
		Cache:             session.cache,
		Analyzer:          newAnalyzer(cfg, fs),
		Compiler:          build,
		Refresher:         session.supervisor,
		Notifier:          notifier,
		FS:                fs,
		Events:            session.events,
		Logger:            logger,
		Metrics:           options.Metrics,
	})
	if err != nil {
		return nil, err
	}
	roots := make([]pipeline.ResourceRoot, 0, len(cfg.ResourceRoots))
	for _, root := range cfg.ResourceRoots {
		roots = append(roots, pipeline.ResourceRoot{Directory: root.Directory, TargetPath: root.TargetPath})
	}
	session.resources = pipeline.NewResource(pipeline.ResourceOptions{
		Roots:       roots,
		OutputDir:   cfg.OutputDir,
		SettleDelay: settleDelay(cfg.Resources.ConfigSettleDelay),
		Notifier:    notifier,
		FS:          fs,
		Events:      session.events,
		Logger:      logger,
		Metrics:     options.Metrics,
	})
	return session, nil
}

func newAnalyzer(cfg config.Config, fs afero.Fs) hotswap.Analyzer {
	if strings.EqualFold(cfg.Analyzer, "path") {
		return hotswap.PathAnalyzer{Roots: []string{cfg.OutputDir}, Extension: cfg.UnitExtension}
	}
	return hotswap.ClassFileAnalyzer{FS: fs}
}

func newProcessApp(cfg config.Config, registry *process.Registry, out *console.Console, logger *logging.Logger) (*execapp.Process, error) {
	mode, err := execapp.ParseRefreshMode(cfg.App.RefreshMode)
	if err != nil {
		return nil, err
	}
	sig, err := execapp.ParseSignal(cfg.App.RefreshSignal)
	if err != nil {
		return nil, err
	}
	options := execapp.Options{
		Command:       cfg.App.Command,
		Args:          cfg.App.Args,
		Dir:           cfg.App.Dir,
		Env:           cfg.App.Env,
		ReadyPattern:  cfg.App.ReadyPattern,
		ReadyTimeout:  cfg.App.ReadyTimeout,
		RefreshMode:   mode,
		RefreshSignal: sig,
		Terminal:      cfg.App.Terminal,
		StopTimeout:   cfg.App.StopTimeout,
		Registry:      registry,
		Logger:        logger,
	}
	if out != nil {
		options.Output = out
	}
	return execapp.New(options)
}

// A zero settle delay in the configuration means no wait.
func settleDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return -1
	}
	return delay
}

// Cache exposes the unit cache, mainly to in-process applications and tests.
func (session *Session) Cache() *hotswap.Cache {
	return session.cache
}

// Events returns the bus carrying pipeline state changes.
func (session *Session) Events() *event.Bus[pipeline.StateChange] {
	return session.events
}

// LiveReloadAddr returns the bound LiveReload address once running.
func (session *Session) LiveReloadAddr() string {
	if session.reload == nil {
		return ""
	}
	return session.reload.Addr()
}

// Run watches, launches the application and processes changes until ctx is done,
// a watcher fails for good, or the application fails or exits.
func (session *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if session.reload != nil {
		if err := session.reload.Start(); err != nil {
			session.events.Close()
			return fmt.Errorf("start livereload: %w", err)
		}
	}

	sourceAggregator := aggregator.New(session.sources.Pass(runCtx), aggregator.Options{
		Name:        "sources",
		Policy:      session.sourcePolicy,
		QuietPeriod: session.cfg.Aggregation.QuietPeriod,
		Capacity:    session.cfg.Aggregation.Capacity,
		Logger:      session.logger,
		Metrics:     session.metrics,
	})
	resourceAggregator := aggregator.New(session.resources.Pass(runCtx), aggregator.Options{
		Name:        "resources",
		Policy:      session.resourcePolicy,
		QuietPeriod: session.cfg.Aggregation.QuietPeriod,
		Capacity:    session.cfg.Aggregation.Capacity,
		Logger:      session.logger,
		Metrics:     session.metrics,
	})

	loops := []*loop{
		{name: "sources", roots: session.cfg.SourceRoots, digests: session.cfg.Watch.ContentDigests, aggregator: sourceAggregator},
		{name: "resources", roots: session.cfg.ResourceDirectories(), digests: true, aggregator: resourceAggregator},
	}
	shutdown := newShutdownCoordinator(session.logger)
	defer func() {
		for _, l := range loops {
			l.close()
		}
	}()
	for _, l := range loops {
		if err := session.startLoop(runCtx, cancel, l); err != nil {
			session.stopEarly(loops)
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	for _, l := range loops {
		w := l.watcher
		group.Go(func() error {
			if err := w.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				cancel(err)
				return err
			}
			return nil
		})
	}
	changes, unsubscribe := session.events.Subscribe()
	go session.logTransitions(changes)
	failures, unsubscribeFailures := session.events.SubscribeFiltered(failedPass)
	go session.reportFailedPasses(failures)

	shutdown.Add("watchers", func(context.Context) error {
		for _, l := range loops {
			l.close()
		}
		return group.Wait()
	})
	shutdown.Add("reconcilers", func(context.Context) error {
		for _, l := range loops {
			l.reconciler.Stop()
		}
		return nil
	})
	shutdown.Add("aggregators", func(context.Context) error {
		sourceAggregator.Stop()
		resourceAggregator.Stop()
		return nil
	})
	shutdown.Add("application", func(ctx context.Context) error {
		if err := session.supervisor.Shutdown(ctx); err != nil && !errors.Is(err, supervisor.ErrNotLaunched) {
			return err
		}
		return nil
	})
	shutdown.Add("processes", session.processes.StopAll)
	if session.reload != nil {
		shutdown.Add("livereload", session.reload.Shutdown)
	}
	shutdown.Add("events", func(context.Context) error {
		unsubscribe()
		unsubscribeFailures()
		session.events.Close()
		return nil
	})

	result := session.launchAndWait(runCtx, ctx)

	cancel(nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), session.shutdownTimeout)
	defer shutdownCancel()
	return errors.Join(result, shutdown.Run(shutdownCtx))
}

func (session *Session) launchAndWait(runCtx, parent context.Context) error {
	launchCtx := hotswap.WithResolver(runCtx, session.cache)
	if err := session.supervisor.Launch(launchCtx, session.app, session.args); err != nil {
		if parent.Err() != nil {
			return nil
		}
		return err
	}
	session.printSummary()

	exited := make(chan error, 1)
	go func() {
		exited <- session.supervisor.WaitForShutdown(runCtx)
	}()

	for {
		select {
		case <-runCtx.Done():
			if parent.Err() != nil {
				return nil
			}
			return context.Cause(runCtx)
		case <-session.supervisor.Failed():
			// A refresh may have reported the failure first.
			if err := session.supervisor.TakeFailure(); err != nil {
				return err
			}
		case err := <-exited:
			if runCtx.Err() != nil {
				continue
			}
			if err == nil {
				session.logger.Info("application exited", nil)
			}
			return err
		}
	}
}

type loop struct {
	name       string
	roots      []string
	digests    bool
	aggregator *aggregator.Aggregator
	watcher    *watcher.Watcher
	reconciler *reconcile.Reconciler
}

func (l *loop) close() {
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
}

func (session *Session) startLoop(ctx context.Context, fail context.CancelCauseFunc, l *loop) error {
	reconciler, err := reconcile.New(reconcile.Options{
		Name:     l.name,
		Roots:    l.roots,
		Schedule: session.cfg.Watch.ReconcileSchedule,
		Listener: l.aggregator,
		FS:       session.fs,
		Logger:   session.logger,
	})
	if err != nil {
		return err
	}
	l.reconciler = reconciler

	l.watcher, err = watcher.NewWithOptions(watcher.Options{
		Name:           l.name,
		Logger:         session.logger,
		Metrics:        session.metrics,
		Listener:       reconciler.Listener(l.aggregator),
		Debounce:       session.cfg.Watch.Debounce,
		MaxWatches:     session.cfg.Watch.MaxWatches,
		ContentDigests: l.digests,
		ErrorHandler: func(err error) {
			fail(fmt.Errorf("%s watcher: %w", l.name, err))
		},
		OverflowHandler: reconciler.Trigger,
	})
	if err != nil {
		return fmt.Errorf("create %s watcher: %w", l.name, err)
	}

	for _, root := range l.roots {
		if _, err := session.fs.Stat(root); err != nil && os.IsNotExist(err) {
			session.logger.Warn("watch root does not exist, skipping", map[string]string{"watcher": l.name, "path": root})
			continue
		}
		if err := l.watcher.WatchRecursively(root); err != nil {
			return fmt.Errorf("%s watcher: %w", l.name, err)
		}
	}
	if err := reconciler.Baseline(); err != nil {
		return fmt.Errorf("%s baseline: %w", l.name, err)
	}
	return reconciler.Start(ctx)
}

func (session *Session) stopEarly(loops []*loop) {
	for _, l := range loops {
		if l.reconciler != nil {
			l.reconciler.Stop()
		}
		l.close()
		l.aggregator.Stop()
	}
	if session.reload != nil {
		ctx, cancel := context.WithTimeout(context.Background(), session.shutdownTimeout)
		defer cancel()
		_ = session.reload.Shutdown(ctx)
	}
	session.events.Close()
}

func (session *Session) logTransitions(changes <-chan pipeline.StateChange) {
	for change := range changes {
		fields := map[string]string{
			"pipeline": change.Pipeline,
			"pass":     change.PassID,
			"from":     change.From.String(),
			"to":       change.To.String(),
		}
		if change.Err != nil {
			fields["error"] = change.Err.Error()
		}
		session.logger.Debug("pipeline state changed", fields)
	}
}

func failedPass(change pipeline.StateChange) bool {
	return change.To == pipeline.Idle && change.Err != nil
}

// reportFailedPasses logs the steps a failed pass went through, taken from the
// bus history.
func (session *Session) reportFailedPasses(failures <-chan pipeline.StateChange) {
	for failure := range failures {
		session.logger.Warn("pass failed", map[string]string{
			"pipeline": failure.Pipeline,
			"pass":     failure.PassID,
			"steps":    passSteps(session.events.DumpHistory(), failure.PassID),
			"error":    failure.Err.Error(),
		})
	}
}

func passSteps(history []pipeline.StateChange, passID string) string {
	steps := make([]string, 0, len(history))
	for _, change := range history {
		if change.PassID != passID {
			continue
		}
		if len(steps) == 0 {
			steps = append(steps, change.From.String())
		}
		steps = append(steps, change.To.String())
	}
	return strings.Join(steps, " > ")
}
