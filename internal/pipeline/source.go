package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"livecode/internal/aggregator"
	"livecode/internal/compiler"
	"livecode/internal/event"
	"livecode/internal/hotswap"
	"livecode/internal/logging"
	"livecode/internal/metrics"
	"livecode/internal/watcher"
)

const (
	DefaultSourceExtension = ".java"
	DefaultUnitExtension   = ".class"

	outcomeOK      = "ok"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
	outcomeCompile = "compile_failed"
)

var ErrMissingCollaborator = errors.New("pipeline collaborator missing")

type SourceOptions struct {
	Name              string
	SourceRoots       []string
	OutputDir         string
	SourceExtension   string
	UnitExtension     string
	GeneratedPrefixes []string
	AlertOnFailure    bool

	Cache     Invalidator
	Analyzer  hotswap.Analyzer
	Compiler  compiler.Compiler
	Refresher Refresher
	Notifier  Notifier

	FS      afero.Fs
	Events  *event.Bus[StateChange]
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// SourcePipeline runs one pass per batch: Analyzing, Invalidating, Rebuilding,
// Refreshing, Notifying, then back to Idle. A failure at any step logs the cause and
// discards the batch. Invalidations already done are not rolled back.
type SourcePipeline struct {
	options SourceOptions
	roots   []string
	fs      afero.Fs
	logger  *logging.Logger
	tracker *tracker
}

// changes is the Analyzing result. Update and remove hold compiled file paths.
type changes struct {
	sources []string
	update  []string
	remove  []string
}

func (c changes) empty() bool {
	return len(c.update) == 0 && len(c.remove) == 0
}

func NewSource(options SourceOptions) (*SourcePipeline, error) {
	if options.Cache == nil || options.Analyzer == nil || options.Compiler == nil {
		return nil, fmt.Errorf("%w: cache, analyzer and compiler are required", ErrMissingCollaborator)
	}
	if options.Name == "" {
		options.Name = "sources"
	}
	if options.SourceExtension == "" {
		options.SourceExtension = DefaultSourceExtension
	}
	if options.UnitExtension == "" {
		options.UnitExtension = DefaultUnitExtension
	}
	fs := options.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	roots := make([]string, 0, len(options.SourceRoots))
	for _, root := range options.SourceRoots {
		roots = append(roots, filepath.Clean(root))
	}
	return &SourcePipeline{
		options: options,
		roots:   roots,
		fs:      fs,
		logger:  logger.With(map[string]string{"pipeline": options.Name}),
		tracker: &tracker{name: options.Name, events: options.Events},
	}, nil
}

func (pipeline *SourcePipeline) State() State {
	return pipeline.tracker.current()
}

// Pass adapts the pipeline to an aggregator. Errors are logged by Process.
func (pipeline *SourcePipeline) Pass(ctx context.Context) aggregator.Pass {
	return func(batch aggregator.Batch) {
		_ = pipeline.Process(ctx, batch)
	}
}

// Process runs one source pass. Batches without relevant source changes leave the
// pipeline Idle. An overflowed batch runs a full pass.
func (pipeline *SourcePipeline) Process(ctx context.Context, batch aggregator.Batch) error {
	started := time.Now()
	passID := uuid.NewString()
	logger := pipeline.logger.With(map[string]string{"pass": passID})

	pipeline.tracker.transition(passID, Analyzing, nil)
	found := pipeline.analyzeEvents(logger, batch.Events)
	if found.empty() && !batch.Overflowed {
		pipeline.tracker.transition(passID, Idle, nil)
		pipeline.options.Metrics.RecordPipelinePass(pipeline.options.Name, outcomeSkipped, time.Since(started))
		return nil
	}

	if batch.Overflowed {
		logger.Warn("file events were dropped, running a full refresh", nil)
	} else {
		logger.Info("source change(s) detected", map[string]string{
			"updated": strconv.Itoa(len(found.update)),
			"removed": strconv.Itoa(len(found.remove)),
		})
	}

	err := pipeline.run(ctx, logger, passID, found, batch.Overflowed)
	duration := time.Since(started)
	if err != nil {
		pipeline.reportFailure(logger, err)
		pipeline.tracker.transition(passID, Idle, err)
		pipeline.options.Metrics.RecordPipelinePass(pipeline.options.Name, failureOutcome(err), duration)
		return err
	}
	pipeline.tracker.transition(passID, Idle, nil)
	pipeline.options.Metrics.RecordPipelinePass(pipeline.options.Name, outcomeOK, duration)
	logger.Info("refresh complete", map[string]string{"duration": duration.Round(time.Millisecond).String()})
	return nil
}

func (pipeline *SourcePipeline) run(ctx context.Context, logger *logging.Logger, passID string, found changes, full bool) error {
	cache := pipeline.options.Cache

	pipeline.tracker.transition(passID, Invalidating, nil)
	if full {
		cache.InvalidateAll()
	} else {
		pipeline.invalidate(logger, found.remove, "removed")
		if err := pipeline.removeCompiled(logger, found.remove); err != nil {
			return err
		}
		pipeline.invalidate(logger, found.update, "changed")
	}
	for _, prefix := range pipeline.options.GeneratedPrefixes {
		cache.InvalidateByPrefix(prefix)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	pipeline.tracker.transition(passID, Rebuilding, nil)
	result, err := pipeline.options.Compiler.Compile(ctx, compiler.Request{
		SourceRoots: pipeline.roots,
		OutputDir:   pipeline.options.OutputDir,
		Changed:     found.sources,
	})
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	logger.Debug("compilation finished", map[string]string{"duration": result.Duration.String()})
	// Units resolved while the compiler ran may have cached the old bytes.
	if full {
		cache.InvalidateAll()
	} else {
		pipeline.invalidate(logger, found.update, "rebuilt")
	}

	pipeline.tracker.transition(passID, Refreshing, nil)
	if pipeline.options.Refresher != nil {
		if err := pipeline.options.Refresher.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
	}

	pipeline.tracker.transition(passID, Notifying, nil)
	if pipeline.options.Notifier != nil {
		pipeline.options.Notifier.NotifyChange("/")
	}
	return nil
}

// analyzeEvents maps source events to compiled files.
func (pipeline *SourcePipeline) analyzeEvents(logger *logging.Logger, events []watcher.FileEvent) changes {
	var found changes
	update := make(map[string]struct{})
	remove := make(map[string]struct{})
	for _, fileEvent := range events {
		compiled, ok := pipeline.compiledPath(fileEvent.Path)
		if !ok {
			continue
		}
		logger.Debug("source "+fileEvent.Kind.String(), map[string]string{"path": fileEvent.Path})
		found.sources = append(found.sources, fileEvent.Path)
		switch fileEvent.Kind {
		case watcher.Created, watcher.Modified:
			update[compiled] = struct{}{}
		case watcher.Deleted:
			remove[compiled] = struct{}{}
		}
	}
	found.update = sortedKeys(update)
	found.remove = sortedKeys(remove)
	return found
}

// compiledPath maps <root>/com/acme/Foo.java to <output>/com/acme/Foo.class.
func (pipeline *SourcePipeline) compiledPath(path string) (string, bool) {
	path = filepath.Clean(path)
	if !strings.HasSuffix(path, pipeline.options.SourceExtension) {
		return "", false
	}
	for _, root := range pipeline.roots {
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		relative := strings.TrimSuffix(path[len(root)+1:], pipeline.options.SourceExtension)
		return filepath.Join(pipeline.options.OutputDir, relative+pipeline.options.UnitExtension), true
	}
	return "", false
}

// invalidate analyzes the compiled files that exist and invalidates the names they
// define. Analysis failure invalidates everything.
func (pipeline *SourcePipeline) invalidate(logger *logging.Logger, files []string, reason string) {
	present := pipeline.existing(files)
	if len(present) == 0 {
		return
	}
	names, err := hotswap.AnalyzeAll(pipeline.options.Analyzer, present)
	if err != nil {
		logger.Info("cannot detect "+reason+" units, invalidating all units", map[string]string{"error": err.Error()})
		pipeline.options.Cache.InvalidateAll()
		return
	}
	dropped := pipeline.options.Cache.Invalidate(names...)
	logger.Debug("units invalidated", map[string]string{
		"reason":  reason,
		"units":   strconv.Itoa(len(names)),
		"dropped": strconv.Itoa(dropped),
	})
}

func (pipeline *SourcePipeline) existing(files []string) []string {
	var present []string
	for _, file := range files {
		info, err := pipeline.fs.Stat(file)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		present = append(present, file)
	}
	return present
}

// removeCompiled deletes the compiled files of removed sources along with their
// nested siblings (Foo$Bar.class).
func (pipeline *SourcePipeline) removeCompiled(logger *logging.Logger, files []string) error {
	for _, file := range files {
		base := strings.TrimSuffix(file, pipeline.options.UnitExtension)
		siblings, err := afero.Glob(pipeline.fs, base+"$*"+pipeline.options.UnitExtension)
		if err != nil {
			return fmt.Errorf("list nested units of %s: %w", file, err)
		}
		for _, path := range append([]string{file}, siblings...) {
			if err := pipeline.fs.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("unable to remove compiled file %s: %w", path, err)
			}
			logger.Debug("compiled file removed", map[string]string{"path": path})
		}
	}
	return nil
}

func (pipeline *SourcePipeline) reportFailure(logger *logging.Logger, err error) {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		fields := map[string]string{"exit_code": strconv.Itoa(compileErr.ExitCode)}
		if output := strings.TrimSpace(compileErr.Output); output != "" {
			fields["output"] = output
		}
		logger.Warn("compilation failed, ignoring changes", fields)
		if pipeline.options.AlertOnFailure && pipeline.options.Notifier != nil {
			pipeline.options.Notifier.Alert(alertText(compileErr))
		}
		return
	}
	logger.Warn("an error occurred during application refresh, ignoring changes", map[string]string{"error": err.Error()})
}

func alertText(err *compiler.CompileError) string {
	output := strings.TrimSpace(err.Output)
	if output == "" {
		return err.Error()
	}
	return err.Error() + "\n\n" + output
}

func failureOutcome(err error) string {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return outcomeCompile
	}
	return outcomeFailed
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
