package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"livecode/internal/aggregator"
	"livecode/internal/event"
	"livecode/internal/logging"
	"livecode/internal/metrics"
	"livecode/internal/watcher"
)

const DefaultConfigSettleDelay = 2 * time.Second

var configFileNames = map[string]struct{}{
	"application.yaml":                {},
	"application.override.yaml":       {},
	"application.json":                {},
	"application.override.json":       {},
	"application.properties":          {},
	"application.override.properties": {},
}

// ResourceRoot is a resource directory copied below the output directory, optionally
// under TargetPath.
type ResourceRoot struct {
	Directory  string
	TargetPath string
}

type ResourceOptions struct {
	Name      string
	Roots     []ResourceRoot
	OutputDir string
	// SettleDelay is how long a changed configuration file gets to be noticed by the
	// application before browsers reload. Negative disables the wait.
	SettleDelay time.Duration
	Notifier    Notifier

	FS      afero.Fs
	Events  *event.Bus[StateChange]
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// ResourcePipeline mirrors resource changes into the output directory and reloads
// browsers.
type ResourcePipeline struct {
	options ResourceOptions
	roots   []ResourceRoot
	fs      afero.Fs
	logger  *logging.Logger
	tracker *tracker
	sleep   func(ctx context.Context, delay time.Duration)
}

func NewResource(options ResourceOptions) *ResourcePipeline {
	if options.Name == "" {
		options.Name = "resources"
	}
	if options.SettleDelay == 0 {
		options.SettleDelay = DefaultConfigSettleDelay
	}
	fs := options.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	roots := make([]ResourceRoot, 0, len(options.Roots))
	for _, root := range options.Roots {
		roots = append(roots, ResourceRoot{Directory: filepath.Clean(root.Directory), TargetPath: root.TargetPath})
	}
	return &ResourcePipeline{
		options: options,
		roots:   roots,
		fs:      fs,
		logger:  logger.With(map[string]string{"pipeline": options.Name}),
		tracker: &tracker{name: options.Name, events: options.Events},
		sleep:   sleepContext,
	}
}

func (pipeline *ResourcePipeline) State() State {
	return pipeline.tracker.current()
}

func (pipeline *ResourcePipeline) Pass(ctx context.Context) aggregator.Pass {
	return func(batch aggregator.Batch) {
		_ = pipeline.Process(ctx, batch)
	}
}

// Process removes deleted resources from the output, copies created and modified ones
// and reloads browsers. An overflowed batch recopies every resource root.
func (pipeline *ResourcePipeline) Process(ctx context.Context, batch aggregator.Batch) error {
	started := time.Now()
	passID := uuid.NewString()
	logger := pipeline.logger.With(map[string]string{"pass": passID})

	pipeline.tracker.transition(passID, Analyzing, nil)
	if len(batch.Events) == 0 && !batch.Overflowed {
		pipeline.tracker.transition(passID, Idle, nil)
		pipeline.options.Metrics.RecordPipelinePass(pipeline.options.Name, outcomeSkipped, time.Since(started))
		return nil
	}
	logger.Info("resource change(s) detected", map[string]string{"events": strconv.Itoa(len(batch.Events))})

	err := pipeline.run(ctx, logger, passID, batch)
	duration := time.Since(started)
	if err != nil {
		logger.Warn("an error occurred during resource copy, ignoring resource changes", map[string]string{"error": err.Error()})
		pipeline.tracker.transition(passID, Idle, err)
		pipeline.options.Metrics.RecordPipelinePass(pipeline.options.Name, outcomeFailed, duration)
		return err
	}
	pipeline.tracker.transition(passID, Idle, nil)
	pipeline.options.Metrics.RecordPipelinePass(pipeline.options.Name, outcomeOK, duration)
	return nil
}

func (pipeline *ResourcePipeline) run(ctx context.Context, logger *logging.Logger, passID string, batch aggregator.Batch) error {
	configChanged := batch.Overflowed

	pipeline.tracker.transition(passID, Rebuilding, nil)
	if batch.Overflowed {
		for _, root := range pipeline.roots {
			if err := pipeline.copyTree(root); err != nil {
				return err
			}
		}
	}
	for _, fileEvent := range batch.Events {
		if isConfigFile(fileEvent.Path) {
			configChanged = true
		}
		target, ok := pipeline.targetPath(fileEvent.Path)
		if !ok {
			continue
		}
		switch fileEvent.Kind {
		case watcher.Deleted:
			logger.Info("deleting missing resource", map[string]string{"path": target})
			if err := pipeline.fs.Remove(target); err != nil && !os.IsNotExist(err) {
				logger.Warn("unable to delete resource", map[string]string{"path": target, "error": err.Error()})
			}
		case watcher.Created, watcher.Modified:
			if err := pipeline.copyFile(fileEvent.Path, target); err != nil {
				return err
			}
			logger.Debug("resource updated", map[string]string{"path": target})
		}
	}

	if configChanged && pipeline.options.SettleDelay > 0 {
		logger.Info("a configuration file has changed, waiting for the application to notice it", map[string]string{
			"delay": pipeline.options.SettleDelay.String(),
		})
		pipeline.sleep(ctx, pipeline.options.SettleDelay)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pipeline.tracker.transition(passID, Notifying, nil)
	if pipeline.options.Notifier != nil {
		pipeline.options.Notifier.NotifyChange("/")
	}
	return nil
}

// targetPath maps a file below a resource root to its output location.
func (pipeline *ResourcePipeline) targetPath(path string) (string, bool) {
	path = filepath.Clean(path)
	for _, root := range pipeline.roots {
		if !strings.HasPrefix(path, root.Directory+string(filepath.Separator)) {
			continue
		}
		relative := path[len(root.Directory)+1:]
		return filepath.Join(pipeline.options.OutputDir, root.TargetPath, relative), true
	}
	return "", false
}

func (pipeline *ResourcePipeline) copyTree(root ResourceRoot) error {
	return afero.Walk(pipeline.fs, root.Directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		target, ok := pipeline.targetPath(path)
		if !ok {
			return nil
		}
		return pipeline.copyFile(path, target)
	})
}

func (pipeline *ResourcePipeline) copyFile(source, target string) error {
	in, err := pipeline.fs.Open(source)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted again before the pass ran.
			return nil
		}
		return fmt.Errorf("open resource %s: %w", source, err)
	}
	defer in.Close()

	if err := pipeline.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create resource directory for %s: %w", target, err)
	}
	out, err := pipeline.fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create resource %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy resource %s: %w", source, err)
	}
	return out.Close()
}

func isConfigFile(path string) bool {
	if _, ok := configFileNames[filepath.Base(path)]; ok {
		return true
	}
	parent := filepath.ToSlash(filepath.Dir(path))
	return strings.HasSuffix(parent, "META-INF/configuration")
}

func sleepContext(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
