package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecode/internal/aggregator"
	"livecode/internal/compiler"
	"livecode/internal/hotswap"
	"livecode/internal/watcher"
)

const (
	sourceRoot = "/proj/src"
	outputDir  = "/proj/target/classes"
)

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
	prefixes    []string
	all         int
}

func (cache *recordingCache) Invalidate(names ...string) int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.invalidated = append(cache.invalidated, names...)
	return len(names)
}

func (cache *recordingCache) InvalidateByPrefix(prefix string) int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.prefixes = append(cache.prefixes, prefix)
	return 0
}

func (cache *recordingCache) InvalidateAll() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.all++
	return 0
}

type recordingApp struct {
	refreshes int
	err       error
}

func (app *recordingApp) Refresh(context.Context) error {
	app.refreshes++
	return app.err
}

type recordingNotifier struct {
	paths  []string
	alerts []string
}

func (notifier *recordingNotifier) NotifyChange(path string) int {
	notifier.paths = append(notifier.paths, path)
	return 1
}

func (notifier *recordingNotifier) Alert(message string) int {
	notifier.alerts = append(notifier.alerts, message)
	return 1
}

type analyzerFunc func(path string) ([]string, error)

func (fn analyzerFunc) Analyze(path string) ([]string, error) {
	return fn(path)
}

type fixture struct {
	fs       afero.Fs
	cache    *recordingCache
	app      *recordingApp
	notifier *recordingNotifier
	compiles []compiler.Request
	compile  func(fs afero.Fs) error
	pipeline *SourcePipeline
}

func newFixture(t *testing.T, configure func(*SourceOptions)) *fixture {
	t.Helper()
	f := &fixture{
		fs:       afero.NewMemMapFs(),
		cache:    &recordingCache{},
		app:      &recordingApp{},
		notifier: &recordingNotifier{},
	}
	options := SourceOptions{
		SourceRoots:       []string{sourceRoot},
		OutputDir:         outputDir,
		GeneratedPrefixes: []string{"com.acme.__generated"},
		Cache:             f.cache,
		Analyzer:          hotswap.PathAnalyzer{Roots: []string{outputDir}, Extension: ".class"},
		Compiler: compiler.Func(func(_ context.Context, request compiler.Request) (compiler.Result, error) {
			f.compiles = append(f.compiles, request)
			if f.compile != nil {
				return compiler.Result{}, f.compile(f.fs)
			}
			return compiler.Result{}, nil
		}),
		Refresher: f.app,
		Notifier:  f.notifier,
		FS:        f.fs,
	}
	if configure != nil {
		configure(&options)
	}
	pipeline, err := NewSource(options)
	require.NoError(t, err)
	f.pipeline = pipeline
	return f
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func batchOf(events ...watcher.FileEvent) aggregator.Batch {
	return aggregator.Batch{Events: events}
}

func TestSourceChangeEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.fs, "/proj/src/com/acme/Foo.java", "class Foo {}")
	writeFile(t, f.fs, "/proj/target/classes/com/acme/Foo.class", "old")

	err := f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"com.acme.Foo", "com.acme.Foo"}, f.cache.invalidated)
	assert.Equal(t, []string{"com.acme.__generated"}, f.cache.prefixes)
	assert.Zero(t, f.cache.all)
	require.Len(t, f.compiles, 1)
	assert.Equal(t, []string{sourceRoot}, f.compiles[0].SourceRoots)
	assert.Equal(t, outputDir, f.compiles[0].OutputDir)
	assert.Equal(t, []string{"/proj/src/com/acme/Foo.java"}, f.compiles[0].Changed)
	assert.Equal(t, 1, f.app.refreshes)
	assert.Equal(t, []string{"/"}, f.notifier.paths)
	assert.Equal(t, Idle, f.pipeline.State())
}

func TestCreatedSourceInvalidatedAfterBuild(t *testing.T) {
	f := newFixture(t, nil)
	f.compile = func(fs afero.Fs) error {
		return afero.WriteFile(fs, "/proj/target/classes/com/acme/Bar.class", []byte("new"), 0o644)
	}

	require.NoError(t, f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Created, Path: "/proj/src/com/acme/Bar.java"},
	)))

	assert.Equal(t, []string{"com.acme.Bar"}, f.cache.invalidated)
	assert.Equal(t, 1, f.app.refreshes)
}

func TestDeletedSourceRemovesCompiledFiles(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.fs, "/proj/target/classes/com/acme/Foo.class", "foo")
	writeFile(t, f.fs, "/proj/target/classes/com/acme/Foo$Inner.class", "inner")
	writeFile(t, f.fs, "/proj/target/classes/com/acme/Foobar.class", "unrelated")

	require.NoError(t, f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Deleted, Path: "/proj/src/com/acme/Foo.java"},
	)))

	assert.Equal(t, []string{"com.acme.Foo"}, f.cache.invalidated)
	for path, exists := range map[string]bool{
		"/proj/target/classes/com/acme/Foo.class":       false,
		"/proj/target/classes/com/acme/Foo$Inner.class": false,
		"/proj/target/classes/com/acme/Foobar.class":    true,
	} {
		found, err := afero.Exists(f.fs, path)
		require.NoError(t, err)
		assert.Equal(t, exists, found, path)
	}
	assert.Len(t, f.compiles, 1)
}

func TestIrrelevantEventsSkipPass(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/notes.txt"},
		watcher.FileEvent{Kind: watcher.Modified, Path: "/elsewhere/Foo.java"},
	)))

	assert.Empty(t, f.compiles)
	assert.Zero(t, f.app.refreshes)
	assert.Empty(t, f.notifier.paths)
}

func TestAnalysisFailureInvalidatesAll(t *testing.T) {
	f := newFixture(t, func(options *SourceOptions) {
		options.Analyzer = analyzerFunc(func(path string) ([]string, error) {
			return nil, hotswap.ErrAnalysis
		})
	})
	writeFile(t, f.fs, "/proj/target/classes/com/acme/Foo.class", "broken")

	require.NoError(t, f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"},
	)))

	assert.Empty(t, f.cache.invalidated)
	assert.Equal(t, 2, f.cache.all)
	assert.Equal(t, 1, f.app.refreshes)
}

func TestCompileFailureDiscardsBatch(t *testing.T) {
	f := newFixture(t, func(options *SourceOptions) {
		options.AlertOnFailure = true
	})
	f.compile = func(afero.Fs) error {
		return &compiler.CompileError{ExitCode: 1, Output: "Foo.java:1: error: ';' expected"}
	}

	err := f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"},
	))

	var compileErr *compiler.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Zero(t, f.app.refreshes)
	assert.Empty(t, f.notifier.paths)
	require.Len(t, f.notifier.alerts, 1)
	assert.Contains(t, f.notifier.alerts[0], "';' expected")
	assert.Equal(t, Idle, f.pipeline.State())
}

func TestRefreshFailureSkipsNotify(t *testing.T) {
	f := newFixture(t, nil)
	f.app.err = errors.New("refresh exploded")

	err := f.pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"},
	))

	require.ErrorContains(t, err, "refresh exploded")
	assert.Empty(t, f.notifier.paths)
	assert.Empty(t, f.notifier.alerts)
}

func TestOverflowedBatchRunsFullPass(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.pipeline.Process(context.Background(), aggregator.Batch{Overflowed: true}))

	assert.Equal(t, 2, f.cache.all)
	assert.Len(t, f.compiles, 1)
	assert.Equal(t, 1, f.app.refreshes)
	assert.Equal(t, []string{"/"}, f.notifier.paths)
}

func TestRepeatedBatchIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.fs, "/proj/target/classes/com/acme/Foo.class", "foo")
	batch := batchOf(watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"})

	require.NoError(t, f.pipeline.Process(context.Background(), batch))
	first := append([]string(nil), f.cache.invalidated...)
	require.NoError(t, f.pipeline.Process(context.Background(), batch))

	assert.Equal(t, append(first, first...), f.cache.invalidated)
	assert.Equal(t, 2, f.app.refreshes)
}

func TestStateTransitionsPublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewEventBus(ctx, nil)
	changes, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	f := newFixture(t, func(options *SourceOptions) {
		options.Events = bus
	})
	require.NoError(t, f.pipeline.Process(ctx, batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"},
	)))

	var states []State
	passIDs := map[string]struct{}{}
	for len(states) < 6 {
		change := <-changes
		states = append(states, change.To)
		passIDs[change.PassID] = struct{}{}
	}
	assert.Equal(t, []State{Analyzing, Invalidating, Rebuilding, Refreshing, Notifying, Idle}, states)
	assert.Len(t, passIDs, 1)
}

func TestNewSourceRequiresCollaborators(t *testing.T) {
	_, err := NewSource(SourceOptions{})
	assert.ErrorIs(t, err, ErrMissingCollaborator)
}

func TestResolveSeesRebuiltUnit(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache := hotswap.NewCache(hotswap.Options{
		Locator: hotswap.DirLocator{Roots: []string{outputDir}, Extension: ".class", FS: fs},
		FS:      fs,
	})
	writeFile(t, fs, "/proj/target/classes/com/acme/Foo.class", "v1")

	before, err := cache.Resolve("com.acme.Foo")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(before.Bytes))

	pipeline, err := NewSource(SourceOptions{
		SourceRoots: []string{sourceRoot},
		OutputDir:   outputDir,
		Cache:       cache,
		Analyzer:    hotswap.PathAnalyzer{Roots: []string{outputDir}, Extension: ".class"},
		Compiler: compiler.Func(func(context.Context, compiler.Request) (compiler.Result, error) {
			return compiler.Result{}, afero.WriteFile(fs, "/proj/target/classes/com/acme/Foo.class", []byte("v2"), 0o644)
		}),
		FS: fs,
	})
	require.NoError(t, err)
	require.NoError(t, pipeline.Process(context.Background(), batchOf(
		watcher.FileEvent{Kind: watcher.Modified, Path: "/proj/src/com/acme/Foo.java"},
	)))

	after, err := cache.Resolve("com.acme.Foo")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(after.Bytes))
	assert.Greater(t, after.Generation, before.Generation)
}
