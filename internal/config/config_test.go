package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(LoadOptions{WorkDir: dir})
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, []string{filepath.Join(dir, "src/main/java")}, cfg.SourceRoots)
	assert.Equal(t, []ResourceRoot{{Directory: filepath.Join(dir, "src/main/resources")}}, cfg.ResourceRoots)
	assert.Equal(t, filepath.Join(dir, "target/classes"), cfg.OutputDir)
	assert.Equal(t, dir, cfg.App.Dir)
	assert.Equal(t, ".java", cfg.SourceExtension)
	assert.Equal(t, "classfile", cfg.Analyzer)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 4096, cfg.Watch.MaxWatches)
	assert.Equal(t, 10000, cfg.Aggregation.Capacity)
	assert.Equal(t, 35729, cfg.LiveReload.Port)
	assert.True(t, cfg.LiveReload.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Resources.ConfigSettleDelay)
	assert.Equal(t, "SIGHUP", cfg.App.RefreshSignal)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.NoError(t, cfg.Validate(false))
	err = cfg.Validate(true)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), KeyAppCommand)
}

func TestLoadFileRelativeToItsDirectory(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(project, 0o755))
	path := writeConfig(t, project, `
source_roots: [app/src]
resource_roots:
  - directory: app/resources
  - directory: app/web
    target_path: META-INF/resources
output_dir: build/classes
hot_prefixes: [com.acme]
compiler:
  command: [javac, -d, "${OUTPUT}", "${SOURCES}"]
app:
  command: java
  args: [-cp, build/classes, com.acme.Main]
  ready_pattern: "Started in"
  refresh_mode: restart
watch:
  debounce: 750ms
  reconcile_schedule: ""
aggregation:
  resource_policy: quiet
log:
  level: debug
  file: logs/livecode.log
`)

	cfg, err := Load(LoadOptions{Path: path, WorkDir: dir})
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, []string{filepath.Join(project, "app/src")}, cfg.SourceRoots)
	assert.Equal(t, []ResourceRoot{
		{Directory: filepath.Join(project, "app/resources")},
		{Directory: filepath.Join(project, "app/web"), TargetPath: "META-INF/resources"},
	}, cfg.ResourceRoots)
	assert.Equal(t, filepath.Join(project, "build/classes"), cfg.OutputDir)
	assert.Equal(t, []string{"com.acme"}, cfg.HotPrefixes)
	assert.Equal(t, []string{"javac", "-d", "${OUTPUT}", "${SOURCES}"}, cfg.Compiler.Command)
	assert.Equal(t, "java", cfg.App.Command)
	assert.Equal(t, "restart", cfg.App.RefreshMode)
	assert.Equal(t, 750*time.Millisecond, cfg.Watch.Debounce)
	assert.Empty(t, cfg.Watch.ReconcileSchedule)
	assert.Equal(t, "quiet", cfg.Aggregation.ResourcePolicy)
	assert.Equal(t, filepath.Join(project, "logs/livecode.log"), cfg.Log.File)
	assert.NoError(t, cfg.Validate(true))
}

func TestLoadFindsFileInWorkDir(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "output_dir: out\n")

	cfg, err := Load(LoadOptions{WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out"), cfg.OutputDir)
	assert.NotEmpty(t, cfg.File)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(LoadOptions{Path: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "watch:\n  debounce: 750ms\n")
	t.Setenv("LIVECODE_WATCH_DEBOUNCE", "2s")
	t.Setenv("LIVECODE_APP_COMMAND", "./run.sh")

	cfg, err := Load(LoadOptions{WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, "./run.sh", cfg.App.Command)
}

func TestFlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "livereload:\n  port: 40000\n")
	t.Setenv("LIVECODE_LIVERELOAD_PORT", "40001")

	flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flags.Int("port", 0, "livereload port")
	flags.String("log-level", "", "log level")
	require.NoError(t, flags.Parse([]string{"--port", "40002"}))

	cfg, err := Load(LoadOptions{WorkDir: dir, Flags: map[string]*pflag.Flag{
		KeyLiveReloadPort: flags.Lookup("port"),
		KeyLogLevel:       flags.Lookup("log-level"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 40002, cfg.LiveReload.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestMissingFlagIsReported(t *testing.T) {
	_, err := Load(LoadOptions{WorkDir: t.TempDir(), Flags: map[string]*pflag.Flag{KeyLogLevel: nil}})
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load(LoadOptions{WorkDir: t.TempDir(), Overrides: map[string]any{
		KeyAnalyzer:                "magic",
		KeyLogLevel:                "loud",
		KeyWatchDebounce:           "0s",
		KeyWatchReconcileSchedule:  "whenever",
		KeyAggregationSourcePolicy: "eventually",
		KeyLiveReloadPort:          70000,
		KeyCompilerCommand:         []string{},
	}})
	require.NoError(t, err)

	err = cfg.Validate(false)
	require.ErrorIs(t, err, ErrInvalid)
	for _, key := range []string{
		KeyAnalyzer,
		KeyLogLevel,
		KeyWatchDebounce,
		KeyWatchReconcileSchedule,
		KeyAggregationSourcePolicy,
		KeyLiveReloadPort,
		KeyCompilerCommand,
	} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestYAMLRendersEffectiveConfig(t *testing.T) {
	cfg, err := Load(LoadOptions{WorkDir: t.TempDir()})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "debounce: 500ms")
	assert.Contains(t, text, "source_extension: .java")
	assert.NotContains(t, text, "File")
}
