// Package config loads the live coding settings from livecode.yaml, LIVECODE_
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configBaseName = "livecode"
	configFileName = configBaseName + ".yaml"
	envPrefix      = "LIVECODE"
)

const (
	KeySourceRoots         = "source_roots"
	KeyResourceRoots       = "resource_roots"
	KeyOutputDir           = "output_dir"
	KeyHotPrefixes         = "hot_prefixes"
	KeyDiscoverHotPrefixes = "discover_hot_prefixes"
	KeyGeneratedPrefixes   = "generated_prefixes"
	KeySourceExtension     = "source_extension"
	KeyUnitExtension       = "unit_extension"
	KeyAnalyzer            = "analyzer"
	KeyCompilerCommand     = "compiler.command"

	KeyAppCommand       = "app.command"
	KeyAppArgs          = "app.args"
	KeyAppDir           = "app.dir"
	KeyAppEnv           = "app.env"
	KeyAppReadyPattern  = "app.ready_pattern"
	KeyAppReadyTimeout  = "app.ready_timeout"
	KeyAppRefreshMode   = "app.refresh_mode"
	KeyAppRefreshSignal = "app.refresh_signal"
	KeyAppTerminal      = "app.terminal"
	KeyAppStopTimeout   = "app.stop_timeout"

	KeyWatchDebounce          = "watch.debounce"
	KeyWatchContentDigests    = "watch.content_digests"
	KeyWatchMaxWatches        = "watch.max_watches"
	KeyWatchReconcileSchedule = "watch.reconcile_schedule"

	KeyAggregationSourcePolicy   = "aggregation.source_policy"
	KeyAggregationResourcePolicy = "aggregation.resource_policy"
	KeyAggregationQuietPeriod    = "aggregation.quiet_period"
	KeyAggregationCapacity       = "aggregation.capacity"

	KeyLiveReloadEnabled        = "livereload.enabled"
	KeyLiveReloadHost           = "livereload.host"
	KeyLiveReloadPort           = "livereload.port"
	KeyLiveReloadAlertOnFailure = "livereload.alert_on_failure"

	KeyConfigSettleDelay = "resources.config_settle_delay"

	KeyLogLevel      = "log.level"
	KeyLogFile       = "log.file"
	KeyLogMaxSize    = "log.max_size"
	KeyLogMaxBackups = "log.max_backups"
	KeyLogMaxAge     = "log.max_age"
	KeyLogCompress   = "log.compress"
)

type Config struct {
	SourceRoots         []string       `mapstructure:"source_roots" yaml:"source_roots"`
	ResourceRoots       []ResourceRoot `mapstructure:"resource_roots" yaml:"resource_roots"`
	OutputDir           string         `mapstructure:"output_dir" yaml:"output_dir"`
	HotPrefixes         []string       `mapstructure:"hot_prefixes" yaml:"hot_prefixes"`
	DiscoverHotPrefixes bool           `mapstructure:"discover_hot_prefixes" yaml:"discover_hot_prefixes"`
	GeneratedPrefixes   []string       `mapstructure:"generated_prefixes" yaml:"generated_prefixes"`
	SourceExtension     string         `mapstructure:"source_extension" yaml:"source_extension"`
	UnitExtension       string         `mapstructure:"unit_extension" yaml:"unit_extension"`
	Analyzer            string         `mapstructure:"analyzer" yaml:"analyzer"`

	Compiler    CompilerSettings    `mapstructure:"compiler" yaml:"compiler"`
	App         AppSettings         `mapstructure:"app" yaml:"app"`
	Watch       WatchSettings       `mapstructure:"watch" yaml:"watch"`
	Aggregation AggregationSettings `mapstructure:"aggregation" yaml:"aggregation"`
	LiveReload  LiveReloadSettings  `mapstructure:"livereload" yaml:"livereload"`
	Resources   ResourceSettings    `mapstructure:"resources" yaml:"resources"`
	Log         LogSettings         `mapstructure:"log" yaml:"log"`

	// File is the configuration file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

type ResourceRoot struct {
	Directory  string `mapstructure:"directory" yaml:"directory"`
	TargetPath string `mapstructure:"target_path" yaml:"target_path,omitempty"`
}

type CompilerSettings struct {
	Command []string `mapstructure:"command" yaml:"command"`
}

type AppSettings struct {
	Command       string        `mapstructure:"command" yaml:"command"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	Env           []string      `mapstructure:"env" yaml:"env"`
	ReadyPattern  string        `mapstructure:"ready_pattern" yaml:"ready_pattern"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	RefreshMode   string        `mapstructure:"refresh_mode" yaml:"refresh_mode"`
	RefreshSignal string        `mapstructure:"refresh_signal" yaml:"refresh_signal"`
	Terminal      bool          `mapstructure:"terminal" yaml:"terminal"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type WatchSettings struct {
	Debounce          time.Duration `mapstructure:"debounce" yaml:"debounce"`
	ContentDigests    bool          `mapstructure:"content_digests" yaml:"content_digests"`
	MaxWatches        int           `mapstructure:"max_watches" yaml:"max_watches"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule" yaml:"reconcile_schedule"`
}

type AggregationSettings struct {
	SourcePolicy   string        `mapstructure:"source_policy" yaml:"source_policy"`
	ResourcePolicy string        `mapstructure:"resource_policy" yaml:"resource_policy"`
	QuietPeriod    time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
	Capacity       int           `mapstructure:"capacity" yaml:"capacity"`
}

type LiveReloadSettings struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	AlertOnFailure bool   `mapstructure:"alert_on_failure" yaml:"alert_on_failure"`
}

type ResourceSettings struct {
	ConfigSettleDelay time.Duration `mapstructure:"config_settle_delay" yaml:"config_settle_delay"`
}

type LogSettings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type LoadOptions struct {
	// Path names the configuration file. Empty searches livecode.yaml in WorkDir.
	Path string
	// WorkDir anchors relative paths. Defaults to the current directory.
	WorkDir string
	// Flags maps configuration keys to the flags that override them.
	Flags map[string]*pflag.Flag
	// Overrides are applied last, mainly for tests.
	Overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeySourceRoots, []string{"src/main/java"})
	v.SetDefault(KeyResourceRoots, []map[string]any{{"directory": "src/main/resources"}})
	v.SetDefault(KeyOutputDir, "target/classes")
	v.SetDefault(KeyHotPrefixes, []string{})
	v.SetDefault(KeyDiscoverHotPrefixes, true)
	v.SetDefault(KeyGeneratedPrefixes, []string{"org.seedstack.business.__generated"})
	v.SetDefault(KeySourceExtension, ".java")
	v.SetDefault(KeyUnitExtension, ".class")
	v.SetDefault(KeyAnalyzer, "classfile")
	v.SetDefault(KeyCompilerCommand, []string{"mvn", "-q", "-o", "compiler:compile"})

	v.SetDefault(KeyAppCommand, "")
	v.SetDefault(KeyAppArgs, []string{})
	v.SetDefault(KeyAppDir, "")
	v.SetDefault(KeyAppEnv, []string{})
	v.SetDefault(KeyAppReadyPattern, "")
	v.SetDefault(KeyAppReadyTimeout, time.Duration(0))
	v.SetDefault(KeyAppRefreshMode, "signal")
	v.SetDefault(KeyAppRefreshSignal, "SIGHUP")
	v.SetDefault(KeyAppTerminal, true)
	v.SetDefault(KeyAppStopTimeout, 5*time.Second)

	v.SetDefault(KeyWatchDebounce, 500*time.Millisecond)
	v.SetDefault(KeyWatchContentDigests, false)
	v.SetDefault(KeyWatchMaxWatches, 4096)
	v.SetDefault(KeyWatchReconcileSchedule, "@every 1m")

	v.SetDefault(KeyAggregationSourcePolicy, "immediate")
	v.SetDefault(KeyAggregationResourcePolicy, "immediate")
	v.SetDefault(KeyAggregationQuietPeriod, 500*time.Millisecond)
	v.SetDefault(KeyAggregationCapacity, 10000)

	v.SetDefault(KeyLiveReloadEnabled, true)
	v.SetDefault(KeyLiveReloadHost, "")
	v.SetDefault(KeyLiveReloadPort, 35729)
	v.SetDefault(KeyLiveReloadAlertOnFailure, false)

	v.SetDefault(KeyConfigSettleDelay, 2*time.Second)

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSize, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAge, 28)
	v.SetDefault(KeyLogCompress, true)
}

// Load reads defaults, the configuration file, the environment and flags, in that
// order of increasing precedence, and makes every path absolute.
func Load(options LoadOptions) (Config, error) {
	workDir := options.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		workDir = wd
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if options.Path != "" {
		v.SetConfigFile(options.Path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", options.Path, err)
		}
	} else {
		v.SetConfigName(configBaseName)
		v.AddConfigPath(workDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, flag := range options.Flags {
		if flag == nil {
			return Config{}, fmt.Errorf("flag for config key %q not found", key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, err
		}
	}
	for key, value := range options.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	base := workDir
	if cfg.File != "" {
		base = filepath.Dir(absolute(workDir, cfg.File))
	}
	return cfg.resolvePaths(base), nil
}

func (cfg Config) resolvePaths(base string) Config {
	cfg.SourceRoots = absoluteAll(base, cfg.SourceRoots)
	roots := make([]ResourceRoot, 0, len(cfg.ResourceRoots))
	for _, root := range cfg.ResourceRoots {
		root.Directory = absolute(base, root.Directory)
		roots = append(roots, root)
	}
	cfg.ResourceRoots = roots
	cfg.OutputDir = absolute(base, cfg.OutputDir)
	if cfg.App.Dir == "" {
		cfg.App.Dir = base
	} else {
		cfg.App.Dir = absolute(base, cfg.App.Dir)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = absolute(base, cfg.Log.File)
	}
	return cfg
}

func absolute(base, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func absoluteAll(base string, paths []string) []string {
	resolved := make([]string, 0, len(paths))
	for _, path := range paths {
		resolved = append(resolved, absolute(base, path))
	}
	return resolved
}

// YAML renders the effective configuration.
func (cfg Config) YAML() ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ResourceDirectories lists the resource root directories.
func (cfg Config) ResourceDirectories() []string {
	dirs := make([]string, 0, len(cfg.ResourceRoots))
	for _, root := range cfg.ResourceRoots {
		dirs = append(dirs, root.Directory)
	}
	return dirs
}
