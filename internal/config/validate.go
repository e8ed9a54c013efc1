package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"livecode/internal/logging"
)

var ErrInvalid = errors.New("invalid configuration")

var (
	analyzers    = []string{"classfile", "path"}
	policies     = []string{"immediate", "quiet"}
	refreshModes = []string{"signal", "restart"}
)

// Validate reports every problem at once. requireApp is set for commands that launch
// the application.
func (cfg Config) Validate(requireApp bool) error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if len(cfg.SourceRoots) == 0 {
		add("%s: at least one source root is required", KeySourceRoots)
	}
	for i, root := range cfg.ResourceRoots {
		if strings.TrimSpace(root.Directory) == "" {
			add("%s[%d]: directory is required", KeyResourceRoots, i)
		}
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		add("%s: output directory is required", KeyOutputDir)
	}
	if !strings.HasPrefix(cfg.SourceExtension, ".") {
		add("%s: %q must start with a dot", KeySourceExtension, cfg.SourceExtension)
	}
	if !strings.HasPrefix(cfg.UnitExtension, ".") {
		add("%s: %q must start with a dot", KeyUnitExtension, cfg.UnitExtension)
	}
	if !oneOf(cfg.Analyzer, analyzers) {
		add("%s: %q is not one of %s", KeyAnalyzer, cfg.Analyzer, strings.Join(analyzers, ", "))
	}
	if len(cfg.Compiler.Command) == 0 || strings.TrimSpace(cfg.Compiler.Command[0]) == "" {
		add("%s: a compiler command is required", KeyCompilerCommand)
	}

	if requireApp && strings.TrimSpace(cfg.App.Command) == "" {
		add("%s: an application command is required", KeyAppCommand)
	}
	if !oneOf(cfg.App.RefreshMode, refreshModes) {
		add("%s: %q is not one of %s", KeyAppRefreshMode, cfg.App.RefreshMode, strings.Join(refreshModes, ", "))
	}
	if cfg.App.ReadyTimeout < 0 {
		add("%s: must not be negative", KeyAppReadyTimeout)
	}
	if cfg.App.StopTimeout <= 0 {
		add("%s: must be positive", KeyAppStopTimeout)
	}

	if cfg.Watch.Debounce <= 0 {
		add("%s: must be positive", KeyWatchDebounce)
	}
	if cfg.Watch.MaxWatches <= 0 {
		add("%s: must be positive", KeyWatchMaxWatches)
	}
	if cfg.Watch.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Watch.ReconcileSchedule); err != nil {
			add("%s: %v", KeyWatchReconcileSchedule, err)
		}
	}

	if !oneOf(cfg.Aggregation.SourcePolicy, policies) {
		add("%s: %q is not one of %s", KeyAggregationSourcePolicy, cfg.Aggregation.SourcePolicy, strings.Join(policies, ", "))
	}
	if !oneOf(cfg.Aggregation.ResourcePolicy, policies) {
		add("%s: %q is not one of %s", KeyAggregationResourcePolicy, cfg.Aggregation.ResourcePolicy, strings.Join(policies, ", "))
	}
	if cfg.Aggregation.QuietPeriod <= 0 {
		add("%s: must be positive", KeyAggregationQuietPeriod)
	}
	if cfg.Aggregation.Capacity <= 0 {
		add("%s: must be positive", KeyAggregationCapacity)
	}

	if cfg.LiveReload.Port < 0 || cfg.LiveReload.Port > 65535 {
		add("%s: %d is not a valid port", KeyLiveReloadPort, cfg.LiveReload.Port)
	}
	if cfg.Resources.ConfigSettleDelay < 0 {
		add("%s: must not be negative", KeyConfigSettleDelay)
	}

	if _, err := logging.ParseLevelStrict(cfg.Log.Level); err != nil {
		add("%s: %v", KeyLogLevel, err)
	}
	if cfg.Log.MaxSize < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAge < 0 {
		add("log: rotation limits must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w:\n%w", ErrInvalid, errors.Join(problems...))
}

func oneOf(value string, allowed []string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}
