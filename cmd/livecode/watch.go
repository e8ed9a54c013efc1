package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"livecode/internal/config"
	"livecode/internal/console"
	"livecode/internal/logging"
	"livecode/internal/metrics"
	"livecode/internal/session"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var flags map[string]*pflag.Flag
	cmd := &cobra.Command{
		Use:   "watch [-- application args...]",
		Short: "Launch the application and keep it in sync with its sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(true); err != nil {
				return err
			}
			return runWatch(cmd.Context(), cfg, args, cmd.OutOrStdout())
		},
	}
	flags = addConfigFlags(cmd.Flags())
	return cmd
}

func runWatch(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) error {
	out := openConsole(stdout)
	defer out.Close()

	level, err := logging.ParseLevelStrict(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{
		Level:   level,
		Console: out,
		File: logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		},
	})
	defer logger.Close()
	if cfg.File != "" {
		logger.Info("configuration loaded", map[string]string{"file": cfg.File})
	}

	live, err := session.New(session.Options{
		Config:  cfg,
		Args:    args,
		Logger:  logger,
		Console: out,
		Metrics: metrics.NewRegistry(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopSignals := session.WatchSignals(logger, cancel, signals)
	defer stopSignals()

	return live.Run(ctx)
}

func openConsole(out io.Writer) *console.Console {
	if file, ok := out.(*os.File); ok {
		return console.Open(file)
	}
	return console.New(out, false)
}
