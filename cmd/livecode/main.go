package main

import (
	"context"
	"errors"
	"io"
	"os"

	"livecode/internal/config"
)

const (
	exitCodeSuccess = 0
	exitCodeUsage   = 1
	exitCodeFailure = 2
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.PrintErrln("livecode:", err)
		return exitCode(err)
	}
	return exitCodeSuccess
}

func exitCode(err error) int {
	if errors.Is(err, errUsage) || errors.Is(err, config.ErrInvalid) {
		return exitCodeUsage
	}
	return exitCodeFailure
}
