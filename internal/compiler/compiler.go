// Package compiler runs the external build step of the live coding loop.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"livecode/internal/logging"
	"livecode/internal/metrics"
)

const (
	SourcesPlaceholder = "${SOURCES}"
	OutputPlaceholder  = "${OUTPUT}"
)

var ErrNoCommand = errors.New("no compiler command configured")

type Request struct {
	SourceRoots []string
	OutputDir   string
	// Changed lists the source files that triggered this build. Informational.
	Changed []string
}

type Result struct {
	Output   string
	Duration time.Duration
}

type Compiler interface {
	Compile(ctx context.Context, request Request) (Result, error)
}

// CompileError is a build that ran and failed. Output holds what the compiler printed.
type CompileError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation failed (exit %d)", e.ExitCode)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// CommandCompiler runs Command with ${SOURCES} and ${OUTPUT} expanded. An argument
// that is exactly ${SOURCES} expands to one argument per source root.
type CommandCompiler struct {
	Command []string
	Dir     string
	Env     []string
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

func (compiler *CommandCompiler) Compile(ctx context.Context, request Request) (Result, error) {
	if len(compiler.Command) == 0 || strings.TrimSpace(compiler.Command[0]) == "" {
		return Result{}, ErrNoCommand
	}
	if ctx == nil {
		ctx = context.Background()
	}
	args := ExpandArgs(compiler.Command, request)
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	command.Dir = compiler.Dir
	command.Env = append(append(os.Environ(), compiler.Env...),
		"LIVECODE_SOURCES="+strings.Join(request.SourceRoots, string(os.PathListSeparator)),
		"LIVECODE_OUTPUT="+request.OutputDir,
		"LIVECODE_CHANGED="+strings.Join(request.Changed, string(os.PathListSeparator)),
	)
	var output bytes.Buffer
	command.Stdout = &output
	command.Stderr = &output

	logger := compiler.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Debug("compiling", map[string]string{"command": strings.Join(args, " ")})

	start := time.Now()
	err := command.Run()
	result := Result{Output: output.String(), Duration: time.Since(start)}
	compiler.Metrics.RecordCompile(result.Duration, err)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &CompileError{
			Command:  strings.Join(args, " "),
			ExitCode: exitErr.ExitCode(),
			Output:   result.Output,
			Err:      err,
		}
	}
	return result, fmt.Errorf("run compiler: %w", err)
}

func ExpandArgs(command []string, request Request) []string {
	joinedSources := strings.Join(request.SourceRoots, string(os.PathListSeparator))
	args := make([]string, 0, len(command)+len(request.SourceRoots))
	for _, arg := range command {
		if arg == SourcesPlaceholder {
			args = append(args, request.SourceRoots...)
			continue
		}
		arg = strings.ReplaceAll(arg, SourcesPlaceholder, joinedSources)
		arg = strings.ReplaceAll(arg, OutputPlaceholder, request.OutputDir)
		args = append(args, arg)
	}
	return args
}

// Func adapts a function to Compiler.
type Func func(ctx context.Context, request Request) (Result, error)

func (fn Func) Compile(ctx context.Context, request Request) (Result, error) {
	return fn(ctx, request)
}
