//go:build !windows

package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandArgs(t *testing.T) {
	request := Request{SourceRoots: []string{"/proj/src", "/proj/gen"}, OutputDir: "/proj/out"}

	args := ExpandArgs([]string{"javac", "-d", "${OUTPUT}", "-sourcepath", "${SOURCES}", "${SOURCES}"}, request)

	assert.Equal(t, []string{"javac", "-d", "/proj/out", "-sourcepath", "/proj/src" + string(os.PathListSeparator) + "/proj/gen", "/proj/src", "/proj/gen"}, args)
}

func TestCommandCompilerSucceeds(t *testing.T) {
	out := t.TempDir()
	compiler := &CommandCompiler{Command: []string{"sh", "-c", "echo built > ${OUTPUT}/marker && echo $LIVECODE_SOURCES"}}

	result, err := compiler.Compile(context.Background(), Request{SourceRoots: []string{"/proj/src"}, OutputDir: out})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "/proj/src")

	data, err := os.ReadFile(filepath.Join(out, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(data))
}

func TestCommandCompilerReportsCompileError(t *testing.T) {
	compiler := &CommandCompiler{Command: []string{"sh", "-c", "echo 'Foo.java:3: error: missing semicolon' >&2; exit 3"}}

	_, err := compiler.Compile(context.Background(), Request{})

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, 3, compileErr.ExitCode)
	assert.Contains(t, compileErr.Output, "missing semicolon")
}

func TestCommandCompilerWithoutCommand(t *testing.T) {
	_, err := (&CommandCompiler{}).Compile(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestCommandCompilerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	compiler := &CommandCompiler{Command: []string{"sleep", "5"}}

	_, err := compiler.Compile(ctx, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
