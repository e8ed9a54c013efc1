package execapp

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

var errPtyUnavailable = errors.New("pseudo-terminal support unavailable")

// startPipes runs cmd with stdout and stderr merged into one pipe. The parent's copy
// of the write end is closed so the reader sees EOF once the child exits.
func startPipes(cmd *exec.Cmd) (io.ReadCloser, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = sysProcAttr(false)
	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, err
	}
	_ = writer.Close()
	return reader, nil
}
