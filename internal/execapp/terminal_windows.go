//go:build windows

package execapp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

func startTerminal(*exec.Cmd) (io.ReadCloser, error) {
	return nil, errPtyUnavailable
}

func sysProcAttr(bool) *syscall.SysProcAttr {
	return nil
}

func defaultRefreshSignal() os.Signal {
	return os.Kill
}

// ParseSignal only knows KILL here; use the restart refresh mode instead.
func ParseSignal(value string) (os.Signal, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(value)), "SIG")
	if name == "" || name == "KILL" {
		return os.Kill, nil
	}
	return nil, fmt.Errorf("unsupported refresh signal %q", value)
}
