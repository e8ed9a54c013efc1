//go:build !windows

package execapp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// startTerminal runs cmd attached to a new pseudo-terminal so it keeps colours and
// line buffering. pty.Start makes the child a session leader, hence no Setpgid.
func startTerminal(cmd *exec.Cmd) (io.ReadCloser, error) {
	cmd.SysProcAttr = sysProcAttr(true)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		return nil, err
	}
	return ptmx, nil
}

func sysProcAttr(terminal bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: !terminal}
	setDeathSignal(attr)
	return attr
}

func defaultRefreshSignal() os.Signal {
	return syscall.SIGHUP
}

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// ParseSignal accepts "SIGHUP", "hup" or "HUP".
func ParseSignal(value string) (os.Signal, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(value)), "SIG")
	if name == "" {
		return defaultRefreshSignal(), nil
	}
	sig, ok := signalNames[name]
	if !ok {
		return nil, fmt.Errorf("unsupported refresh signal %q", value)
	}
	return sig, nil
}
