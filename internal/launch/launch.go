//go:build linux

// Package launch starts the profiled command and holds it at its very
// first instruction until the caller is ready to begin sampling.
//
// The original child-launch contract (§6) is a pipe-gate: fork, block the
// child on a one-byte pipe read, and exec once the parent has armed the
// root counter. Go cannot run arbitrary code between fork and exec the
// way that contract assumes, so this package reaches the same ordering
// guarantee — counter armed strictly before the target's first
// instruction runs — through a ptrace stop instead (see the REDESIGN
// FLAGS note on this substitution).
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Gate is a launched child held at the trap the kernel raises right after
// its execve, before its first instruction.
type Gate struct {
	Cmd *exec.Cmd
	PID int
}

// Start launches name with args, tracing it so it stops at its first
// instruction instead of running immediately. The caller must call
// Release once the root counter is armed and ready to observe samples.
func Start(name string, args []string) (*Gate, error) {
	// A traced process can only be waited on by the thread that started
	// it, so the calling goroutine is pinned for the lifetime of the
	// trace (os/exec's SysProcAttr.Ptrace documentation).
	runtime.LockOSThread()

	cmd := exec.Command(name, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: starting %s: %w", name, err)
	}
	pid := cmd.Process.Pid

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return nil, fmt.Errorf("launch: waiting for initial trap on pid %d: %w", pid, err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return nil, fmt.Errorf("launch: pid %d stopped unexpectedly (status=%v)", pid, status)
	}

	return &Gate{Cmd: cmd, PID: pid}, nil
}

// Release detaches from the child, which both stops tracing it and
// resumes it from the trap Start observed — its first instruction runs
// immediately afterward.
func (g *Gate) Release() error {
	if err := unix.PtraceDetach(g.PID); err != nil {
		return fmt.Errorf("launch: releasing pid %d: %w", g.PID, err)
	}
	return nil
}

// Wait blocks until the target exits and returns its exit code.
func (g *Gate) Wait() (int, error) {
	err := g.Cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("launch: waiting for pid %d: %w", g.PID, err)
}
