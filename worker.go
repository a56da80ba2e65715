package divvy

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// A CommandBuilder produces the command used to start one worker's child
// process. The command must not be started yet. The default builder used
// by cmd/divvy re-executes the current binary in its hidden worker mode;
// tests and embedders may substitute anything that connects to the
// rendezvous socket.
type CommandBuilder func(w *Worker) (*exec.Cmd, error)

// Worker is one slot of the pool. The record is stable for the master's
// lifetime; the child process behind it may be re-created after a crash.
//
// pid and status are atomic: the master's run loop writes them through
// Spawn and Reap while other goroutines may observe the same record
// through Pid, Running, Kill and ExitStatus.
type Worker struct {
	// Number is the 1-based slot index.
	Number int

	pid    atomic.Int64
	status atomic.Pointer[unix.WaitStatus]

	log *slog.Logger
}

func newWorker(number int, log *slog.Logger) *Worker {
	return &Worker{
		Number: number,
		log:    log,
	}
}

// Running reports whether the slot has a spawned child that has not been
// reaped yet.
func (w *Worker) Running() bool {
	return w.pid.Load() != 0 && w.status.Load() == nil
}

// Pid returns the child's process id, or 0 if the slot was never spawned.
func (w *Worker) Pid() int {
	return int(w.pid.Load())
}

// Spawn starts a fresh child for this slot. The child inherits stdout and
// stderr; stdin is severed. Calling Spawn on a running slot is an error.
func (w *Worker) Spawn(build CommandBuilder) error {
	if w.Running() {
		return fmt.Errorf("worker %d: already running as pid %d", w.Number, w.Pid())
	}

	cmd, err := build(w)
	if err != nil {
		return fmt.Errorf("worker %d: build command: %w", w.Number, err)
	}

	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker %d: start: %w", w.Number, err)
	}

	// pid first: a concurrent reader may briefly see the new pid with the
	// old reaped status (not running), but never the old, reaped pid with
	// a cleared status, which would make Kill signal a reaped pid
	w.pid.Store(int64(cmd.Process.Pid))
	w.status.Store(nil)
	w.log.Debug("spawned worker", "slot", w.Number, "pid", cmd.Process.Pid)

	return nil
}

// Reap collects the child's exit status without blocking. It returns the
// exit status and true if the child had exited; (0, false) if the child
// is still alive or the slot is not running.
//
// The child is waited on directly with WNOHANG; nothing else in the
// process may wait on this pid.
func (w *Worker) Reap() (int, bool) {
	if !w.Running() {
		return 0, false
	}
	pid := w.Pid()

	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			// someone else collected it; treat as exited clean
			w.log.Warn("lost child status", "slot", w.Number, "pid", pid)
			zero := unix.WaitStatus(0)
			w.status.Store(&zero)
			return 0, true
		case err != nil:
			w.log.Error(fmt.Sprintf("wait4 failed: %v", err), "slot", w.Number, "pid", pid)
			return 0, false
		case wpid == 0:
			// still running
			return 0, false
		default:
			w.status.Store(&ws)
			return exitStatus(ws), true
		}
	}
}

// Kill sends sig to the child. A slot that is not running — never
// spawned, or already reaped, whose pid the OS may have recycled — is a
// no-op; the return value reports whether the signal was delivered.
func (w *Worker) Kill(sig unix.Signal) bool {
	if !w.Running() {
		return false
	}

	if err := unix.Kill(w.Pid(), sig); err != nil {
		return false
	}
	return true
}

// ExitStatus returns the reaped exit status and whether the slot has
// been reaped since its last spawn.
func (w *Worker) ExitStatus() (int, bool) {
	st := w.status.Load()
	if st == nil {
		return 0, false
	}
	return exitStatus(*st), true
}

func exitStatus(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

// SelfExecBuilder builds worker commands that re-execute the current
// binary with the arguments produced by argv. It is the exec-based
// substitute for fork: the child rebuilds the task from the registry and
// enters RunChild.
func SelfExecBuilder(argv func(w *Worker) []string) CommandBuilder {
	return func(w *Worker) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		return exec.Command(exe, argv(w)...), nil
	}
}
