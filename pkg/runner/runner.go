// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runner wraps subprocess execution (builds, PoV reproduction)
// behind a single Run(cmd, cwd, timeout) -> CommandResult contract, per
// spec §9: "the core only needs a run(cmd, cwd, timeout) -> CommandResult
// abstraction with stdout/stderr capture... and a hard kill on timeout."
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CommandResult is the structured outcome of a subprocess call. Per
// spec §7, an external subprocess failure is never raised as an
// exception past this boundary: it's always captured here.
type CommandResult struct {
	Success    bool
	ReturnCode int
	Stdout     string
	Stderr     string
	TimedOut   bool
}

// Run executes name/args in cwd, killing the whole process group if
// timeout elapses. A negative or zero timeout means no deadline.
func Run(ctx context.Context, name string, args []string, cwd string, timeout time.Duration) (CommandResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = cwd
	// New process group so a hard kill on timeout takes any children
	// (docker, patch, rsync, git — spec §9) down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGKILL) }

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return CommandResult{}, fmt.Errorf("runner: start %s: %w", name, err)
	}
	pgid := cmd.Process.Pid

	waitErr := cmd.Wait()
	timedOut := runCtx.Err() == context.DeadlineExceeded
	if timedOut {
		// Best-effort: the process may have already exited between
		// Wait returning and us checking runCtx.Err; ESRCH is fine.
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}

	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}
	if waitErr == nil {
		result.Success = true
		result.ReturnCode = 0
		return result, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ReturnCode = exitErr.ExitCode()
		return result, nil
	}
	if timedOut {
		result.ReturnCode = -1
		return result, nil
	}
	return CommandResult{}, fmt.Errorf("runner: wait %s: %w", name, waitErr)
}
