package espcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	// Stdin is connected to the process, for the fuse tool's BURN prompt.
	Stdin io.Reader
	// Stdout, if set, receives the process output as it is produced.
	Stdout io.Writer
	Log    *slog.Logger
}

// Run starts cmd and waits for it. A non-zero exit is returned in the
// result with a nil error.
func (r *ExecRunner) Run(ctx context.Context, cmd interfaces.Command) (interfaces.ProcessResult, error) {
	start := time.Now()

	var output bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Stdin = r.Stdin
	if r.Stdout != nil {
		c.Stdout = io.MultiWriter(&output, r.Stdout)
	} else {
		c.Stdout = &output
	}
	c.Stderr = c.Stdout

	err := c.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		err = nil
	default:
		return interfaces.ProcessResult{ExitCode: -1, Output: output.Bytes()}, fmt.Errorf("could not run %s: %w", cmd.Name, err)
	}

	res := interfaces.ProcessResult{ExitCode: c.ProcessState.ExitCode(), Output: output.Bytes()}
	if r.Log != nil {
		r.Log.Debug("Process finished",
			slog.String("cmd", cmd.String()),
			slog.Int("exit_code", res.ExitCode),
			slog.Duration("duration", time.Since(start)))
	}
	return res, nil
}

// DryRunner records commands without running them. Every command succeeds.
type DryRunner struct {
	Out      io.Writer
	Commands []interfaces.Command
}

func (r *DryRunner) Run(ctx context.Context, cmd interfaces.Command) (interfaces.ProcessResult, error) {
	r.Commands = append(r.Commands, cmd)
	if r.Out != nil {
		fmt.Fprintf(r.Out, "would run: %s\n", cmd)
	}
	return interfaces.ProcessResult{}, nil
}

// ToolError reports a failed tool invocation.
type ToolError struct {
	Tool     string
	ExitCode int
	Output   []byte
	Err      error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
}

// Unwrap lets errors.Is match interfaces.ErrExternalTool.
func (e *ToolError) Unwrap() []error {
	if e.Err != nil {
		return []error{interfaces.ErrExternalTool, e.Err}
	}
	return []error{interfaces.ErrExternalTool}
}

// Check runs cmd and turns a start failure or non-zero exit into a *ToolError.
func Check(ctx context.Context, runner interfaces.ProcessRunner, tool string, cmd interfaces.Command) (interfaces.ProcessResult, error) {
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		return res, &ToolError{Tool: tool, ExitCode: res.ExitCode, Output: res.Output, Err: err}
	}
	if !res.Success() {
		return res, &ToolError{Tool: tool, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res, nil
}
