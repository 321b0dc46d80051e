package interfaces

import (
	"context"
	"strings"
)

// Command is an external program invocation.
type Command struct {
	Name string
	Args []string
}

// String renders the command line for logs and dry runs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// ProcessResult is the outcome of a finished process.
type ProcessResult struct {
	ExitCode int
	Output   []byte
}

// Success reports whether the process exited with status 0.
func (r ProcessResult) Success() bool {
	return r.ExitCode == 0
}

// ProcessRunner runs an external command to completion.
// A non-zero exit is reported through ProcessResult, not as an error;
// the error is reserved for commands that could not be started.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (ProcessResult, error)
}
