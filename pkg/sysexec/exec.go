package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Cmd describes a single local process invocation.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// String renders the command for logs.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Output carries what a finished process wrote.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a process that started but exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Cmd, e.Code, strings.TrimSpace(e.Stderr))
}

// Executor runs local processes. Tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, cmd Cmd) (Output, error)
}

// OSExecutor runs processes with os/exec.
type OSExecutor struct{}

// Run executes cmd and waits for it. A non-zero exit yields *ExitError together
// with the captured output; a launch failure is returned as-is.
func (OSExecutor) Run(ctx context.Context, cmd Cmd) (Output, error) {
	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = cmd.Env
	}
	proc.Stdin = cmd.Stdin

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, &ExitError{Cmd: cmd.String(), Code: out.ExitCode, Stderr: out.Stderr}
	}
	return out, fmt.Errorf("run %s: %w", cmd.Name, err)
}
