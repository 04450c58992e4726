package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Result is the outcome of one remote command invocation.
// A missing exit code always counts as a failure.
type Result struct {
	ExitCode *int   `json:"rc"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Succeeded reports whether the command returned exit code zero.
func (r Result) Succeeded() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

// Failed is the negation of Succeeded.
func (r Result) Failed() bool {
	return !r.Succeeded()
}

// ReturnCode returns the exit code and whether one was reported.
func (r Result) ReturnCode() (int, bool) {
	if r.ExitCode == nil {
		return 0, false
	}
	return *r.ExitCode, true
}

// Shell runs shell commands on a single remote host. A non-zero exit is not an
// error; only transport or parse problems are.
type Shell interface {
	Run(ctx context.Context, command string, extraArgs ...string) (Result, error)
}

// Logger is the logging surface used by remote shells.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

func orDefault(logger Logger) Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// withScript writes command to an exclusively owned temp file, hands its path
// to fn and removes the file afterwards.
func withScript(command string, fn func(path string) error) error {
	script, err := os.CreateTemp("", "remote-cmd-*.sh")
	if err != nil {
		return fmt.Errorf("create script file: %w", err)
	}
	defer os.Remove(script.Name())

	if _, err := script.WriteString(command); err != nil {
		script.Close()
		return fmt.Errorf("write script file: %w", err)
	}
	if err := script.Close(); err != nil {
		return fmt.Errorf("close script file: %w", err)
	}
	return fn(script.Name())
}

func intPtr(v int) *int { return &v }
