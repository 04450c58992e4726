package sysexec

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestOSExecutorCapturesOutput(t *testing.T) {
	out, err := OSExecutor{}.Run(context.Background(), Cmd{Name: "sh", Args: []string{"-c", "echo hello; echo oops >&2"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "oops" {
		t.Fatalf("unexpected stderr: %q", out.Stderr)
	}
}

func TestOSExecutorExitError(t *testing.T) {
	out, err := OSExecutor{}.Run(context.Background(), Cmd{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.Code != 3 || out.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d/%d", exitErr.Code, out.ExitCode)
	}
	if !strings.Contains(exitErr.Error(), "broken") {
		t.Fatalf("stderr missing from error: %v", exitErr)
	}
}

func TestOSExecutorLaunchFailure(t *testing.T) {
	_, err := OSExecutor{}.Run(context.Background(), Cmd{Name: "/nonexistent/definitely-not-here"})
	if err == nil {
		t.Fatalf("expected launch error")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Fatalf("launch failure must not be reported as exit error: %v", err)
	}
}
