package mockremote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSuccessFileMissing is returned when the build command exited zero but the
// chain build tool did not leave its success marker.
var ErrSuccessFileMissing = errors.New("success file is missing")

// ErrNoResults is returned by Download before a package has been resolved.
var ErrNoResults = errors.New("remote results directory is not known yet")

// EnvironmentError reports an unreachable or misconfigured build host.
type EnvironmentError struct {
	Host   string
	Reason string
	Err    error
}

func (e *EnvironmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build host %s %s: %v", e.Host, e.Reason, e.Err)
	}
	return fmt.Sprintf("build host %s %s", e.Host, e.Reason)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// CallError reports a remote command that ran but did not succeed. A nil
// ExitCode means the agent reported no return code at all.
type CallError struct {
	Host     string
	Command  string
	ExitCode *int
	Stdout   string
	Stderr   string
}

func (e *CallError) Error() string {
	code := "none"
	if e.ExitCode != nil {
		code = fmt.Sprint(*e.ExitCode)
	}
	msg := fmt.Sprintf("remote command on %s failed (rc=%s): %s", e.Host, code, firstLine(e.Command))
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// InterruptedError aborts the protocol when an interrupt was requested.
type InterruptedError struct {
	Host    string
	JobID   string
	Message string
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("build %s on %s interrupted: %s", e.JobID, e.Host, e.Message)
}

// RetrievalError reports a failed artifact sync. ExitCode is -1 when the sync
// tool could not be started.
type RetrievalError struct {
	Host     string
	Dest     string
	ExitCode int
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("failed to download results from %s to %s (rsync exit %d), see the rsync log for details: %v",
		e.Host, e.Dest, e.ExitCode, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// ValidationError rejects job input before any remote call is made.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s contains invalid characters: %q", e.Field, e.Value)
}

// ParseError reports remote tool output that lacks an expected marker.
type ParseError struct {
	What   string
	Output string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse %s from output: %s", e.What, strings.TrimSpace(e.Output))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx] + " ..."
	}
	return s
}
