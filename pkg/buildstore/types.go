package buildstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vyvo/pkgbuild/backend/pkg/mockremote"
)

// Status represents the lifecycle state of a build run.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Finished reports whether no further transition can happen.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusInterrupted
}

// ErrNotFound is returned for unknown build ids.
var ErrNotFound = errors.New("build not found")

// Build is one run of a mockremote job on one builder host.
type Build struct {
	ID         string                    `json:"id"`
	Host       string                    `json:"host"`
	Job        mockremote.Job            `json:"job"`
	Status     Status                    `json:"status"`
	ResultsDir string                    `json:"results_dir,omitempty"`
	Packages   []mockremote.BuiltPackage `json:"packages,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	FinishedAt time.Time                 `json:"finished_at,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// CreateRequest is the payload accepted by the builder service.
type CreateRequest struct {
	Host string         `json:"host"`
	Job  mockremote.Job `json:"job"`
}

// Validate checks the fields every build needs before it can be queued.
func (r CreateRequest) Validate() error {
	switch {
	case r.Host == "":
		return errors.New("host is required")
	case r.Job.Chroot == "":
		return errors.New("job.chroot is required")
	case r.Job.Owner == "" || r.Job.Project == "":
		return errors.New("job.owner and job.project are required")
	case r.Job.GitRepo == "" || r.Job.GitHash == "":
		return errors.New("job.git_repo and job.git_hash are required")
	case r.Job.PackageName == "":
		return errors.New("job.package_name is required")
	}
	for field, value := range map[string]string{
		"job.owner":   r.Job.Owner,
		"job.project": r.Job.Project,
		"job.chroot":  r.Job.Chroot,
	} {
		if !safePathElement(value) {
			return fmt.Errorf("%s %q is not a single path element", field, value)
		}
	}
	return nil
}

// safePathElement reports whether v can be joined into a local path without
// leaving its parent directory.
func safePathElement(v string) bool {
	return v != "." && !strings.Contains(v, "..") && !strings.ContainsAny(v, `/\`)
}
