package imports

import (
	"errors"
	"fmt"
)

// Failure tags reported to the queue.
const (
	TagGitImportFailed   = "git_import_failed"
	TagDownloadFailed    = "srpm_download_failed"
	TagQueryFailed       = "srpm_query_failed"
	TagSRPMBuildFailed   = "srpm_build_error"
	TagGitCloneFailed    = "git_clone_failed"
	TagGitWrongDirectory = "git_wrong_directory"
	TagGitCheckoutFailed = "git_checkout_error"
	TagUnknown           = "unknown_error"
)

// ErrUnknownSourceType is returned when a task declares a source kind outside
// the supported set.
var ErrUnknownSourceType = errors.New("unknown source type")

// FailureTag maps an import error to the short tag sent back to the queue.
func FailureTag(err error) string {
	var tagged interface{ Tag() string }
	if errors.As(err, &tagged) {
		return tagged.Tag()
	}
	return TagUnknown
}

// DownloadError reports a failed SRPM fetch.
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s: HTTP status %d", e.URL, e.Status)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Tag() string { return TagDownloadFailed }

// QueryError reports an unreadable or malformed source package.
type QueryError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query package %s: %v", e.Path, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Tag() string { return TagQueryFailed }

// GitError reports a clone, layout or checkout failure of the git strategy.
type GitError struct {
	Stage string
	URL   string
	Ref   string
	Err   error
}

func (e *GitError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s (%s@%s): %v", e.Stage, e.URL, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.URL, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

func (e *GitError) Tag() string { return e.Stage }

// BuildError reports a failed SRPM build by the helper tool or the chroot tool.
type BuildError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s srpm build: %v", e.Tool, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func (e *BuildError) Tag() string { return TagSRPMBuildFailed }

// ImportError reports a failed version-control import.
type ImportError struct {
	Repo string
	Err  error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import into %s: %v", e.Repo, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

func (e *ImportError) Tag() string { return TagGitImportFailed }
