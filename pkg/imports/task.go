package imports

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SourceType is the integer source kind used by the queue.
type SourceType int

const (
	SourceSRPMLinks  SourceType = 1
	SourceSRPMUpload SourceType = 2
	SourceGitHelper  SourceType = 3
	SourceMockSCM    SourceType = 4
)

func (s SourceType) String() string {
	switch s {
	case SourceSRPMLinks:
		return "srpm_links"
	case SourceSRPMUpload:
		return "srpm_upload"
	case SourceGitHelper:
		return "git_and_tito"
	case SourceMockSCM:
		return "mock_scm"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Source is one of the four fixed source variants. It is sealed: only this
// package implements it.
type Source interface {
	Kind() SourceType
	fetch(ctx context.Context, env *Environment, targetDir string) ([]string, error)
}

// URLSource downloads SRPMs from arbitrary URLs.
type URLSource struct {
	URLs []string
}

func (URLSource) Kind() SourceType { return SourceSRPMLinks }

// UploadSource downloads an SRPM previously uploaded to the frontend.
type UploadSource struct {
	URL string
}

func (UploadSource) Kind() SourceType { return SourceSRPMUpload }

// GitHelperSource clones a repository and builds SRPMs with the helper tool.
type GitHelperSource struct {
	URL    string
	Branch string
	Dir    string
	Test   bool
}

func (GitHelperSource) Kind() SourceType { return SourceGitHelper }

// SCMSource builds an SRPM from a spec file with the chroot tool in SCM mode.
type SCMSource struct {
	Type   string
	URL    string
	Branch string
	Spec   string
}

func (SCMSource) Kind() SourceType { return SourceMockSCM }

// Task is an immutable import request.
type Task struct {
	ID         string
	User       string
	Project    string
	Branch     string
	SourceJSON string
	Source     Source

	rawID json.RawMessage
}

// Kind returns the task's source kind.
func (t *Task) Kind() SourceType { return t.Source.Kind() }

// IDJSON returns the task id exactly as the queue sent it.
func (t *Task) IDJSON() json.RawMessage {
	if len(t.rawID) == 0 {
		raw, _ := json.Marshal(t.ID)
		return raw
	}
	return t.rawID
}

// RepoName returns the dist-git repository name for pkg: user/project/package.
func (t *Task) RepoName(pkg Package) string {
	return fmt.Sprintf("%s/%s/%s", t.User, t.Project, pkg.Name)
}

// Describe renders the source for logs.
func (t *Task) Describe() string {
	switch src := t.Source.(type) {
	case URLSource:
		return strings.Join(src.URLs, ", ")
	case UploadSource:
		return src.URL
	case GitHelperSource:
		return fmt.Sprintf("%s@%s:%s", src.URL, src.Branch, src.Dir)
	case SCMSource:
		return fmt.Sprintf("%s+%s@%s:%s", src.Type, src.URL, src.Branch, src.Spec)
	default:
		return ""
	}
}

type rawTask struct {
	TaskID     json.RawMessage `json:"task_id"`
	User       string          `json:"user"`
	Project    string          `json:"project"`
	Branch     string          `json:"branch"`
	SourceType SourceType      `json:"source_type"`
	SourceJSON string          `json:"source_json"`
}

// DecodeTask builds a Task from one queue entry. frontendURL is used to
// resolve uploaded packages.
func DecodeTask(data []byte, frontendURL string) (*Task, error) {
	var raw rawTask
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	id, err := decodeTaskID(raw.TaskID)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:         id,
		User:       raw.User,
		Project:    raw.Project,
		Branch:     raw.Branch,
		SourceJSON: raw.SourceJSON,
		rawID:      raw.TaskID,
	}

	source, err := decodeSource(raw.SourceType, raw.SourceJSON, frontendURL)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	task.Source = source
	return task, nil
}

// PeekTaskID extracts the task id from a queue entry that may not decode as a
// whole.
func PeekTaskID(data []byte) (json.RawMessage, bool) {
	var raw struct {
		TaskID json.RawMessage `json:"task_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw.TaskID) == 0 || string(raw.TaskID) == "null" {
		return nil, false
	}
	return raw.TaskID, true
}

func decodeTaskID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("decode task: missing task_id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode task_id: %w", err)
	}
	return n.String(), nil
}

func decodeSource(kind SourceType, sourceJSON, frontendURL string) (Source, error) {
	switch kind {
	case SourceSRPMLinks:
		var payload struct {
			URLs []string `json:"urls"`
		}
		if err := json.Unmarshal([]byte(sourceJSON), &payload); err != nil {
			return nil, fmt.Errorf("decode %s source: %w", kind, err)
		}
		return URLSource{URLs: payload.URLs}, nil

	case SourceSRPMUpload:
		var payload struct {
			Tmp string `json:"tmp"`
			Pkg string `json:"pkg"`
		}
		if err := json.Unmarshal([]byte(sourceJSON), &payload); err != nil {
			return nil, fmt.Errorf("decode %s source: %w", kind, err)
		}
		if payload.Tmp == "" || payload.Pkg == "" {
			return nil, fmt.Errorf("decode %s source: tmp and pkg are required", kind)
		}
		base := strings.TrimSuffix(frontendURL, "/")
		return UploadSource{URL: fmt.Sprintf("%s/tmp/%s/%s", base, payload.Tmp, payload.Pkg)}, nil

	case SourceGitHelper:
		var payload struct {
			GitURL    string `json:"git_url"`
			GitBranch string `json:"git_branch"`
			GitDir    string `json:"git_dir"`
			TitoTest  bool   `json:"tito_test"`
		}
		if err := json.Unmarshal([]byte(sourceJSON), &payload); err != nil {
			return nil, fmt.Errorf("decode %s source: %w", kind, err)
		}
		if payload.GitURL == "" {
			return nil, fmt.Errorf("decode %s source: git_url is required", kind)
		}
		return GitHelperSource{URL: payload.GitURL, Branch: payload.GitBranch, Dir: payload.GitDir, Test: payload.TitoTest}, nil

	case SourceMockSCM:
		var payload struct {
			SCMType   string `json:"scm_type"`
			SCMURL    string `json:"scm_url"`
			SCMBranch string `json:"scm_branch"`
			Spec      string `json:"spec"`
		}
		if err := json.Unmarshal([]byte(sourceJSON), &payload); err != nil {
			return nil, fmt.Errorf("decode %s source: %w", kind, err)
		}
		if _, ok := scmCloneTemplates[payload.SCMType]; !ok {
			return nil, fmt.Errorf("decode %s source: unsupported scm_type %q", kind, payload.SCMType)
		}
		if payload.Spec == "" {
			return nil, fmt.Errorf("decode %s source: spec is required", kind)
		}
		return SCMSource{Type: payload.SCMType, URL: payload.SCMURL, Branch: payload.SCMBranch, Spec: payload.Spec}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSourceType, int(kind))
	}
}
