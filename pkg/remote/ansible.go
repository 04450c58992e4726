package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
)

// DefaultAnsibleBinary is used when no binary is configured.
const DefaultAnsibleBinary = "/usr/bin/ansible"

// AnsibleShell executes commands on one host through the ansible "script"
// module, with the json stdout callback enabled.
type AnsibleShell struct {
	host   string
	binary string
	exec   sysexec.Executor
	logger Logger
}

// NewAnsibleShell returns a shell bound to host.
func NewAnsibleShell(host, binary string, executor sysexec.Executor, logger Logger) *AnsibleShell {
	if binary == "" {
		binary = DefaultAnsibleBinary
	}
	if executor == nil {
		executor = sysexec.OSExecutor{}
	}
	return &AnsibleShell{host: host, binary: binary, exec: executor, logger: orDefault(logger)}
}

// Host returns the target host name.
func (s *AnsibleShell) Host() string { return s.host }

// Run writes command to a temp script and executes it remotely. Extra
// arguments (for example "-u", "root") are passed to ansible unchanged.
func (s *AnsibleShell) Run(ctx context.Context, command string, extraArgs ...string) (Result, error) {
	var result Result
	err := withScript(command, func(path string) error {
		s.logger.Info("running remote command", "host", s.host, "command", command)

		args := append([]string{s.host, "-i", s.host + ",", "-m", "script", "-a", path}, extraArgs...)
		out, runErr := s.exec.Run(ctx, sysexec.Cmd{
			Name: s.binary,
			Args: args,
			Env:  append(os.Environ(), "ANSIBLE_STDOUT_CALLBACK=json", "ANSIBLE_LOAD_CALLBACK_PLUGINS=1"),
		})
		// ansible exits non-zero when the remote command fails but still
		// prints its report, so only launch failures are fatal here.
		var exitErr *sysexec.ExitError
		if runErr != nil && !errors.As(runErr, &exitErr) {
			return fmt.Errorf("ansible on %s: %w", s.host, runErr)
		}

		parsed, parseErr := ParseAnsibleOutput([]byte(out.Stdout))
		if parseErr != nil {
			if runErr != nil {
				return fmt.Errorf("%w (ansible: %v)", parseErr, runErr)
			}
			return parseErr
		}
		result = parsed
		return nil
	})
	return result, err
}

type ansibleReport struct {
	Plays []struct {
		Tasks []struct {
			Hosts map[string]Result `json:"hosts"`
		} `json:"tasks"`
	} `json:"plays"`
}

// ParseAnsibleOutput extracts the single per-host result of the first task of
// the first play from ansible's json callback output.
func ParseAnsibleOutput(data []byte) (Result, error) {
	var report ansibleReport
	if err := json.Unmarshal(data, &report); err != nil {
		return Result{}, fmt.Errorf("decode ansible output: %w", err)
	}
	if len(report.Plays) == 0 {
		return Result{}, errors.New("ansible output has no plays")
	}
	if len(report.Plays[0].Tasks) == 0 {
		return Result{}, errors.New("ansible output has no tasks")
	}
	hosts := report.Plays[0].Tasks[0].Hosts
	if len(hosts) != 1 {
		return Result{}, fmt.Errorf("ansible output has %d host results, expected 1", len(hosts))
	}
	for _, res := range hosts {
		return res, nil
	}
	return Result{}, nil
}
