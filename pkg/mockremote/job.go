package mockremote

import (
	"fmt"
	"time"
)

const (
	DefaultMockChainPath = "/usr/bin/mockchain"
	DefaultRsyncPath     = "/usr/bin/rsync"
	DefaultTimeout       = 6 * time.Hour
	DefaultRemoteBaseDir = "/var/tmp"
	DefaultBuildUser     = "mockbuilder"
)

// Options carries the service-wide settings every Builder shares.
type Options struct {
	RemoteBaseDir  string
	DistGitURL     string
	ResultsBaseURL string
	BuildUser      string
	MockChainPath  string
	RsyncPath      string
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RemoteBaseDir == "" {
		o.RemoteBaseDir = DefaultRemoteBaseDir
	}
	if o.BuildUser == "" {
		o.BuildUser = DefaultBuildUser
	}
	if o.MockChainPath == "" {
		o.MockChainPath = DefaultMockChainPath
	}
	if o.RsyncPath == "" {
		o.RsyncPath = DefaultRsyncPath
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	return o
}

// Job is a queued build. The Builder only reads it. Timeout is in seconds.
type Job struct {
	ID            string            `json:"id"`
	Owner         string            `json:"owner"`
	Project       string            `json:"project"`
	Chroot        string            `json:"chroot"`
	Timeout       int               `json:"timeout"`
	BuildrootPkgs string            `json:"buildroot_pkgs"`
	EnableNet     bool              `json:"enable_net"`
	Repos         []string          `json:"repos"`
	Macros        map[string]string `json:"macros"`
	GitRepo       string            `json:"git_repo"`
	GitBranch     string            `json:"git_branch"`
	GitHash       string            `json:"git_hash"`
	PackageName   string            `json:"package_name"`
}

// RsyncLogName is the file the artifact sync writes its output to.
func (j Job) RsyncLogName() string {
	return fmt.Sprintf("build-%s.rsync.log", j.ID)
}
