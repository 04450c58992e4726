package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ImporterConfig captures runtime settings for the import daemon.
type ImporterConfig struct {
	FrontendBaseURL  string        `mapstructure:"frontend_base_url"`
	FrontendAuthUser string        `mapstructure:"frontend_auth_user"`
	FrontendAuth     string        `mapstructure:"frontend_auth"`
	SleepTime        time.Duration `mapstructure:"sleep_time"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	GitRoot          string        `mapstructure:"git_root"`
	LookasideDir     string        `mapstructure:"lookaside_dir"`
	CgitListPath     string        `mapstructure:"cgit_list_path"`
	GitAuthorName    string        `mapstructure:"git_author_name"`
	GitAuthorEmail   string        `mapstructure:"git_author_email"`
	SCMChroot        string        `mapstructure:"scm_chroot"`
	MockBinary       string        `mapstructure:"mock_binary"`
	TitoBinary       string        `mapstructure:"tito_binary"`
	RPMBinary        string        `mapstructure:"rpm_binary"`
	TempDir          string        `mapstructure:"temp_dir"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	Debug            bool          `mapstructure:"debug"`
	JSONLogs         bool          `mapstructure:"json_logs"`
	Tracing          bool          `mapstructure:"tracing"`
}

// BuilderConfig captures runtime settings for the builder service.
type BuilderConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	RemoteBaseDir  string        `mapstructure:"remote_base_dir"`
	DistGitURL     string        `mapstructure:"dist_git_url"`
	ResultsBaseURL string        `mapstructure:"results_base_url"`
	ResultsDir     string        `mapstructure:"results_dir"`
	BuildUser      string        `mapstructure:"build_user"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MockChainPath  string        `mapstructure:"mockchain_path"`
	RsyncPath      string        `mapstructure:"rsync_path"`
	RemoteBackend  string        `mapstructure:"remote_backend"`
	AnsibleBinary  string        `mapstructure:"ansible_binary"`
	SSHUser        string        `mapstructure:"ssh_user"`
	SSHPort        int           `mapstructure:"ssh_port"`
	SSHKeyPath     string        `mapstructure:"ssh_key_path"`
	RedisURL       string        `mapstructure:"redis_url"`
	DatabaseURL    string        `mapstructure:"database_url"`
	ConsumeQueue   bool          `mapstructure:"consume_queue"`
	QueueKey       string        `mapstructure:"queue_key"`
	APIToken       string        `mapstructure:"api_token"`
	Debug          bool          `mapstructure:"debug"`
	JSONLogs       bool          `mapstructure:"json_logs"`
	Tracing        bool          `mapstructure:"tracing"`
}

const (
	BackendAnsible = "ansible"
	BackendSSH     = "ssh"
)

// LoadImporter loads importer configuration from defaults, an optional
// file, and IMPORTER_* env vars. An empty path searches ./configs/importer.*.
func LoadImporter(path string) (ImporterConfig, error) {
	v := newViper("importer", "IMPORTER", path)

	v.SetDefault("frontend_base_url", "http://localhost:5000")
	v.SetDefault("frontend_auth_user", "user")
	v.SetDefault("frontend_auth", "")
	v.SetDefault("sleep_time", 10*time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("git_root", "/var/lib/dist-git/git/rpms")
	v.SetDefault("lookaside_dir", "/var/lib/dist-git/cache/lookaside/pkgs")
	v.SetDefault("cgit_list_path", "/var/lib/dist-git/cgit/projects.list")
	v.SetDefault("git_author_name", "dist-git")
	v.SetDefault("git_author_email", "dist-git@localhost")
	v.SetDefault("scm_chroot", "epel-7-x86_64")
	v.SetDefault("mock_binary", "/usr/bin/mock")
	v.SetDefault("tito_binary", "tito")
	v.SetDefault("rpm_binary", "rpm")
	v.SetDefault("temp_dir", "")
	v.SetDefault("metrics_addr", ":9101")
	v.SetDefault("debug", false)
	v.SetDefault("json_logs", false)
	v.SetDefault("tracing", false)

	var cfg ImporterConfig
	if err := load(v, &cfg); err != nil {
		return ImporterConfig{}, err
	}
	if cfg.FrontendBaseURL == "" {
		return ImporterConfig{}, errors.New("frontend_base_url is required")
	}
	return cfg, nil
}

// LoadBuilder loads builder configuration from defaults, an optional file,
// and BUILDER_* env vars. An empty path searches ./configs/builder.*.
func LoadBuilder(path string) (BuilderConfig, error) {
	v := newViper("builder", "BUILDER", path)

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("remote_base_dir", "/var/tmp")
	v.SetDefault("dist_git_url", "http://localhost/cgit")
	v.SetDefault("results_base_url", "http://localhost/results")
	v.SetDefault("results_dir", "/var/lib/copr/public_html/results")
	v.SetDefault("build_user", "mockbuilder")
	v.SetDefault("default_timeout", 6*time.Hour)
	v.SetDefault("mockchain_path", "/usr/bin/mockchain")
	v.SetDefault("rsync_path", "/usr/bin/rsync")
	v.SetDefault("remote_backend", BackendAnsible)
	v.SetDefault("ansible_binary", "ansible")
	v.SetDefault("ssh_user", "root")
	v.SetDefault("ssh_port", 22)
	v.SetDefault("ssh_key_path", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("consume_queue", false)
	v.SetDefault("queue_key", "queue:builds")
	v.SetDefault("api_token", "")
	v.SetDefault("debug", false)
	v.SetDefault("json_logs", false)
	v.SetDefault("tracing", false)

	var cfg BuilderConfig
	if err := load(v, &cfg); err != nil {
		return BuilderConfig{}, err
	}
	switch cfg.RemoteBackend {
	case BackendAnsible, BackendSSH:
	default:
		return BuilderConfig{}, fmt.Errorf("unsupported remote_backend %q", cfg.RemoteBackend)
	}
	if cfg.ResultsDir == "" {
		return BuilderConfig{}, errors.New("results_dir is required")
	}
	if cfg.ConsumeQueue && cfg.RedisURL == "" {
		return BuilderConfig{}, errors.New("consume_queue needs redis_url")
	}
	return cfg, nil
}

func newViper(name, envPrefix, path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.AddConfigPath("./configs")
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}
