package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHConfig holds connection settings for SSHShell.
type SSHConfig struct {
	User       string
	Port       int
	KeyPath    string
	Password   string
	Timeout    time.Duration
	RemoteTemp string
}

// SSHShell executes commands on one host over a direct ssh connection. The
// command is staged as a script through sftp, mirroring the ansible backend.
type SSHShell struct {
	host   string
	cfg    SSHConfig
	auth   []ssh.AuthMethod
	logger Logger
}

// NewSSHShell prepares authentication for host. No connection is opened until Run.
func NewSSHShell(host string, cfg SSHConfig, logger Logger) (*SSHShell, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RemoteTemp == "" {
		cfg.RemoteTemp = "/tmp"
	}
	auth, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	return &SSHShell{host: host, cfg: cfg, auth: auth, logger: orDefault(logger)}, nil
}

// Host returns the target host name.
func (s *SSHShell) Host() string { return s.host }

// Run executes command on the host. The only supported extra argument is
// "-u <user>", which connects as that user.
func (s *SSHShell) Run(ctx context.Context, command string, extraArgs ...string) (Result, error) {
	user, err := s.userFor(extraArgs)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = withScript(command, func(localPath string) error {
		s.logger.Info("running remote command", "host", s.host, "user", user, "command", command)

		client, err := ssh.Dial("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.cfg.Port)), &ssh.ClientConfig{
			User:            user,
			Auth:            s.auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         s.cfg.Timeout,
		})
		if err != nil {
			return fmt.Errorf("ssh dial %s: %w", s.host, err)
		}
		defer client.Close()

		remotePath := path.Join(s.cfg.RemoteTemp, filepath.Base(localPath))
		if err := pushScript(client, localPath, remotePath); err != nil {
			return fmt.Errorf("upload script to %s: %w", s.host, err)
		}

		quoted := shellescape.Quote(remotePath)
		result, err = runScript(ctx, client, fmt.Sprintf("/bin/sh %s; rc=$?; rm -f %s; exit $rc", quoted, quoted))
		return err
	})
	return result, err
}

func (s *SSHShell) userFor(extraArgs []string) (string, error) {
	user := s.cfg.User
	for i := 0; i < len(extraArgs); i++ {
		switch extraArgs[i] {
		case "-u", "--user":
			if i+1 >= len(extraArgs) {
				return "", fmt.Errorf("missing value for %s", extraArgs[i])
			}
			user = extraArgs[i+1]
			i++
		default:
			return "", fmt.Errorf("unsupported ssh shell argument %q", extraArgs[i])
		}
	}
	return user, nil
}

func pushScript(client *ssh.Client, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(0o700)
}

func runScript(ctx context.Context, client *ssh.Client, command string) (Result, error) {
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case runErr = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case runErr == nil:
		res.ExitCode = intPtr(0)
	case errors.As(runErr, &exitErr):
		res.ExitCode = intPtr(exitErr.ExitStatus())
	case errors.As(runErr, &missingErr):
		// no exit status reported; left nil so the result counts as failed
	default:
		return Result{}, runErr
	}
	return res, nil
}

func buildAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if keyPath := strings.TrimSpace(cfg.KeyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(cfg.Password); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
