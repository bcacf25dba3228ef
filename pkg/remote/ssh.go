package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig holds what is needed to reach a worker over SSH. The key
// is loaded from a file referenced by the worker record; secrets never
// live in the store.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	Timeout        time.Duration
}

// SSHRunner executes on a remote worker over SSH. File movement uses
// cat over exec channels rather than SFTP, which keeps the remote
// dependency surface to a POSIX shell.
type SSHRunner struct {
	client *ssh.Client
}

// DialSSH connects to the worker described by cfg.
func DialSSH(cfg SSHConfig) (*SSHRunner, error) {
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return &SSHRunner{client: client}, nil
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (*RunResult, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := shellCommand(name, args)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("remote command failed: %w", err)
	}
	return res, nil
}

func (r *SSHRunner) Put(ctx context.Context, localPath, remotePath string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	session, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdin = contextReader{ctx, in}

	dir := shellQuote(filepath.ToSlash(filepath.Dir(remotePath)))
	dst := shellQuote(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s.partial && mv %s.partial %s", dir, dst, dst, dst)
	if err := r.runInterruptible(ctx, session, cmd); err != nil {
		return fmt.Errorf("remote write failed: %w", err)
	}
	return nil
}

func (r *SSHRunner) Get(ctx context.Context, remotePath, localPath string) error {
	session, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination dir: %w", err)
	}
	tmp := localPath + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	pipe, err := session.StdoutPipe()
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}

	if err := session.Start("cat " + shellQuote(remotePath)); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("remote read failed: %w", err)
	}

	_, copyErr := io.Copy(out, contextReader{ctx, pipe})
	waitErr := session.Wait()
	closeErr := out.Close()
	if copyErr != nil || waitErr != nil || closeErr != nil {
		os.Remove(tmp)
		if copyErr != nil {
			return fmt.Errorf("copy failed: %w", copyErr)
		}
		if waitErr != nil {
			return fmt.Errorf("remote read failed: %w", waitErr)
		}
		return closeErr
	}
	return os.Rename(tmp, localPath)
}

func (r *SSHRunner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	res, err := r.Run(ctx, "ffprobe", ffprobeArgs(path)...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ffprobe exit %d: %s", res.ExitCode, res.Stderr)
	}
	return parseProbeOutput([]byte(res.Stdout))
}

func (r *SSHRunner) Remove(ctx context.Context, path string) error {
	res, err := r.Run(ctx, "rm", "-f", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rm exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (r *SSHRunner) Close() error {
	return r.client.Close()
}

func (r *SSHRunner) runInterruptible(ctx context.Context, session *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func shellCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>(){}*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
