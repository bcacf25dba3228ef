package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalRunner executes directly on the controller host. Put and Get
// degenerate into filesystem copies so the transfer pipeline can treat
// local workers like any other.
type LocalRunner struct {
	FFprobePath string
}

// NewLocalRunner creates a runner for the local host.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{FFprobePath: "ffprobe"}
}

func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

func (r *LocalRunner) Put(ctx context.Context, localPath, remotePath string) error {
	return copyFile(ctx, localPath, remotePath)
}

func (r *LocalRunner) Get(ctx context.Context, remotePath, localPath string) error {
	return copyFile(ctx, remotePath, localPath)
}

func (r *LocalRunner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	res, err := r.Run(ctx, r.FFprobePath, ffprobeArgs(path)...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ffprobe exit %d: %s", res.ExitCode, res.Stderr)
	}
	return parseProbeOutput([]byte(res.Stdout))
}

func (r *LocalRunner) Remove(ctx context.Context, path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (r *LocalRunner) Close() error { return nil }

func copyFile(ctx context.Context, src, dst string) error {
	if src == dst {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination dir: %w", err)
	}

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, contextReader{ctx, in}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy failed: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// contextReader aborts a long copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
