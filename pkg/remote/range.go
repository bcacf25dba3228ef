package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RangeBlockSize is the alignment unit for chunked writes. Offsets
// passed to PutRange must be multiples of it; the SSH implementation
// maps them to dd block seeks.
const RangeBlockSize = 1 << 20

// RangePutter is an optional Runner capability: writing one byte range
// of a local file into a remote file at the same offset. The transfer
// pipeline uses it for concurrent chunked uploads; runners without it
// fall back to a single Put stream.
type RangePutter interface {
	PutRange(ctx context.Context, localPath, remotePath string, offset, length int64) error
}

func (r *LocalRunner) PutRange(ctx context.Context, localPath, remotePath string, offset, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination dir: %w", err)
	}
	out, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}

	src := io.NewSectionReader(in, offset, length)
	if _, err := io.Copy(io.NewOffsetWriter(out, offset), contextReader{ctx, src}); err != nil {
		out.Close()
		return fmt.Errorf("range copy failed: %w", err)
	}
	return out.Close()
}

func (r *SSHRunner) PutRange(ctx context.Context, localPath, remotePath string, offset, length int64) error {
	if offset%RangeBlockSize != 0 {
		return fmt.Errorf("range offset %d not aligned to %d", offset, RangeBlockSize)
	}
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

	src := io.NewSectionReader(in, offset, length)
	session.Stdin = contextReader{ctx, src}

	dir := shellQuote(filepath.ToSlash(filepath.Dir(remotePath)))
	dst := shellQuote(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && dd of=%s bs=%d seek=%d conv=notrunc status=none",
		dir, dst, RangeBlockSize, offset/RangeBlockSize)
	if err := r.runInterruptible(ctx, session, cmd); err != nil {
		return fmt.Errorf("remote range write failed: %w", err)
	}
	return nil
}
