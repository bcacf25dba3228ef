package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transcodefarm/farmd/pkg/cloud"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/remote"
)

// sshBootstrapper prepares a fresh cloud instance over SSH: verifies
// the encode toolchain is present and probes the hardware
// accelerations ffmpeg was built with.
type sshBootstrapper struct {
	user    string
	keyPath string
	log     *logging.Logger
}

func (o *Orchestrator) newBootstrapper() cloud.Bootstrapper {
	return &sshBootstrapper{
		user:    o.cfg.Cloud.SSHUser,
		keyPath: o.cfg.Cloud.SSHKeyFile,
		log:     o.log,
	}
}

// toolchainChecks must all succeed before an instance is considered
// usable. Images are expected to ship ffmpeg preinstalled.
var toolchainChecks = [][]string{
	{"ffmpeg", "-version"},
	{"ffprobe", "-version"},
}

func (b *sshBootstrapper) Bootstrap(ctx context.Context, host string, port int) ([]string, error) {
	r, err := remote.DialSSH(remote.SSHConfig{
		Host:           host,
		Port:           port,
		User:           b.user,
		PrivateKeyPath: b.keyPath,
		Timeout:        30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	defer r.Close()

	for _, check := range toolchainChecks {
		res, err := r.Run(ctx, check[0], check[1:]...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", check[0], err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("%s exit %d: %s", check[0], res.ExitCode, stderrTail(res.Stderr))
		}
	}

	res, err := r.Run(ctx, "ffmpeg", "-hide_banner", "-hwaccels")
	if err != nil {
		return nil, fmt.Errorf("probe hwaccels: %w", err)
	}
	return parseHWAccels(res.Stdout), nil
}

// parseHWAccels reads `ffmpeg -hwaccels` output. CUDA devices are
// recorded as nvenc since that is the encoder family the codec
// substitution table keys on.
func parseHWAccels(out string) []string {
	var accels []string
	for _, line := range strings.Split(out, "\n") {
		switch strings.TrimSpace(line) {
		case "cuda", "nvdec":
			accels = append(accels, "nvenc")
		case "qsv":
			accels = append(accels, "qsv")
		case "vaapi":
			accels = append(accels, "vaapi")
		case "videotoolbox":
			accels = append(accels, "videotoolbox")
		}
	}
	return dedupe(accels)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// benchmarkBytes is the payload size for a throughput measurement.
// Large enough to get past TCP slow start, small enough to finish in
// seconds on a slow link.
const benchmarkBytes = 8 << 20

// runBenchmark measures round-trip latency and transfer throughput to
// a worker. The caller persists the record; this only fills it in.
func (o *Orchestrator) runBenchmark(w *models.Worker, bench *models.Benchmark) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fail := func(err error) {
		bench.Status = models.BenchmarkStatusFailed
		bench.Error = err.Error()
	}

	r, err := o.runnerFor(w)
	if err != nil {
		fail(fmt.Errorf("connect: %w", err))
		return
	}

	t0 := time.Now()
	if res, err := r.Run(ctx, "true"); err != nil {
		fail(fmt.Errorf("ping: %w", err))
		return
	} else if res.ExitCode != 0 {
		fail(fmt.Errorf("ping exit %d", res.ExitCode))
		return
	}
	bench.LatencyMS = float64(time.Since(t0).Microseconds()) / 1000

	local, err := benchmarkPayload()
	if err != nil {
		fail(err)
		return
	}
	defer os.Remove(local)
	bench.TestBytes = benchmarkBytes

	workDir := w.WorkDir
	if workDir == "" {
		workDir = "/tmp/farmd"
	}
	remotePath := workDir + "/bench-" + uuid.NewString() + ".bin"

	t0 = time.Now()
	if err := r.Put(ctx, local, remotePath); err != nil {
		fail(fmt.Errorf("upload: %w", err))
		return
	}
	bench.UploadMbps = mbps(benchmarkBytes, time.Since(t0))

	pulled := local + ".down"
	t0 = time.Now()
	if err := r.Get(ctx, remotePath, pulled); err != nil {
		fail(fmt.Errorf("download: %w", err))
		return
	}
	bench.DownloadMbps = mbps(benchmarkBytes, time.Since(t0))
	os.Remove(pulled)

	if err := r.Remove(ctx, remotePath); err != nil {
		o.log.Debugf("benchmark %d: cleanup %s: %v", bench.ID, remotePath, err)
	}
}

// benchmarkPayload writes a patterned test file that will not collapse
// under wire compression.
func benchmarkPayload() (string, error) {
	f, err := os.CreateTemp("", "farmd-bench-*.bin")
	if err != nil {
		return "", err
	}
	block := make([]byte, 64<<10)
	for i := range block {
		block[i] = byte(i*31 + i>>8)
	}
	for written := 0; written < benchmarkBytes; written += len(block) {
		if _, err := f.Write(block); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func mbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / 1e6 / secs
}
