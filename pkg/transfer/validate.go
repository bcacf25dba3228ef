package transfer

import (
	"context"
	"fmt"

	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/remote"
)

// Validate probes a finished encode and checks it against the source.
// A nil return means the output passed; any other return wraps
// ErrValidationFailed and routes the job to the retry path, never to
// completed. sourceDuration of zero skips the duration check.
func (p *Pipeline) Validate(ctx context.Context, r remote.Runner, job *models.Job, outputPath string, sourceDuration float64) error {
	probe, err := r.Probe(ctx, outputPath)
	if err != nil {
		return fmt.Errorf("%w: probe: %v", ErrValidationFailed, err)
	}
	return p.checkProbe(probe, job.SourceSize, sourceDuration)
}

func (p *Pipeline) checkProbe(probe *remote.ProbeResult, sourceSize int64, sourceDuration float64) error {
	if !probe.HasVideoStream {
		return fmt.Errorf("%w: no video stream in output", ErrValidationFailed)
	}
	if probe.SizeBytes <= 0 {
		return fmt.Errorf("%w: output is empty", ErrValidationFailed)
	}

	if sourceSize > 0 {
		ratio := float64(probe.SizeBytes) / float64(sourceSize)
		if ratio < p.cfg.MinSizeRatio {
			return fmt.Errorf("%w: output %d bytes is %.1f%% of source, below %.1f%% floor",
				ErrValidationFailed, probe.SizeBytes, ratio*100, p.cfg.MinSizeRatio*100)
		}
		if ratio > p.cfg.MaxSizeRatio {
			return fmt.Errorf("%w: output %d bytes is %.1fx source, above %.1fx ceiling",
				ErrValidationFailed, probe.SizeBytes, ratio, p.cfg.MaxSizeRatio)
		}
	}

	if sourceDuration > 0 {
		tolerance := sourceDuration * p.cfg.DurationTolerancePct / 100
		if tolerance < 1 {
			tolerance = 1
		}
		drift := probe.DurationSeconds - sourceDuration
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return fmt.Errorf("%w: duration %.2fs differs from source %.2fs by %.2fs (tolerance %.2fs)",
				ErrValidationFailed, probe.DurationSeconds, sourceDuration, drift, tolerance)
		}
	}
	return nil
}
