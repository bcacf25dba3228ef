package scheduler

import (
	"fmt"

	"github.com/transcodefarm/farmd/pkg/models"
)

// gpuCodecTable maps a hardware acceleration capability to the CPU
// codec -> GPU codec substitutions it enables. Substitution only ever
// touches EffectiveParams; the original request is kept for audit and
// retry.
var gpuCodecTable = map[string]map[string]string{
	"nvenc": {
		"h264":    "h264_nvenc",
		"libx264": "h264_nvenc",
		"hevc":    "hevc_nvenc",
		"libx265": "hevc_nvenc",
		"av1":     "av1_nvenc",
	},
	"qsv": {
		"h264":    "h264_qsv",
		"libx264": "h264_qsv",
		"hevc":    "hevc_qsv",
		"libx265": "hevc_qsv",
		"av1":     "av1_qsv",
	},
	"vaapi": {
		"h264":    "h264_vaapi",
		"libx264": "h264_vaapi",
		"hevc":    "hevc_vaapi",
		"libx265": "hevc_vaapi",
	},
	"videotoolbox": {
		"h264":    "h264_videotoolbox",
		"libx264": "h264_videotoolbox",
		"hevc":    "hevc_videotoolbox",
		"libx265": "hevc_videotoolbox",
	},
}

// buildEffectiveParams computes the dispatch configuration for a job on
// a worker, honouring the job's GPU fallback stage. The returned detail
// string records any substitution for the job's status detail.
func buildEffectiveParams(job *models.Job, worker *models.Worker) (map[string]interface{}, string) {
	effective := job.CloneParams()

	// Stage 2 means both fallbacks fired: full CPU pipeline, run the
	// request exactly as written.
	if job.GPUFallbackStage >= models.GPUFallbackCPUEncode {
		effective["hwaccel_decode"] = false
		return effective, "cpu pipeline (gpu fallback exhausted)"
	}

	requested, _ := effective["video_codec"].(string)
	if requested == "" || !worker.HasGPU() {
		return effective, ""
	}

	var gpuCodec string
	for _, accel := range worker.HWAccels {
		if mapped, ok := gpuCodecTable[accel][requested]; ok {
			gpuCodec = mapped
			break
		}
	}
	if gpuCodec == "" {
		return effective, ""
	}

	effective["video_codec"] = gpuCodec
	detail := fmt.Sprintf("gpu codec substitution: %s -> %s", requested, gpuCodec)

	// Stage 1 keeps GPU encode but decodes on the CPU.
	if job.GPUFallbackStage == models.GPUFallbackCPUDecode {
		effective["hwaccel_decode"] = false
		detail += " (cpu decode)"
	} else {
		effective["hwaccel_decode"] = true
	}
	return effective, detail
}
