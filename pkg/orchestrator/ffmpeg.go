package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeArgs builds the ffmpeg command line for one encode run. start
// and length of zero mean the whole file; format overrides the output
// container (chunk segments go to mpegts so they can be concatenated
// with a stream copy).
func encodeArgs(params map[string]interface{}, input, output string, start, length float64, format string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-nostdin"}

	if b, _ := params["hwaccel_decode"].(bool); b {
		args = append(args, "-hwaccel", "auto")
	}
	if start > 0 {
		args = append(args, "-ss", formatSeconds(start))
	}
	args = append(args, "-i", input)
	if length > 0 {
		args = append(args, "-t", formatSeconds(length))
	}

	codec := "libx264"
	if vc, _ := params["video_codec"].(string); vc != "" {
		codec = vc
	}
	args = append(args, "-c:v", codec)

	if crf, ok := paramNumber(params, "crf"); ok {
		args = append(args, "-crf", strconv.Itoa(int(crf)))
	}
	if preset, _ := params["preset"].(string); preset != "" {
		args = append(args, "-preset", preset)
	}
	if bitrate, _ := params["video_bitrate"].(string); bitrate != "" {
		args = append(args, "-b:v", bitrate)
	}

	if ac, _ := params["audio_codec"].(string); ac != "" {
		args = append(args, "-c:a", ac)
	} else {
		args = append(args, "-c:a", "copy")
	}

	if format != "" {
		args = append(args, "-f", format)
	}
	return append(args, output)
}

// concatArgs remuxes encoded MPEG-TS segments into the final container
// without re-encoding.
func concatArgs(segments []string, output string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y", "-nostdin",
		"-i", "concat:" + strings.Join(segments, "|"),
		"-c", "copy",
		output,
	}
}

// paramNumber reads a numeric parameter that may arrive as float64
// (JSON), int, or a numeric string.
func paramNumber(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// String-ifies a chunk label for log lines.
func chunkLabel(i, total int) string {
	return fmt.Sprintf("%d/%d", i+1, total)
}
