// Package remote abstracts command execution and file movement on a
// worker, local or across SSH. The scheduler and transfer pipeline
// only ever see the Runner interface.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ProbeResult is the distilled ffprobe output for one media file.
type ProbeResult struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
	VideoCodec      string  `json:"video_codec"`
	HasVideoStream  bool    `json:"has_video_stream"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
}

// RunResult carries the output of one remote command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands and moves files on one worker.
type Runner interface {
	// Run executes a command, waiting for completion. A non-zero
	// exit is not an error at this layer; callers read ExitCode.
	Run(ctx context.Context, name string, args ...string) (*RunResult, error)

	// Put copies a local file to the worker.
	Put(ctx context.Context, localPath, remotePath string) error

	// Get copies a file from the worker to the local filesystem.
	Get(ctx context.Context, remotePath, localPath string) error

	// Probe inspects a media file on the worker with ffprobe.
	Probe(ctx context.Context, path string) (*ProbeResult, error)

	// Remove deletes a file on the worker, best effort for cleanup.
	Remove(ctx context.Context, path string) error

	Close() error
}

// ffprobeArgs is the invocation shared by both runners.
func ffprobeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration,size:stream=codec_type,codec_name,width,height",
		"-of", "json",
		path,
	}
}

// ffprobeOutput mirrors the subset of ffprobe's JSON we read.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func parseProbeOutput(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	res := &ProbeResult{}
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", out.Format.Duration, err)
		}
		res.DurationSeconds = d
	}
	if out.Format.Size != "" {
		sz, err := strconv.ParseInt(out.Format.Size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad size %q: %w", out.Format.Size, err)
		}
		res.SizeBytes = sz
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			res.HasVideoStream = true
			res.VideoCodec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			break
		}
	}
	return res, nil
}
