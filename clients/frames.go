package clients

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/sync/errgroup"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/reeltotext/rtt/log"
)

// remoteFrameConcurrency bounds how many ffmpeg processes hit a remote URL at
// once when extracting frames without downloading the whole file.
const remoteFrameConcurrency = 20

const frameTimeout = 2 * time.Minute

// FrameExtractor produces one JPEG still per timestamp. The returned paths
// are aligned to the timestamps; a failed extraction yields an empty string
// at that position and is never fatal.
type FrameExtractor interface {
	ExtractLocal(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]string, error)
	ExtractRemote(ctx context.Context, sourceURL string, timestamps []float64, outputDir string) ([]string, error)
}

// FFmpegExtractor shells out to ffmpeg for stills and ffprobe for sanity
// checks on local files.
type FFmpegExtractor struct{}

func framePath(outputDir string, ts float64) string {
	return filepath.Join(outputDir, fmt.Sprintf("%06d.jpg", int(ts)))
}

// ExtractLocal walks the timestamps sequentially against a local media file.
func (FFmpegExtractor) ExtractLocal(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	if probed, err := ffprobe.ProbeURL(ctx, videoPath); err != nil {
		log.LogNoVideoID("ffprobe failed for frame source, extracting anyway", "path", videoPath, "err", err)
	} else if probed.Format != nil {
		log.LogNoVideoID("extracting frames", "path", videoPath, "duration", probed.Format.DurationSeconds, "count", len(timestamps))
	}

	paths := make([]string, len(timestamps))
	for i, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		out := framePath(outputDir, ts)
		var ffmpegErr bytes.Buffer
		err := ffmpeg.Input(videoPath, ffmpeg.KwArgs{"ss": ts}).
			Output(out, ffmpeg.KwArgs{"frames:v": 1, "q:v": 2}).
			OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
		if err != nil {
			log.LogNoVideoID("ffmpeg frame extraction failed", "ts", ts, "err", err, "ffmpeg", ffmpegErr.String())
		}
		paths[i] = checkFrame(out, err)
	}
	return paths, nil
}

// ExtractRemote seeks into the remote URL once per timestamp, with bounded
// internal concurrency.
func (FFmpegExtractor) ExtractRemote(ctx context.Context, sourceURL string, timestamps []float64, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, len(timestamps))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(remoteFrameConcurrency)
	for i, ts := range timestamps {
		i, ts := i, ts
		group.Go(func() error {
			out := framePath(outputDir, ts)
			cmdCtx, cancel := context.WithTimeout(ctx, frameTimeout)
			defer cancel()
			cmd := exec.CommandContext(cmdCtx, "ffmpeg",
				"-ss", fmt.Sprintf("%f", ts),
				"-i", sourceURL,
				"-frames:v", "1",
				"-q:v", "2",
				"-y", out,
			)
			paths[i] = checkFrame(out, cmd.Run())
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return paths, err
	}
	return paths, nil
}

// checkFrame keeps only frames that ffmpeg produced with non-zero size.
func checkFrame(out string, err error) string {
	if err != nil {
		_ = os.Remove(out)
		return ""
	}
	info, statErr := os.Stat(out)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(out)
		return ""
	}
	return out
}
