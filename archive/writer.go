package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/media"
)

// Write produces the archive for one video. Manifest segment order matches
// the parquet row order. Frames are optional: segments whose frame file is
// missing keep an empty frame_path.
func Write(video media.Video, segments []media.Segment, framesDir, outPath string) error {
	if err := validate(video, segments); err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mw, err := zw.Create(manifestEntry)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newManifest(video, segments)); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	var pqBuf bytes.Buffer
	if err := writeParquet(&pqBuf, segments); err != nil {
		return err
	}
	pw, err := zw.Create(parquetEntry)
	if err != nil {
		return err
	}
	if _, err := pw.Write(pqBuf.Bytes()); err != nil {
		return err
	}

	if framesDir != "" {
		if err := addFrames(zw, framesDir); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return err
	}
	return renameio.WriteFile(outPath, buf.Bytes(), 0o644)
}

func addFrames(zw *zip.Writer, framesDir string) error {
	entries, err := os.ReadDir(framesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(framesDir, name))
		if err != nil {
			return err
		}
		fw, err := zw.Create(framesPrefix + name)
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// validate enforces the archive invariants: consistent video IDs, non-empty
// transcripts, start < end, and one consistent embedding width across rows.
func validate(video media.Video, segments []media.Segment) error {
	if video.VideoID == "" {
		return xerrors.New(xerrors.KindInputInvalid, "no_video_id", "archive requires a video_id")
	}
	dim := -1
	for _, s := range segments {
		if s.VideoID != video.VideoID {
			return xerrors.New(xerrors.KindInputInvalid, "video_id_mismatch",
				fmt.Sprintf("segment %s belongs to %s, archive is %s", s.SegmentID, s.VideoID, video.VideoID))
		}
		if strings.TrimSpace(s.TranscriptRaw) == "" {
			return xerrors.New(xerrors.KindInputInvalid, "empty_transcript",
				fmt.Sprintf("segment %s has an empty transcript", s.SegmentID))
		}
		if s.StartSeconds >= s.EndSeconds {
			return xerrors.New(xerrors.KindInputInvalid, "invalid_bounds",
				fmt.Sprintf("segment %s has start %.3f >= end %.3f", s.SegmentID, s.StartSeconds, s.EndSeconds))
		}
		if dim == -1 {
			dim = len(s.TextEmbedding)
		} else if len(s.TextEmbedding) != dim {
			return xerrors.New(xerrors.KindDataShapeError, "ragged_embeddings",
				fmt.Sprintf("segment %s embedding width %d, expected %d", s.SegmentID, len(s.TextEmbedding), dim))
		}
	}
	return nil
}
