package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/media"
)

// Archive is an opened .rtt file. Segments never carry embeddings here; the
// embedding column is streamed separately via EachEmbedding so loading many
// archives stays cheap.
type Archive struct {
	Path     string
	Video    media.Video
	Segments []media.Segment
}

// OpenMetadata opens an archive reading only the manifest entry. No parquet
// data is deserialized.
func OpenMetadata(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer zr.Close()

	mf, err := readEntry(&zr.Reader, manifestEntry)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(mf, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest in %s: %w", path, err)
	}

	a := &Archive{
		Path: path,
		Video: media.Video{
			VideoID:         m.VideoID,
			Title:           m.Title,
			SourceURL:       m.SourceURL,
			PageURL:         m.PageURL,
			Context:         m.Context,
			Collection:      m.Collection,
			DurationSeconds: m.DurationSeconds,
			Status:          m.Status,
		},
		Segments: make([]media.Segment, len(m.Segments)),
	}
	for i, s := range m.Segments {
		a.Segments[i] = media.Segment{
			SegmentID:          s.SegmentID,
			VideoID:            m.VideoID,
			StartSeconds:       s.StartSeconds,
			EndSeconds:         s.EndSeconds,
			TranscriptRaw:      s.TranscriptRaw,
			TranscriptEnriched: s.TranscriptEnriched,
			FramePath:          s.FramePath,
			HasSpeech:          s.HasSpeech,
			Source:             s.Source,
			Collection:         m.Collection,
		}
	}
	return a, nil
}

// EachEmbedding streams the embedding column row by row, reusing no state
// between calls, so the caller decides how vectors are stored. Returns the
// number of rows visited.
func EachEmbedding(path string, fn func(row int, embedding []float32) error) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer zr.Close()

	data, err := readEntry(&zr.Reader, parquetEntry)
	if err != nil {
		return 0, err
	}
	row := 0
	return eachParquetRow(data, []string{"text_embedding"}, func(r map[string]interface{}) error {
		vec, err := embeddingFromRow(r)
		if err != nil {
			return xerrors.Wrap(xerrors.KindDataShapeError, "bad_embedding_column", path, err)
		}
		err = fn(row, vec)
		row++
		return err
	})
}

// ReadSegments reads the full parquet table, embeddings included. Intended
// for round-trip verification and small archives, not the bulk load path.
func ReadSegments(path string) ([]media.Segment, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer zr.Close()

	data, err := readEntry(&zr.Reader, parquetEntry)
	if err != nil {
		return nil, err
	}
	var segments []media.Segment
	_, err = eachParquetRow(data, nil, func(row map[string]interface{}) error {
		vec, err := embeddingFromRow(row)
		if err != nil {
			return err
		}
		segments = append(segments, media.Segment{
			SegmentID:          string(row["segment_id"].([]byte)),
			VideoID:            string(row["video_id"].([]byte)),
			StartSeconds:       row["start_seconds"].(float64),
			EndSeconds:         row["end_seconds"].(float64),
			TranscriptRaw:      string(row["transcript_raw"].([]byte)),
			TranscriptEnriched: string(row["transcript_enriched"].([]byte)),
			TextEmbedding:      vec,
			FramePath:          string(row["frame_path"].([]byte)),
			HasSpeech:          row["has_speech"].(bool),
			Source:             string(row["source"].([]byte)),
			Collection:         string(row["collection"].([]byte)),
		})
		return nil
	})
	return segments, err
}

// ReadFrame returns the bytes of one JPEG entry, e.g. "000003.jpg".
func ReadFrame(path, name string) ([]byte, error) {
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return nil, xerrors.New(xerrors.KindInputInvalid, "bad_frame_name", name)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	defer zr.Close()

	data, err := readEntry(&zr.Reader, framesPrefix+name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNotFound, "frame_not_found", name, err)
	}
	return data, nil
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("archive entry %s not found", name)
}
