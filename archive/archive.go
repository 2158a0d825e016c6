// Package archive reads and writes the self-contained .rtt archive: a zip
// container holding manifest.json, a parquet segment table with embeddings,
// and the extracted JPEG frames. Any zip + parquet reader can open the file
// without bespoke code.
package archive

import (
	"github.com/reeltotext/rtt/media"
)

const (
	// Ext is the archive file extension.
	Ext = ".rtt"

	manifestEntry = "manifest.json"
	parquetEntry  = "segments.parquet"
	framesPrefix  = "frames/"
)

// manifest is the JSON header entry. It carries every segment field except
// the embedding vector; embeddings live only in the parquet table.
type manifest struct {
	VideoID         string            `json:"video_id"`
	Status          media.Status      `json:"status"`
	Title           string            `json:"title"`
	SourceURL       string            `json:"source_url,omitempty"`
	PageURL         string            `json:"page_url,omitempty"`
	Context         string            `json:"context"`
	Collection      string            `json:"collection,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	Segments        []manifestSegment `json:"segments"`
}

type manifestSegment struct {
	SegmentID          string  `json:"segment_id"`
	StartSeconds       float64 `json:"start_seconds"`
	EndSeconds         float64 `json:"end_seconds"`
	Source             string  `json:"source"`
	TranscriptRaw      string  `json:"transcript_raw"`
	TranscriptEnriched string  `json:"transcript_enriched"`
	FramePath          string  `json:"frame_path"`
	HasSpeech          bool    `json:"has_speech"`
}

func newManifest(video media.Video, segments []media.Segment) manifest {
	m := manifest{
		VideoID:         video.VideoID,
		Status:          media.StatusReady,
		Title:           video.Title,
		SourceURL:       video.SourceURL,
		PageURL:         video.PageURL,
		Context:         video.Context,
		Collection:      video.Collection,
		DurationSeconds: video.DurationSeconds,
		Segments:        make([]manifestSegment, len(segments)),
	}
	for i, s := range segments {
		m.Segments[i] = manifestSegment{
			SegmentID:          s.SegmentID,
			StartSeconds:       s.StartSeconds,
			EndSeconds:         s.EndSeconds,
			Source:             s.Source,
			TranscriptRaw:      s.TranscriptRaw,
			TranscriptEnriched: s.TranscriptEnriched,
			FramePath:          s.FramePath,
			HasSpeech:          s.HasSpeech,
		}
	}
	return m
}
