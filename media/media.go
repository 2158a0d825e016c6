// Package media holds the canonical value types that flow through the
// ingestion pipeline and into archives: segments, video headers and jobs.
package media

import "fmt"

// EmbeddingDim is the only embedding width the toolchain accepts. Archives
// carrying a different width are rejected at load time.
const EmbeddingDim = 768

// Status tracks how far a video has progressed through the pipeline. It only
// ever moves forward; a restarted run resumes from the persisted status.
type Status string

const (
	StatusNew         Status = "new"
	StatusDownloaded  Status = "downloaded"
	StatusTranscribed Status = "transcribed"
	StatusEnriched    Status = "enriched"
	StatusEmbedded    Status = "embedded"
	StatusReady       Status = "ready"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusDownloaded, StatusTranscribed, StatusEnriched, StatusEmbedded, StatusReady:
		return true
	default:
		return false
	}
}

// Segment is the atomic unit of retrieval: a time-bounded slice of one video
// with its raw transcript, enriched text, embedding and representative frame.
type Segment struct {
	SegmentID          string    `json:"segment_id"`
	VideoID            string    `json:"video_id"`
	StartSeconds       float64   `json:"start_seconds"`
	EndSeconds         float64   `json:"end_seconds"`
	TranscriptRaw      string    `json:"transcript_raw"`
	TranscriptEnriched string    `json:"transcript_enriched"`
	TextEmbedding      []float32 `json:"text_embedding,omitempty"`
	FramePath          string    `json:"frame_path"`
	HasSpeech          bool      `json:"has_speech"`
	Source             string    `json:"source"`
	Collection         string    `json:"collection,omitempty"`
}

// Video is the per-archive header.
type Video struct {
	VideoID         string  `json:"video_id"`
	Title           string  `json:"title"`
	SourceURL       string  `json:"source_url,omitempty"`
	PageURL         string  `json:"page_url,omitempty"`
	Context         string  `json:"context"`
	Collection      string  `json:"collection,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          Status  `json:"status"`
}

// VideoJob is the pipeline input for one video.
type VideoJob struct {
	VideoID    string `json:"video_id"`
	Title      string `json:"title"`
	SourceURL  string `json:"source_url"`
	PageURL    string `json:"page_url,omitempty"`
	Context    string `json:"context,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// SegmentID builds the canonical dense segment identifier for a video.
func SegmentID(videoID string, ordinal int) string {
	return fmt.Sprintf("%s_%05d", videoID, ordinal)
}

// Duration returns the video duration implied by a segment list, which is the
// max end timestamp across segments.
func Duration(segments []Segment) float64 {
	var max float64
	for _, s := range segments {
		if s.EndSeconds > max {
			max = s.EndSeconds
		}
	}
	return max
}
