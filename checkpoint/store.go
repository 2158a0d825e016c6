// Package checkpoint persists per-video pipeline progress beside the output
// directory so a crashed or interrupted batch resumes from its last completed
// stage.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/reeltotext/rtt/media"
)

// PersistedSegment is the on-disk shape of a transcribed segment.
type PersistedSegment struct {
	SegmentID string  `json:"segment_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
}

// Checkpoint is the resume record for one video. Which optional fields are
// populated depends on Status: Segments from transcribed onward, Enriched
// from enriched onward, Embeddings from embedded onward.
type Checkpoint struct {
	Status           media.Status       `json:"status"`
	Segments         []PersistedSegment `json:"segments,omitempty"`
	Enriched         []string           `json:"enriched,omitempty"`
	Embeddings       [][]float32        `json:"embeddings,omitempty"`
	TranscriptSource string             `json:"transcript_source,omitempty"`
}

// Validate checks that the fields every stage up to and including the
// checkpoint's status are present and well-formed, so a resumed job never
// re-enters the pipeline with data a later stage cannot use.
func (c *Checkpoint) Validate() error {
	switch c.Status {
	case media.StatusNew, media.StatusDownloaded:
		return nil
	case media.StatusTranscribed, media.StatusEnriched, media.StatusEmbedded:
		if len(c.Segments) == 0 {
			return fmt.Errorf("checkpoint status %q requires segments", c.Status)
		}
	case media.StatusReady:
		// a ready checkpoint with no segments starts the job over, so an
		// empty record is fine; one with segments must be packageable
		if len(c.Segments) == 0 {
			return nil
		}
	default:
		return fmt.Errorf("unknown checkpoint status %q", c.Status)
	}

	needEnriched := c.Status == media.StatusEnriched || c.Status == media.StatusEmbedded || c.Status == media.StatusReady
	if needEnriched && len(c.Enriched) != len(c.Segments) {
		return fmt.Errorf("checkpoint status %q has %d enriched texts for %d segments", c.Status, len(c.Enriched), len(c.Segments))
	}

	needEmbeddings := c.Status == media.StatusEmbedded || c.Status == media.StatusReady
	if needEmbeddings {
		if len(c.Embeddings) != len(c.Segments) {
			return fmt.Errorf("checkpoint status %q has %d embeddings for %d segments", c.Status, len(c.Embeddings), len(c.Segments))
		}
		for i, vec := range c.Embeddings {
			if len(vec) != media.EmbeddingDim {
				return fmt.Errorf("checkpoint embedding %d has width %d, expected %d", i, len(vec), media.EmbeddingDim)
			}
		}
	}
	return nil
}

// Hydrate converts the persisted segments back into pipeline segments,
// applying enriched texts and embeddings as far as the checkpoint carries
// them.
func (c *Checkpoint) Hydrate(videoID string) []media.Segment {
	segments := make([]media.Segment, len(c.Segments))
	for i, p := range c.Segments {
		segments[i] = media.Segment{
			SegmentID:     p.SegmentID,
			VideoID:       videoID,
			StartSeconds:  p.Start,
			EndSeconds:    p.End,
			TranscriptRaw: p.Text,
			HasSpeech:     true,
			Source:        media.SourceTranscript,
		}
		if c.TranscriptSource != "" {
			segments[i].Source = c.TranscriptSource
		}
		if i < len(c.Enriched) {
			segments[i].TranscriptEnriched = c.Enriched[i]
		}
		if i < len(c.Embeddings) {
			segments[i].TextEmbedding = c.Embeddings[i]
		}
	}
	return segments
}

// Store reads and writes checkpoint files in a single output directory.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) Path(videoID string) string {
	return filepath.Join(s.Dir, videoID+".rtt.json")
}

// Load returns the checkpoint for a video, or a fresh {status: new} record if
// none exists yet.
func (s *Store) Load(videoID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path(videoID))
	if os.IsNotExist(err) {
		return &Checkpoint{Status: media.StatusNew}, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for %s: %w", videoID, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save writes the checkpoint with an atomic replace, so a crash mid-write
// never leaves a truncated file behind.
func (s *Store) Save(videoID string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.Path(videoID), data, 0o644)
}

// Delete removes the checkpoint file. Missing files are not an error.
func (s *Store) Delete(videoID string) error {
	err := os.Remove(s.Path(videoID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
