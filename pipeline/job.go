package pipeline

import (
	"time"

	"github.com/reeltotext/rtt/checkpoint"
	"github.com/reeltotext/rtt/media"
)

// Job is the unit passed between stage queues. Queues carry pointers, so a
// stage's mutations (segments, checkpoint) are visible downstream without
// copying.
type Job struct {
	Input      media.VideoJob
	Checkpoint *checkpoint.Checkpoint
	Segments   []media.Segment

	// EnqueuedAt is stamped on every queue put, for wait-time metrics.
	EnqueuedAt time.Time
}
