package pipeline

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/reeltotext/rtt/media"
)

// FailureLog appends one JSON line per failed job so a batch over thousands
// of videos leaves a machine-readable account of what it dropped. The file is
// only created once the first failure happens.
type FailureLog struct {
	path string

	mu sync.Mutex
	f  *os.File
}

type failureLine struct {
	VideoID   string `json:"video_id"`
	SourceURL string `json:"source_url"`
	Title     string `json:"title"`
	Error     string `json:"error"`
}

func NewFailureLog(path string) *FailureLog {
	return &FailureLog{path: path}
}

func (l *FailureLog) Path() string {
	return l.path
}

// Append writes one failure line. The mutex keeps concurrent stage workers
// from interleaving partial lines.
func (l *FailureLog) Append(job media.VideoJob, failure error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		l.f = f
	}
	line, err := json.Marshal(failureLine{
		VideoID:   job.VideoID,
		SourceURL: job.SourceURL,
		Title:     job.Title,
		Error:     failure.Error(),
	})
	if err != nil {
		return err
	}
	_, err = l.f.Write(append(line, '\n'))
	return err
}

func (l *FailureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
