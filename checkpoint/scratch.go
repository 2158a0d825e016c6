package checkpoint

import (
	"os"
	"path/filepath"
)

// Scratch names every intermediate file the pipeline produces for one video.
// Centralizing them here means failure cleanup, success cleanup and
// stale-leftover cleanup all agree on what to remove.
type Scratch struct {
	dir     string
	videoID string
}

func (s *Store) Scratch(videoID string) Scratch {
	return Scratch{dir: s.Dir, videoID: videoID}
}

func (s Scratch) AudioPath() string {
	return filepath.Join(s.dir, s.videoID+".audio")
}

func (s Scratch) VideoPath() string {
	return filepath.Join(s.dir, s.videoID+".video")
}

func (s Scratch) FramesDir() string {
	return filepath.Join(s.dir, s.videoID+".frames")
}

// CleanMedia removes the scratch audio and video files. Used once frames are
// extracted, and on every failure path.
func (s Scratch) CleanMedia() {
	_ = os.Remove(s.AudioPath())
	_ = os.Remove(s.VideoPath())
}

// CleanAll removes every scratch file for the video, including the frames
// directory. Resilient to leftovers from a prior crashed run.
func (s Scratch) CleanAll() {
	s.CleanMedia()
	_ = os.RemoveAll(s.FramesDir())
}
