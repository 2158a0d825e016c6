package handlers

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/reeltotext/rtt/archive"
	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/log"
	"github.com/reeltotext/rtt/media"
	"github.com/reeltotext/rtt/metrics"
	"github.com/reeltotext/rtt/vector"
)

// loadConcurrency bounds how many archives are parsed at once during boot.
const loadConcurrency = 4

// VideoEntry is the per-video metadata the search service keeps in memory.
type VideoEntry struct {
	Title       string
	SourceURL   string
	PageURL     string
	Collection  string
	Context     string
	LocalDir    string
	ArchivePath string
}

// Library is everything the serve command loads at boot: the merged vector
// index plus a video-id lookup for metadata joins.
type Library struct {
	Index  *vector.Index
	Videos map[string]VideoEntry
}

// LoadLibrary scans the roots recursively for archives and loads each one.
// Archives whose embedding column is not 768 wide are logged and skipped, as
// are unreadable archives; a bad file never takes the whole service down.
func LoadLibrary(roots []string) (*Library, error) {
	var paths []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), archive.Ext) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s for archives: %w", root, err)
		}
	}

	lib := &Library{
		Index:  vector.NewIndex(),
		Videos: map[string]VideoEntry{},
	}
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(loadConcurrency)
	for _, path := range paths {
		path := path
		group.Go(func() error {
			rows, chunk, video, err := loadArchive(path)
			if err != nil {
				log.LogNoVideoID("skipping unloadable archive", "path", path, "err", err)
				return nil
			}
			mu.Lock()
			lib.Videos[video.VideoID] = VideoEntry{
				Title:       video.Title,
				SourceURL:   video.SourceURL,
				PageURL:     video.PageURL,
				Collection:  video.Collection,
				Context:     video.Context,
				LocalDir:    filepath.Dir(path),
				ArchivePath: path,
			}
			mu.Unlock()
			lib.Index.AddTable(rows, chunk)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	lib.Index.EnsureMerged()
	lib.Index.Compact()
	metrics.Metrics.IndexSegmentCount.Set(float64(lib.Index.Count(nil)))
	log.LogNoVideoID("library loaded", "archives", len(lib.Videos), "segments", lib.Index.Count(nil))
	return lib, nil
}

func loadArchive(path string) ([]media.Segment, []float16.Float16, media.Video, error) {
	meta, err := archive.OpenMetadata(path)
	if err != nil {
		return nil, nil, media.Video{}, err
	}

	chunk := make([]float16.Float16, 0, len(meta.Segments)*media.EmbeddingDim)
	rows, err := archive.EachEmbedding(path, func(row int, embedding []float32) error {
		if len(embedding) != media.EmbeddingDim {
			return xerrors.New(xerrors.KindDataShapeError, "embedding_dim_mismatch",
				fmt.Sprintf("row %d has embedding width %d, expected %d", row, len(embedding), media.EmbeddingDim))
		}
		for _, v := range embedding {
			chunk = append(chunk, float16.Fromfloat32(v))
		}
		return nil
	})
	if err != nil {
		return nil, nil, media.Video{}, err
	}
	if rows != len(meta.Segments) {
		return nil, nil, media.Video{}, xerrors.New(xerrors.KindDataShapeError, "row_count_mismatch",
			fmt.Sprintf("parquet has %d rows, manifest lists %d segments", rows, len(meta.Segments)))
	}
	return meta.Segments, chunk, meta.Video, nil
}
