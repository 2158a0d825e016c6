// Package vector implements the in-memory embedding index behind the search
// service: per-archive segment tables paired with half-precision embedding
// chunks, lazily merged into one L2-normalized matrix that answers
// nearest-neighbour queries with a chunked dot product.
package vector

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/x448/float16"

	"github.com/reeltotext/rtt/media"
)

// scoreChunkRows bounds the peak working memory of a query: the float16
// matrix is promoted to float32 at most this many rows at a time.
const scoreChunkRows = 20000

// Result is one query hit. Distance is cosine distance (1 - similarity).
type Result struct {
	Segment  media.Segment
	Distance float64
}

// Index accumulates whole per-archive tables and defers merging until the
// first query. Safe for concurrent queries once merged; adds must not race
// with queries.
type Index struct {
	mu sync.RWMutex

	tables [][]media.Segment
	chunks [][]float16.Float16

	merged []media.Segment
	matrix []float16.Float16
	byID   map[string]int

	rng *rand.Rand
}

func NewIndex() *Index {
	return &Index{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// AddTable registers one archive's rows with their embeddings as a flat
// row-major float16 chunk of width media.EmbeddingDim. Rows must not carry
// embeddings themselves.
func (x *Index) AddTable(rows []media.Segment, chunk []float16.Float16) {
	if len(rows) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tables = append(x.tables, rows)
	x.chunks = append(x.chunks, chunk)
	x.merged = nil
	x.matrix = nil
	x.byID = nil
}

// AddSegments is the convenience form taking segments with float32
// embeddings attached, as the pipeline produces them.
func (x *Index) AddSegments(segments []media.Segment) {
	if len(segments) == 0 {
		return
	}
	rows := make([]media.Segment, len(segments))
	chunk := make([]float16.Float16, 0, len(segments)*media.EmbeddingDim)
	for i, s := range segments {
		for _, v := range s.TextEmbedding {
			chunk = append(chunk, float16.Fromfloat32(v))
		}
		s.TextEmbedding = nil
		rows[i] = s
	}
	x.AddTable(rows, chunk)
}

// EnsureMerged concatenates all pending tables into the query-ready state.
// Pairs are shuffled first so collection-filtered queries do work
// proportionate to the filter regardless of archive insertion order. Rows are
// L2-normalized once and kept as float16 to halve memory.
func (x *Index) EnsureMerged() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureMergedLocked()
}

func (x *Index) ensureMergedLocked() {
	if x.merged != nil || len(x.tables) == 0 {
		return
	}
	order := x.rng.Perm(len(x.tables))

	total := 0
	for _, t := range x.tables {
		total += len(t)
	}
	merged := make([]media.Segment, 0, total)
	matrix := make([]float16.Float16, 0, total*media.EmbeddingDim)
	for _, i := range order {
		merged = append(merged, x.tables[i]...)
		matrix = append(matrix, x.chunks[i]...)
	}

	row := make([]float32, media.EmbeddingDim)
	for r := 0; r < total; r++ {
		off := r * media.EmbeddingDim
		var norm float64
		for i := 0; i < media.EmbeddingDim; i++ {
			row[i] = matrix[off+i].Float32()
			norm += float64(row[i]) * float64(row[i])
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			norm = 1
		}
		for i := 0; i < media.EmbeddingDim; i++ {
			matrix[off+i] = float16.Fromfloat32(row[i] / float32(norm))
		}
	}

	byID := make(map[string]int, total)
	for i, s := range merged {
		byID[s.SegmentID] = i
	}

	x.merged = merged
	x.matrix = matrix
	x.byID = byID
}

// Compact discards the per-archive tables, keeping only the merged state.
// Call after boot-time loading is finished.
func (x *Index) Compact() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureMergedLocked()
	x.tables = nil
	x.chunks = nil
}

// Closest returns the top-n rows by cosine similarity to query, optionally
// restricted to the given collections. A zero-norm or mis-sized query yields
// no results. Results are sorted by descending score.
func (x *Index) Closest(query []float32, n int, collections []string) []Result {
	x.EnsureMerged()
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.merged) == 0 || n <= 0 || len(query) != media.EmbeddingDim {
		return nil
	}
	q := normalize(query)
	if q == nil {
		return nil
	}
	include := collectionFilter(collections)

	negInf := float32(math.Inf(-1))
	scores := make([]float32, len(x.merged))
	for base := 0; base < len(x.merged); base += scoreChunkRows {
		end := base + scoreChunkRows
		if end > len(x.merged) {
			end = len(x.merged)
		}
		for r := base; r < end; r++ {
			if include != nil && !include[x.merged[r].Collection] {
				scores[r] = negInf
				continue
			}
			off := r * media.EmbeddingDim
			var dot float32
			for i := 0; i < media.EmbeddingDim; i++ {
				dot += x.matrix[off+i].Float32() * q[i]
			}
			scores[r] = dot
		}
	}

	top := topIndices(scores, n, negInf)
	results := make([]Result, 0, len(top))
	for _, idx := range top {
		results = append(results, Result{
			Segment:  x.merged[idx],
			Distance: 1 - float64(scores[idx]),
		})
	}
	return results
}

// GetSegment returns the row for an exact segment ID, including its stored
// (normalized) embedding.
func (x *Index) GetSegment(segmentID string) (media.Segment, bool) {
	x.EnsureMerged()
	x.mu.RLock()
	defer x.mu.RUnlock()

	idx, ok := x.byID[segmentID]
	if !ok {
		return media.Segment{}, false
	}
	seg := x.merged[idx]
	seg.TextEmbedding = x.embeddingAt(idx)
	return seg, true
}

// ListSegments pages through the merged rows with the same collection filter
// as Closest.
func (x *Index) ListSegments(offset, limit int, collections []string) []media.Segment {
	x.EnsureMerged()
	x.mu.RLock()
	defer x.mu.RUnlock()

	include := collectionFilter(collections)
	var out []media.Segment
	skipped := 0
	for _, s := range x.merged {
		if include != nil && !include[s.Collection] {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// VideoSegments returns all segments of one video sorted by start time.
func (x *Index) VideoSegments(videoID string) []media.Segment {
	x.EnsureMerged()
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []media.Segment
	for _, s := range x.merged {
		if s.VideoID == videoID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartSeconds < out[j].StartSeconds })
	return out
}

// Count returns the row cardinality under the collection filter.
func (x *Index) Count(collections []string) int {
	x.EnsureMerged()
	x.mu.RLock()
	defer x.mu.RUnlock()

	include := collectionFilter(collections)
	if include == nil {
		return len(x.merged)
	}
	n := 0
	for _, s := range x.merged {
		if include[s.Collection] {
			n++
		}
	}
	return n
}

// CollectionStat summarizes one collection for the listing endpoint.
type CollectionStat struct {
	ID           string `json:"id"`
	VideoCount   int    `json:"video_count"`
	SegmentCount int    `json:"segment_count"`
}

// Collections aggregates per-collection video and segment counts, sorted by
// collection ID.
func (x *Index) Collections() []CollectionStat {
	x.EnsureMerged()
	x.mu.RLock()
	defer x.mu.RUnlock()

	videos := map[string]map[string]bool{}
	segments := map[string]int{}
	for _, s := range x.merged {
		if videos[s.Collection] == nil {
			videos[s.Collection] = map[string]bool{}
		}
		videos[s.Collection][s.VideoID] = true
		segments[s.Collection]++
	}
	out := make([]CollectionStat, 0, len(segments))
	for id, count := range segments {
		out = append(out, CollectionStat{ID: id, VideoCount: len(videos[id]), SegmentCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (x *Index) embeddingAt(idx int) []float32 {
	off := idx * media.EmbeddingDim
	vec := make([]float32, media.EmbeddingDim)
	for i := 0; i < media.EmbeddingDim; i++ {
		vec[i] = x.matrix[off+i].Float32()
	}
	return vec
}

func collectionFilter(collections []string) map[string]bool {
	if len(collections) == 0 {
		return nil
	}
	set := make(map[string]bool, len(collections))
	for _, c := range collections {
		set[c] = true
	}
	return set
}

func normalize(query []float32) []float32 {
	var norm float64
	for _, v := range query {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil
	}
	inv := float32(1 / math.Sqrt(norm))
	out := make([]float32, len(query))
	for i, v := range query {
		out[i] = v * inv
	}
	return out
}

// topIndices selects the n highest-scoring row indices with a fixed-size
// min-heap, then fully sorts just those n by descending score. Excluded
// (-Inf) rows never enter the heap.
func topIndices(scores []float32, n int, negInf float32) []int {
	heap := make([]int, 0, n)
	siftDown := func(i int) {
		for {
			left, right := 2*i+1, 2*i+2
			small := i
			if left < len(heap) && scores[heap[left]] < scores[heap[small]] {
				small = left
			}
			if right < len(heap) && scores[heap[right]] < scores[heap[small]] {
				small = right
			}
			if small == i {
				return
			}
			heap[i], heap[small] = heap[small], heap[i]
			i = small
		}
	}
	for i, s := range scores {
		if s == negInf {
			continue
		}
		if len(heap) < n {
			heap = append(heap, i)
			for c := len(heap) - 1; c > 0; {
				p := (c - 1) / 2
				if scores[heap[c]] >= scores[heap[p]] {
					break
				}
				heap[c], heap[p] = heap[p], heap[c]
				c = p
			}
			continue
		}
		if s > scores[heap[0]] {
			heap[0] = i
			siftDown(0)
		}
	}
	sort.Slice(heap, func(a, b int) bool { return scores[heap[a]] > scores[heap[b]] })
	return heap
}
