package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/reeltotext/rtt/archive"
	"github.com/reeltotext/rtt/media"
)

func oneHot(i int) []float32 {
	v := make([]float32, media.EmbeddingDim)
	v[i%media.EmbeddingDim] = 1
	return v
}

type queryEmbedder struct {
	vectors map[string][]float32
}

func (e *queryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, ok := e.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no stub vector for query %q", t)
		}
		out[i] = vec
	}
	return out, nil
}

// writeTestArchive builds a real .rtt file with n segments, one-hot
// embeddings offset by hotBase, and a frame per segment.
func writeTestArchive(t *testing.T, dir, videoID, collection string, n, dim, hotBase int) string {
	t.Helper()
	framesDir := filepath.Join(dir, videoID+".frames")
	require.NoError(t, os.MkdirAll(framesDir, 0o755))

	segments := make([]media.Segment, n)
	for i := range segments {
		emb := make([]float32, dim)
		emb[(hotBase+i)%dim] = 1
		frame := fmt.Sprintf("%06d.jpg", i*10)
		require.NoError(t, os.WriteFile(filepath.Join(framesDir, frame), []byte{0xff, 0xd8, byte(i)}, 0o644))
		segments[i] = media.Segment{
			SegmentID:          media.SegmentID(videoID, i),
			VideoID:            videoID,
			StartSeconds:       float64(i * 10),
			EndSeconds:         float64(i*10 + 8),
			TranscriptRaw:      fmt.Sprintf("%s segment %d", videoID, i),
			TranscriptEnriched: fmt.Sprintf("%s enriched %d", videoID, i),
			TextEmbedding:      emb,
			FramePath:          "frames/" + frame,
			HasSpeech:          true,
			Source:             media.SourceTranscript,
			Collection:         collection,
		}
	}
	video := media.Video{
		VideoID:         videoID,
		Title:           "Title of " + videoID,
		SourceURL:       "https://archive.example/" + videoID + ".mp4",
		PageURL:         "https://archive.example/details/" + videoID,
		Context:         "context for " + videoID,
		Collection:      collection,
		DurationSeconds: float64((n-1)*10 + 8),
		Status:          media.StatusReady,
	}
	outPath := filepath.Join(dir, videoID+archive.Ext)
	require.NoError(t, archive.Write(video, segments, framesDir, outPath))
	require.NoError(t, os.RemoveAll(framesDir))
	return outPath
}

func testLibrary(t *testing.T) (*Library, string) {
	t.Helper()
	dir := t.TempDir()
	writeTestArchive(t, dir, "duck_and_cover", "prelinger", 3, media.EmbeddingDim, 0)
	writeTestArchive(t, dir, "soldering_basics", "howto", 2, media.EmbeddingDim, 100)
	lib, err := LoadLibrary([]string{dir})
	require.NoError(t, err)
	return lib, dir
}

func get(h httprouter.Handle, target string, ps ...httprouter.Param) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", target, nil), httprouter.Params(ps))
	return w
}

func TestLoadLibraryIndexesAllArchives(t *testing.T) {
	lib, _ := testLibrary(t)
	require.Equal(t, 5, lib.Index.Count(nil))
	require.Len(t, lib.Videos, 2)
	require.Equal(t, "Title of duck_and_cover", lib.Videos["duck_and_cover"].Title)
	require.Equal(t, "prelinger", lib.Videos["duck_and_cover"].Collection)
}

func TestLoadLibrarySkipsWrongWidthArchives(t *testing.T) {
	dir := t.TempDir()
	writeTestArchive(t, dir, "good", "prelinger", 2, media.EmbeddingDim, 0)
	writeTestArchive(t, dir, "narrow", "prelinger", 2, 512, 0)

	lib, err := LoadLibrary([]string{dir})
	require.NoError(t, err)
	require.Equal(t, 2, lib.Index.Count(nil))
	require.Contains(t, lib.Videos, "good")
	require.NotContains(t, lib.Videos, "narrow")
}

func TestSearchByText(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{vectors: map[string][]float32{
		"civil defense turtle": oneHot(1),
	}}}

	w := get(h.Search(), "/search?q=civil+defense+turtle&n=3")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Query   string         `json:"query"`
		Results []searchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "civil defense turtle", resp.Query)
	require.Len(t, resp.Results, 3)

	top := resp.Results[0]
	require.Equal(t, "duck_and_cover_00001", top.SegmentID)
	require.Equal(t, "duck_and_cover", top.VideoID)
	require.Equal(t, "Title of duck_and_cover", top.Title)
	require.Equal(t, "https://archive.example/details/duck_and_cover", top.PageURL)
	require.Equal(t, "/static/frames/duck_and_cover/000010.jpg", top.FrameURL)
	require.Equal(t, "prelinger", top.Collection)
	require.InDelta(t, 1.0, top.Score, 0.01)
	for i := 1; i < len(resp.Results); i++ {
		require.LessOrEqual(t, resp.Results[i].Score, resp.Results[i-1].Score)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Search(), "/search")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = get(h.Search(), "/search?q=%20%20")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchRejectsBadResultCount(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	for _, target := range []string{
		"/search?q=x&n=0",
		"/search?q=x&n=-5",
		"/search?q=x&n=201",
		"/search?q=x&n=10000000000",
		"/search?q=x&n=abc",
	} {
		w := get(h.Search(), target)
		require.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestSearchBySegmentID(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Search(), "/search?segment_id=soldering_basics_00000")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Query   string         `json:"query"`
		Results []searchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "similar:soldering_basics_00000", resp.Query)
	require.NotEmpty(t, resp.Results)
	require.Equal(t, "soldering_basics_00000", resp.Results[0].SegmentID)
}

func TestSearchUnknownSegmentID(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Search(), "/search?segment_id=no_such_00042")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchCollectionFilter(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{vectors: map[string][]float32{
		"anything": oneHot(0),
	}}}

	w := get(h.Search(), "/search?q=anything&n=10&collections=howto")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []searchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		require.Equal(t, "howto", r.Collection)
	}
}

func TestSegmentsPagination(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Segments(), "/segments?offset=0&limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Segments []segmentRow `json:"segments"`
		Total    int          `json:"total"`
		Offset   int          `json:"offset"`
		Limit    int          `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Segments, 2)
	require.Equal(t, 5, resp.Total)
	require.Equal(t, 0, resp.Offset)
	require.Equal(t, 2, resp.Limit)

	w = get(h.Segments(), "/segments?collections=prelinger")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Segments, 3)
	require.Equal(t, 3, resp.Total)
}

func TestSegmentsRejectsBadPagination(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	for _, target := range []string{
		"/segments?offset=-1",
		"/segments?limit=0",
		"/segments?limit=201",
		"/segments?limit=abc",
	} {
		w := get(h.Segments(), target)
		require.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestCollections(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Collections(), "/collections")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Collections []struct {
			ID           string `json:"id"`
			VideoCount   int    `json:"video_count"`
			SegmentCount int    `json:"segment_count"`
		} `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Collections, 2)
	require.Equal(t, "howto", resp.Collections[0].ID)
	require.Equal(t, "prelinger", resp.Collections[1].ID)
	require.Equal(t, 1, resp.Collections[1].VideoCount)
	require.Equal(t, 3, resp.Collections[1].SegmentCount)
}

func TestFrameServing(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Frame(), "/static/frames/duck_and_cover/000000.jpg",
		httprouter.Param{Key: "video_id", Value: "duck_and_cover"},
		httprouter.Param{Key: "filename", Value: "000000.jpg"},
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	require.Contains(t, w.Header().Get("Cache-Control"), "immutable")
	require.Equal(t, []byte{0xff, 0xd8, 0x00}, w.Body.Bytes())

	w = get(h.Frame(), "/static/frames/duck_and_cover/999999.jpg",
		httprouter.Param{Key: "video_id", Value: "duck_and_cover"},
		httprouter.Param{Key: "filename", Value: "999999.jpg"},
	)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = get(h.Frame(), "/static/frames/nope/000000.jpg",
		httprouter.Param{Key: "video_id", Value: "nope"},
		httprouter.Param{Key: "filename", Value: "000000.jpg"},
	)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestVideoServesLocalFile(t *testing.T) {
	lib, dir := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "duck_and_cover.mp4"), []byte("local video bytes"), 0o644))

	w := get(h.Video(), "/video/duck_and_cover", httprouter.Param{Key: "id", Value: "duck_and_cover"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "local video bytes", w.Body.String())
}

func TestVideoProxiesRemoteRange(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-3/100")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("vide"))
	}))
	defer remote.Close()

	dir := t.TempDir()
	framesDir := filepath.Join(dir, "remote_only.frames")
	require.NoError(t, os.MkdirAll(framesDir, 0o755))
	segments := []media.Segment{{
		SegmentID:     "remote_only_00000",
		VideoID:       "remote_only",
		StartSeconds:  0,
		EndSeconds:    5,
		TranscriptRaw: "speech",
		TextEmbedding: oneHot(0),
		HasSpeech:     true,
		Source:        media.SourceTranscript,
	}}
	video := media.Video{VideoID: "remote_only", Title: "Remote", SourceURL: remote.URL + "/remote_only.mp4", DurationSeconds: 5}
	require.NoError(t, archive.Write(video, segments, framesDir, filepath.Join(dir, "remote_only.rtt")))

	lib, err := LoadLibrary([]string{dir})
	require.NoError(t, err)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	req := httptest.NewRequest("GET", "/video/remote_only", nil)
	req.Header.Set("Range", "bytes=0-3")
	w := httptest.NewRecorder()
	h.Video()(w, req, httprouter.Params{{Key: "id", Value: "remote_only"}})

	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "bytes 0-3/100", w.Header().Get("Content-Range"))
	require.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	require.Equal(t, "vide", w.Body.String())
}

func TestVideoUnknownID(t *testing.T) {
	lib, _ := testLibrary(t)
	h := &RTTHandlersCollection{Library: lib, Embedder: &queryEmbedder{}}

	w := get(h.Video(), "/video/nope", httprouter.Param{Key: "id", Value: "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
}
