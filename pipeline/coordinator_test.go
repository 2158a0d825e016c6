package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reeltotext/rtt/archive"
	"github.com/reeltotext/rtt/checkpoint"
	"github.com/reeltotext/rtt/config"
	"github.com/reeltotext/rtt/media"
)

type stubPlatform struct {
	mu        sync.Mutex
	subtitles map[string][]media.Segment

	audioDownloads int
	videoDownloads int
}

func (p *stubPlatform) Subtitles(ctx context.Context, videoID string) ([]media.Segment, error) {
	return p.subtitles[videoID], nil
}

func (p *stubPlatform) DownloadAudio(ctx context.Context, videoID, dir string) (string, error) {
	p.mu.Lock()
	p.audioDownloads++
	p.mu.Unlock()
	path := filepath.Join(dir, videoID+".stub-audio")
	return path, os.WriteFile(path, []byte("audio"), 0o644)
}

func (p *stubPlatform) DownloadVideo(ctx context.Context, videoID, dir string) (string, error) {
	p.mu.Lock()
	p.videoDownloads++
	p.mu.Unlock()
	path := filepath.Join(dir, videoID+".stub-video")
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

func (p *stubPlatform) ChannelVideos(ctx context.Context, channelURL string) ([]media.VideoJob, error) {
	return nil, nil
}

type stubTranscriber struct {
	calls    int32
	segments func(videoID string) []media.Segment
	err      map[string]error
}

func (t *stubTranscriber) Transcribe(ctx context.Context, urlOrPath, videoID string) ([]media.Segment, error) {
	atomic.AddInt32(&t.calls, 1)
	if err := t.err[videoID]; err != nil {
		return nil, err
	}
	if t.segments == nil {
		return nil, nil
	}
	return t.segments(videoID), nil
}

type stubEnricher struct {
	calls int32
}

func (e *stubEnricher) Enrich(ctx context.Context, videoContext string, texts []string) ([]string, error) {
	atomic.AddInt32(&e.calls, 1)
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "enriched: " + t
	}
	return out, nil
}

type stubEmbedder struct {
	calls int32
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&e.calls, 1)
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, media.EmbeddingDim)
		v[i%media.EmbeddingDim] = 1
		out[i] = v
	}
	return out, nil
}

type stubFrames struct {
	localCalls  int32
	remoteCalls int32
}

func (f *stubFrames) write(timestamps []float64, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, len(timestamps))
	for i, ts := range timestamps {
		p := filepath.Join(outputDir, fmt.Sprintf("%06d.jpg", int(ts)))
		if err := os.WriteFile(p, []byte{0xff, 0xd8}, 0o644); err != nil {
			return nil, err
		}
		paths[i] = p
	}
	return paths, nil
}

func (f *stubFrames) ExtractLocal(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]string, error) {
	atomic.AddInt32(&f.localCalls, 1)
	return f.write(timestamps, outputDir)
}

func (f *stubFrames) ExtractRemote(ctx context.Context, sourceURL string, timestamps []float64, outputDir string) ([]string, error) {
	atomic.AddInt32(&f.remoteCalls, 1)
	return f.write(timestamps, outputDir)
}

func rawSegments(videoID string) []media.Segment {
	return []media.Segment{
		{VideoID: videoID, StartSeconds: 0, EndSeconds: 4.2, TranscriptRaw: "there was a turtle by the name of bert"},
		{VideoID: videoID, StartSeconds: 4.2, EndSeconds: 8, TranscriptRaw: "and bert the turtle was very alert"},
		{VideoID: videoID, StartSeconds: 8, EndSeconds: 12.5, TranscriptRaw: "duck and cover"},
	}
}

type testAdapters struct {
	platform    *stubPlatform
	transcriber *stubTranscriber
	enricher    *stubEnricher
	embedder    *stubEmbedder
	frames      *stubFrames
}

func newTestAdapters() testAdapters {
	return testAdapters{
		platform:    &stubPlatform{subtitles: map[string][]media.Segment{}},
		transcriber: &stubTranscriber{segments: rawSegments, err: map[string]error{}},
		enricher:    &stubEnricher{},
		embedder:    &stubEmbedder{},
		frames:      &stubFrames{},
	}
}

func (a testAdapters) adapters() Adapters {
	return Adapters{
		Platform:    a.platform,
		Transcriber: a.transcriber,
		Enricher:    a.enricher,
		Embedder:    a.embedder,
		Frames:      a.frames,
	}
}

func newTestCoordinator(dir string, a testAdapters) *Coordinator {
	return NewCoordinator(config.Cli{
		OutputDir:         dir,
		TranscribeWorkers: 2,
		EnrichWorkers:     2,
		EmbedWorkers:      2,
		FrameWorkers:      2,
	}, a.adapters())
}

func TestRunProducesArchiveEndToEnd(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	c := newTestCoordinator(dir, a)

	jobs := []media.VideoJob{{
		VideoID:    "duck_and_cover",
		Title:      "Duck and Cover",
		SourceURL:  "https://archive.example/duck_and_cover.mp4",
		Collection: "prelinger",
		Context:    "1951 civil defense film",
	}}
	paths, err := c.Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "duck_and_cover.rtt")}, paths)

	meta, err := archive.OpenMetadata(paths[0])
	require.NoError(t, err)
	require.Equal(t, "duck_and_cover", meta.Video.VideoID)
	require.Equal(t, "Duck and Cover", meta.Video.Title)
	require.Equal(t, 12.5, meta.Video.DurationSeconds)

	segments, err := archive.ReadSegments(paths[0])
	require.NoError(t, err)
	require.Len(t, segments, 3)
	require.Equal(t, "duck_and_cover_00000", segments[0].SegmentID)
	require.Equal(t, "enriched: duck and cover", segments[2].TranscriptEnriched)
	require.Equal(t, "prelinger", segments[0].Collection)
	require.Len(t, segments[0].TextEmbedding, media.EmbeddingDim)
	require.Equal(t, "frames/000000.jpg", segments[0].FramePath)
	require.Equal(t, "frames/000008.jpg", segments[2].FramePath)

	// non-platform source: frames come straight off the URL
	require.Equal(t, int32(1), a.frames.remoteCalls)
	require.Equal(t, int32(0), a.frames.localCalls)

	// checkpoint and scratch are gone, no failures were logged
	_, err = os.Stat(filepath.Join(dir, "duck_and_cover.rtt.json"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "failures.jsonl"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "duck_and_cover.frames"))
	require.True(t, os.IsNotExist(err))
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	jobs := []media.VideoJob{{
		VideoID:   "duck_and_cover",
		Title:     "Duck and Cover",
		SourceURL: "https://archive.example/duck_and_cover.mp4",
	}}

	_, err := newTestCoordinator(dir, a).Run(context.Background(), jobs)
	require.NoError(t, err)
	callsAfterFirst := atomic.LoadInt32(&a.transcriber.calls)

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "duck_and_cover.rtt")}, paths)
	require.Equal(t, callsAfterFirst, atomic.LoadInt32(&a.transcriber.calls))
}

func TestRunAdmitsEachVideoIDOnce(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()

	job := media.VideoJob{
		VideoID:   "dup",
		Title:     "Duplicated",
		SourceURL: "https://archive.example/dup.mp4",
	}
	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{job, job})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "dup.rtt")}, paths)
	require.Equal(t, int32(1), atomic.LoadInt32(&a.transcriber.calls))

	// the duplicate never made it into the pipeline
	_, err = os.Stat(filepath.Join(dir, "failures.jsonl"))
	require.True(t, os.IsNotExist(err))
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	a.transcriber.err["duck_and_cover"] = fmt.Errorf("transcriber must not run for resumed jobs")

	store := checkpoint.NewStore(dir)
	require.NoError(t, store.Save("duck_and_cover", &checkpoint.Checkpoint{
		Status:           media.StatusTranscribed,
		TranscriptSource: media.SourceTranscript,
		Segments: []checkpoint.PersistedSegment{
			{SegmentID: "duck_and_cover_00000", Start: 0, End: 4.2, Text: "there was a turtle"},
			{SegmentID: "duck_and_cover_00001", Start: 4.2, End: 8, Text: "duck and cover"},
		},
	}))

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{{
		VideoID:   "duck_and_cover",
		Title:     "Duck and Cover",
		SourceURL: "https://archive.example/duck_and_cover.mp4",
	}})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, int32(0), atomic.LoadInt32(&a.transcriber.calls))
	require.Equal(t, int32(1), atomic.LoadInt32(&a.enricher.calls))

	segments, err := archive.ReadSegments(paths[0])
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Equal(t, "enriched: duck and cover", segments[1].TranscriptEnriched)
}

func TestEmptyTranscriptIsRecordedFailure(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	a.transcriber.segments = func(string) []media.Segment { return nil }

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{{
		VideoID:   "silent",
		Title:     "Silent Reel",
		SourceURL: "https://archive.example/silent.mp4",
	}})
	require.NoError(t, err)
	require.Empty(t, paths)

	data, err := os.ReadFile(filepath.Join(dir, "failures.jsonl"))
	require.NoError(t, err)
	var line map[string]string
	require.NoError(t, json.Unmarshal(data, &line))
	require.Equal(t, "silent", line["video_id"])
	require.Equal(t, "Silent Reel", line["title"])
	require.Contains(t, line["error"], "empty_transcript")
}

func TestFailureDoesNotAffectOtherJobs(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	a.transcriber.err["broken"] = fmt.Errorf("service exploded")

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{
		{VideoID: "broken", Title: "Broken", SourceURL: "https://archive.example/broken.mp4"},
		{VideoID: "fine", Title: "Fine", SourceURL: "https://archive.example/fine.mp4"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "fine.rtt")}, paths)

	data, err := os.ReadFile(filepath.Join(dir, "failures.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"video_id":"broken"`)

	// the failed job keeps no checkpoint (it never got past transcribe),
	// so a later run starts it from scratch
	cp, err := checkpoint.NewStore(dir).Load("broken")
	require.NoError(t, err)
	require.Equal(t, media.StatusNew, cp.Status)
}

func TestFailureKeepsCheckpointForResume(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()

	store := checkpoint.NewStore(dir)
	require.NoError(t, store.Save("partway", &checkpoint.Checkpoint{
		Status:           media.StatusTranscribed,
		TranscriptSource: media.SourceTranscript,
		Segments: []checkpoint.PersistedSegment{
			{SegmentID: "partway_00000", Start: 0, End: 2, Text: "some speech"},
		},
	}))

	failing := &failingEnricher{}
	adapters := a.adapters()
	adapters.Enricher = failing

	c := NewCoordinator(config.Cli{OutputDir: dir, TranscribeWorkers: 1, EnrichWorkers: 1, EmbedWorkers: 1, FrameWorkers: 1}, adapters)
	paths, err := c.Run(context.Background(), []media.VideoJob{{
		VideoID:   "partway",
		Title:     "Partway",
		SourceURL: "https://archive.example/partway.mp4",
	}})
	require.NoError(t, err)
	require.Empty(t, paths)

	cp, err := store.Load("partway")
	require.NoError(t, err)
	require.Equal(t, media.StatusTranscribed, cp.Status)
	require.Len(t, cp.Segments, 1)
}

type failingEnricher struct{}

func (failingEnricher) Enrich(ctx context.Context, videoContext string, texts []string) ([]string, error) {
	return nil, fmt.Errorf("enrichment service unavailable")
}

func TestPlatformJobUsesSubtitlesAndLocalFrames(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	a.transcriber.err["rick"] = fmt.Errorf("must not reach ASR when subtitles exist")
	a.platform.subtitles["abc123XYZ"] = []media.Segment{
		{StartSeconds: 0, EndSeconds: 3, TranscriptRaw: "never gonna give you up"},
		{StartSeconds: 3, EndSeconds: 6, TranscriptRaw: "never gonna let you down"},
	}

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{{
		VideoID:   "rick",
		Title:     "Rick",
		SourceURL: "https://www.youtube.com/watch?v=abc123XYZ",
	}})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	require.Equal(t, int32(0), atomic.LoadInt32(&a.transcriber.calls))
	require.Equal(t, 0, a.platform.audioDownloads)
	require.Equal(t, 1, a.platform.videoDownloads)
	require.Equal(t, int32(1), a.frames.localCalls)
	require.Equal(t, int32(0), a.frames.remoteCalls)

	segments, err := archive.ReadSegments(paths[0])
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Equal(t, "rick_00000", segments[0].SegmentID)
	require.Equal(t, media.SourceSubtitles, segments[0].Source)
}

func TestPlatformJobFallsBackToASR(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	// no subtitle track registered for this ID

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{{
		VideoID:   "clip",
		Title:     "Clip",
		SourceURL: "https://youtu.be/abc123XYZ",
	}})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, int32(1), atomic.LoadInt32(&a.transcriber.calls))
	require.Equal(t, 1, a.platform.audioDownloads)
}

func TestPanicInStageIsIsolated(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapters()
	a.transcriber.segments = func(videoID string) []media.Segment {
		if videoID == "boom" {
			panic("stage blew up")
		}
		return rawSegments(videoID)
	}

	paths, err := newTestCoordinator(dir, a).Run(context.Background(), []media.VideoJob{
		{VideoID: "boom", Title: "Boom", SourceURL: "https://archive.example/boom.mp4"},
		{VideoID: "calm", Title: "Calm", SourceURL: "https://archive.example/calm.mp4"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "calm.rtt")}, paths)

	data, err := os.ReadFile(filepath.Join(dir, "failures.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(data), "stage blew up")
}

func TestFailureLogSerializesLines(t *testing.T) {
	dir := t.TempDir()
	l := NewFailureLog(filepath.Join(dir, "failures.jsonl"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Append(media.VideoJob{VideoID: fmt.Sprintf("vid_%02d", i)}, fmt.Errorf("error %d", i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var parsed failureLine
		require.NoError(t, json.Unmarshal([]byte(line), &parsed))
		require.NotEmpty(t, parsed.VideoID)
	}
}
