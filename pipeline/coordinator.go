// Package pipeline drives video jobs through the staged ingestion flow:
// transcribe, enrich, embed, extract frames and package into an archive.
// Each stage has its own queue and worker pool so slow external services
// only stall their own stage.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reeltotext/rtt/archive"
	"github.com/reeltotext/rtt/checkpoint"
	"github.com/reeltotext/rtt/clients"
	"github.com/reeltotext/rtt/config"
	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/log"
	"github.com/reeltotext/rtt/media"
	"github.com/reeltotext/rtt/metrics"
)

const (
	stageTranscribe = "transcribe"
	stageEnrich     = "enrich"
	stageEmbed      = "embed"
	stageFrames     = "frames"
)

// Adapters bundles the external-service clients a pipeline run needs. Tests
// swap in stubs here.
type Adapters struct {
	Platform    clients.Platform
	Transcriber clients.Transcriber
	Enricher    clients.Enricher
	Embedder    clients.Embedder
	Frames      clients.FrameExtractor
}

// PoolSizes is the worker count per stage.
type PoolSizes struct {
	Transcribe int
	Enrich     int
	Embed      int
	Frames     int
}

func DefaultPoolSizes() PoolSizes {
	return PoolSizes{
		Transcribe: config.DefaultTranscribeWorkers,
		Enrich:     config.DefaultEnrichWorkers,
		Embed:      config.DefaultEmbedWorkers,
		Frames:     config.DefaultFrameWorkers,
	}
}

// Coordinator owns the four stage queues and runs one batch to completion.
type Coordinator struct {
	OutputDir  string
	SkipEnrich bool
	Pools      PoolSizes

	adapters Adapters
	store    *checkpoint.Store
	failures *FailureLog

	statusInterval time.Duration

	transcribeQ chan *Job
	enrichQ     chan *Job
	embedQ      chan *Job
	framesQ     chan *Job

	jobsWG    sync.WaitGroup
	workersWG sync.WaitGroup

	mu        sync.Mutex
	archives  []string
	completed int
	skipped   int
	failed    int

	started time.Time
}

func NewCoordinator(cli config.Cli, adapters Adapters) *Coordinator {
	pools := PoolSizes{
		Transcribe: cli.TranscribeWorkers,
		Enrich:     cli.EnrichWorkers,
		Embed:      cli.EmbedWorkers,
		Frames:     cli.FrameWorkers,
	}
	defaults := DefaultPoolSizes()
	if pools.Transcribe < 1 {
		pools.Transcribe = defaults.Transcribe
	}
	if pools.Enrich < 1 {
		pools.Enrich = defaults.Enrich
	}
	if pools.Embed < 1 {
		pools.Embed = defaults.Embed
	}
	if pools.Frames < 1 {
		pools.Frames = defaults.Frames
	}
	failuresPath := cli.FailuresPath
	if failuresPath == "" {
		failuresPath = filepath.Join(cli.OutputDir, "failures.jsonl")
	}
	return &Coordinator{
		OutputDir:      cli.OutputDir,
		SkipEnrich:     cli.SkipEnrich,
		Pools:          pools,
		adapters:       adapters,
		store:          checkpoint.NewStore(cli.OutputDir),
		failures:       NewFailureLog(failuresPath),
		statusInterval: 10 * time.Second,
	}
}

func (c *Coordinator) ArchivePath(videoID string) string {
	return filepath.Join(c.OutputDir, videoID+archive.Ext)
}

// Run drives every job to an archive, a recorded failure, or a skip. It
// returns the archive paths produced, including archives that already
// existed. Re-running the same batch is idempotent.
func (c *Coordinator) Run(ctx context.Context, jobs []media.VideoJob) ([]string, error) {
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return nil, err
	}
	c.started = time.Now()

	// Buffered to the batch size, so queue puts never block and the drain
	// model stays simple: jobsWG reaches zero exactly when every admitted
	// job has finished, failed or been skipped.
	capacity := len(jobs)
	c.transcribeQ = make(chan *Job, capacity)
	c.enrichQ = make(chan *Job, capacity)
	c.embedQ = make(chan *Job, capacity)
	c.framesQ = make(chan *Job, capacity)

	c.startPool(ctx, stageTranscribe, c.Pools.Transcribe, c.transcribeQ, c.transcribe)
	c.startPool(ctx, stageEnrich, c.Pools.Enrich, c.enrichQ, c.enrich)
	c.startPool(ctx, stageEmbed, c.Pools.Embed, c.embedQ, c.embed)
	c.startPool(ctx, stageFrames, c.Pools.Frames, c.framesQ, c.framesAndPackage)

	stopPrinter := make(chan struct{})
	go c.printStatus(stopPrinter)

	// Resumed jobs are admitted first so downstream stages start flowing
	// immediately; brand-new jobs enter the transcribe queue afterwards.
	// A video_id is admitted at most once per batch, so no two workers ever
	// touch the same checkpoint or archive path.
	admitted := make(map[string]bool, len(jobs))
	var deferred []*Job
	for i := range jobs {
		videoID := jobs[i].VideoID
		if admitted[videoID] {
			log.Log(videoID, "duplicate video_id in batch, skipping")
			metrics.Metrics.ArchivesSkippedCount.Inc()
			c.mu.Lock()
			c.skipped++
			c.mu.Unlock()
			continue
		}
		admitted[videoID] = true
		job := &Job{Input: jobs[i]}
		c.jobsWG.Add(1)
		if c.admit(job) {
			deferred = append(deferred, job)
		}
	}
	for _, job := range deferred {
		c.enqueue(stageTranscribe, c.transcribeQ, job)
	}

	c.jobsWG.Wait()

	close(c.transcribeQ)
	close(c.enrichQ)
	close(c.embedQ)
	close(c.framesQ)
	c.workersWG.Wait()
	close(stopPrinter)
	if err := c.failures.Close(); err != nil {
		log.LogNoVideoID("error closing failures log", "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	log.LogNoVideoID("batch finished",
		"completed", c.completed,
		"skipped", c.skipped,
		"failed", c.failed,
		"elapsed", time.Since(c.started).Round(time.Second).String(),
	)
	return append([]string(nil), c.archives...), ctx.Err()
}

// admit routes a job by its persisted checkpoint status. Returns true when
// the job is brand new and should be enqueued in the deferred second pass.
func (c *Coordinator) admit(job *Job) (deferNew bool) {
	videoID := job.Input.VideoID
	archivePath := c.ArchivePath(videoID)
	if _, err := os.Stat(archivePath); err == nil {
		log.Log(videoID, "archive already exists, skipping", "path", archivePath)
		metrics.Metrics.ArchivesSkippedCount.Inc()
		c.finish(job, archivePath, true)
		return false
	}

	cp, err := c.store.Load(videoID)
	if err != nil {
		c.fail(job, "admission", err)
		return false
	}
	job.Checkpoint = cp
	job.Segments = cp.Hydrate(videoID)

	switch cp.Status {
	case media.StatusTranscribed:
		c.enqueue(stageEnrich, c.enrichQ, job)
	case media.StatusEnriched:
		c.enqueue(stageEmbed, c.embedQ, job)
	case media.StatusEmbedded:
		c.enqueue(stageFrames, c.framesQ, job)
	case media.StatusReady:
		// ready checkpoint without an archive: finish the packaging if the
		// data survived, otherwise start over
		if len(job.Segments) > 0 {
			c.enqueue(stageFrames, c.framesQ, job)
		} else {
			return true
		}
	default:
		return true
	}
	return false
}

func (c *Coordinator) startPool(ctx context.Context, stage string, size int, q chan *Job, fn func(context.Context, *Job) error) {
	for i := 0; i < size; i++ {
		c.workersWG.Add(1)
		go func() {
			defer c.workersWG.Done()
			for job := range q {
				metrics.Metrics.StageQueueDepth.WithLabelValues(stage).Dec()
				metrics.Metrics.StageWaitSec.WithLabelValues(stage).Observe(time.Since(job.EnqueuedAt).Seconds())
				if err := ctx.Err(); err != nil {
					c.fail(job, stage, err)
					continue
				}
				_, err := recovered(func() (struct{}, error) {
					return struct{}{}, fn(ctx, job)
				})
				if err != nil {
					c.fail(job, stage, err)
					continue
				}
				metrics.Metrics.StageProcessedCount.WithLabelValues(stage).Inc()
			}
		}()
	}
}

func (c *Coordinator) enqueue(stage string, q chan *Job, job *Job) {
	job.EnqueuedAt = time.Now()
	metrics.Metrics.StageQueueDepth.WithLabelValues(stage).Inc()
	q <- job
}

// finish records a produced (or pre-existing) archive and releases the job.
func (c *Coordinator) finish(job *Job, archivePath string, skippedExisting bool) {
	c.mu.Lock()
	c.archives = append(c.archives, archivePath)
	if skippedExisting {
		c.skipped++
	} else {
		c.completed++
	}
	c.mu.Unlock()
	c.jobsWG.Done()
}

// fail drops the job from the pipeline: one failures-log line, scratch files
// removed, checkpoint kept so a later run resumes from the last completed
// stage.
func (c *Coordinator) fail(job *Job, stage string, failure error) {
	videoID := job.Input.VideoID
	log.LogError(videoID, "pipeline stage failed", failure, "stage", stage)
	if err := c.failures.Append(job.Input, failure); err != nil {
		log.LogError(videoID, "error writing failures log", err)
	}
	c.store.Scratch(videoID).CleanAll()
	metrics.Metrics.StageFailedCount.WithLabelValues(stage).Inc()

	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	c.jobsWG.Done()
}

// transcribe resolves segments for the job: platform subtitle track when one
// exists, ASR otherwise. An empty transcript drops the job.
func (c *Coordinator) transcribe(ctx context.Context, job *Job) error {
	videoID := job.Input.VideoID
	scratch := c.store.Scratch(videoID)

	var segments []media.Segment
	source := media.SourceTranscript
	platformID, isPlatform := clients.ExtractVideoID(job.Input.SourceURL)
	if isPlatform {
		subs, err := c.adapters.Platform.Subtitles(ctx, platformID)
		if err != nil {
			log.Log(videoID, "subtitle fetch failed, falling back to ASR", "err", err)
		} else if len(subs) > 0 {
			segments = subs
			source = media.SourceSubtitles
		}
	}

	if len(segments) == 0 {
		audioInput := job.Input.SourceURL
		if isPlatform {
			downloaded, err := c.adapters.Platform.DownloadAudio(ctx, platformID, c.store.Dir)
			if err != nil {
				return err
			}
			if err := os.Rename(downloaded, scratch.AudioPath()); err != nil {
				return err
			}
			audioInput = scratch.AudioPath()
		}
		transcribed, err := c.adapters.Transcriber.Transcribe(ctx, audioInput, videoID)
		scratch.CleanMedia()
		if err != nil {
			return err
		}
		segments = transcribed
	}

	segments = media.Normalize(segments, videoID, source)
	if len(segments) == 0 {
		return xerrors.New(xerrors.KindInputInvalid, "empty_transcript",
			fmt.Sprintf("no usable speech found for %s", videoID))
	}

	persisted := make([]checkpoint.PersistedSegment, len(segments))
	for i, s := range segments {
		persisted[i] = checkpoint.PersistedSegment{
			SegmentID: s.SegmentID,
			Start:     s.StartSeconds,
			End:       s.EndSeconds,
			Text:      s.TranscriptRaw,
		}
	}
	job.Checkpoint.Status = media.StatusTranscribed
	job.Checkpoint.TranscriptSource = source
	job.Checkpoint.Segments = persisted
	if err := c.store.Save(videoID, job.Checkpoint); err != nil {
		return err
	}

	job.Segments = segments
	log.Log(videoID, "transcribed", "segments", len(segments), "source", source)
	c.enqueue(stageEnrich, c.enrichQ, job)
	return nil
}

func (c *Coordinator) enrich(ctx context.Context, job *Job) error {
	videoID := job.Input.VideoID
	texts := make([]string, len(job.Segments))
	for i, s := range job.Segments {
		texts[i] = s.TranscriptRaw
	}

	enriched := texts
	if !c.SkipEnrich {
		videoContext := job.Input.Context
		if videoContext == "" {
			videoContext = job.Input.Title
		}
		var err error
		enriched, err = c.adapters.Enricher.Enrich(ctx, videoContext, texts)
		if err != nil {
			return err
		}
		if len(enriched) != len(texts) {
			return xerrors.New(xerrors.KindDataShapeError, "enriched_count_mismatch",
				fmt.Sprintf("enricher returned %d texts for %d segments", len(enriched), len(texts)))
		}
	}

	for i := range job.Segments {
		job.Segments[i].TranscriptEnriched = enriched[i]
	}
	job.Checkpoint.Status = media.StatusEnriched
	job.Checkpoint.Enriched = enriched
	if err := c.store.Save(videoID, job.Checkpoint); err != nil {
		return err
	}

	c.enqueue(stageEmbed, c.embedQ, job)
	return nil
}

func (c *Coordinator) embed(ctx context.Context, job *Job) error {
	videoID := job.Input.VideoID
	texts := make([]string, len(job.Segments))
	for i, s := range job.Segments {
		texts[i] = s.TranscriptEnriched
	}

	vectors, err := c.adapters.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(job.Segments) {
		return xerrors.New(xerrors.KindDataShapeError, "embedding_count_mismatch",
			fmt.Sprintf("embedder returned %d vectors for %d segments", len(vectors), len(job.Segments)))
	}
	for i := range job.Segments {
		job.Segments[i].TextEmbedding = vectors[i]
	}
	job.Checkpoint.Status = media.StatusEmbedded
	job.Checkpoint.Embeddings = vectors
	if err := c.store.Save(videoID, job.Checkpoint); err != nil {
		return err
	}

	c.enqueue(stageFrames, c.framesQ, job)
	return nil
}

// framesAndPackage extracts one still per segment and writes the archive.
// Missing frames are tolerated; a failed archive write is not.
func (c *Coordinator) framesAndPackage(ctx context.Context, job *Job) error {
	videoID := job.Input.VideoID
	scratch := c.store.Scratch(videoID)
	framesDir := scratch.FramesDir()

	timestamps := make([]float64, len(job.Segments))
	for i, s := range job.Segments {
		timestamps[i] = s.StartSeconds
	}

	var framePaths []string
	if platformID, isPlatform := clients.ExtractVideoID(job.Input.SourceURL); isPlatform {
		downloaded, err := c.adapters.Platform.DownloadVideo(ctx, platformID, c.store.Dir)
		if err != nil {
			return err
		}
		if err := os.Rename(downloaded, scratch.VideoPath()); err != nil {
			return err
		}
		framePaths, err = c.adapters.Frames.ExtractLocal(ctx, scratch.VideoPath(), timestamps, framesDir)
		if err != nil {
			return err
		}
	} else {
		var err error
		framePaths, err = c.adapters.Frames.ExtractRemote(ctx, job.Input.SourceURL, timestamps, framesDir)
		if err != nil {
			return err
		}
	}

	for i := range job.Segments {
		job.Segments[i].FramePath = ""
		if i < len(framePaths) && framePaths[i] != "" {
			job.Segments[i].FramePath = "frames/" + filepath.Base(framePaths[i])
		}
		job.Segments[i].Collection = job.Input.Collection
	}

	video := media.Video{
		VideoID:         videoID,
		Title:           job.Input.Title,
		SourceURL:       job.Input.SourceURL,
		PageURL:         job.Input.PageURL,
		Context:         job.Input.Context,
		Collection:      job.Input.Collection,
		DurationSeconds: media.Duration(job.Segments),
		Status:          media.StatusReady,
	}
	outPath := c.ArchivePath(videoID)
	if err := archive.Write(video, job.Segments, framesDir, outPath); err != nil {
		return err
	}

	if err := c.store.Delete(videoID); err != nil {
		log.LogError(videoID, "error deleting checkpoint after packaging", err)
	}
	scratch.CleanAll()
	metrics.Metrics.ArchivesCompletedCount.Inc()
	log.Log(videoID, "archive written", "path", outPath, "segments", len(job.Segments))
	c.finish(job, outPath, false)
	return nil
}

func (c *Coordinator) printStatus(stop <-chan struct{}) {
	ticker := time.NewTicker(c.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			completed, skipped, failed := c.completed, c.skipped, c.failed
			c.mu.Unlock()
			log.LogNoVideoID("pipeline status",
				"transcribe_queue", len(c.transcribeQ),
				"enrich_queue", len(c.enrichQ),
				"embed_queue", len(c.embedQ),
				"frames_queue", len(c.framesQ),
				"completed", completed,
				"skipped", skipped,
				"failed", failed,
				"elapsed", time.Since(c.started).Round(time.Second).String(),
			)
		}
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoVideoID("panic in pipeline stage worker, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline stage: %v", rec)
		}
	}()
	return f()
}
