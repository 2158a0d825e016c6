package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"

	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/media"
)

// Transcriber produces ordered transcript segments from a media URL or local
// file path. An empty segment list means the input had no recognizable
// speech; that is not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, urlOrPath, videoID string) ([]media.Segment, error)
}

// wordGroupMaxGapMillis splits word streams into segments wherever the
// silence between consecutive words exceeds this gap. Used when the service
// returns words but no utterances.
const wordGroupMaxGapMillis = 1500

// AssemblyAITranscriber drives the AssemblyAI v2 REST flow: upload local
// files, submit a transcript job, poll until it settles.
type AssemblyAITranscriber struct {
	APIKey  string
	BaseURL string

	client       *retryablehttp.Client
	pollInterval time.Duration
}

func NewAssemblyAITranscriber(apiKey string) *AssemblyAITranscriber {
	return &AssemblyAITranscriber{
		APIKey:       apiKey,
		BaseURL:      "https://api.assemblyai.com",
		client:       newRetryingClient(10 * time.Minute),
		pollInterval: 3 * time.Second,
	}
}

type transcriptJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Utterances []struct {
		Start int64  `json:"start"`
		End   int64  `json:"end"`
		Text  string `json:"text"`
	} `json:"utterances"`
	Words []struct {
		Start int64  `json:"start"`
		End   int64  `json:"end"`
		Text  string `json:"text"`
	} `json:"words"`
}

func (t *AssemblyAITranscriber) Transcribe(ctx context.Context, urlOrPath, videoID string) ([]media.Segment, error) {
	audioURL := urlOrPath
	if !strings.HasPrefix(urlOrPath, "http://") && !strings.HasPrefix(urlOrPath, "https://") {
		uploaded, err := t.upload(ctx, urlOrPath)
		if err != nil {
			return nil, err
		}
		audioURL = uploaded
	}

	jobID, err := t.submit(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	job, err := t.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return t.segments(job, videoID), nil
}

func (t *AssemblyAITranscriber) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInputInvalid, "audio_unreadable", path, err)
	}
	defer f.Close()

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", t.BaseURL+"/v2/upload", f)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", t.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindExternalServiceError, "asr_upload_failed", "uploading audio", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", xerrors.New(xerrors.KindExternalServiceError, "asr_upload_failed",
			fmt.Sprintf("audio upload returned HTTP %d", resp.StatusCode))
	}
	var parsed struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", xerrors.Wrap(xerrors.KindExternalServiceError, "asr_bad_response", "decoding upload response", err)
	}
	return parsed.UploadURL, nil
}

func (t *AssemblyAITranscriber) submit(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"audio_url":    audioURL,
		"speech_model": "best",
	})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", t.BaseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", t.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindExternalServiceError, "asr_submit_failed", "submitting transcript job", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", xerrors.New(xerrors.KindExternalServiceError, "asr_submit_failed",
			fmt.Sprintf("transcript submit returned HTTP %d: %s", resp.StatusCode, msg))
	}
	var job transcriptJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", xerrors.Wrap(xerrors.KindExternalServiceError, "asr_bad_response", "decoding submit response", err)
	}
	return job.ID, nil
}

// poll waits for the transcript job to settle, backing off between polls.
func (t *AssemblyAITranscriber) poll(ctx context.Context, jobID string) (*transcriptJob, error) {
	policy := backoff.WithContext(backoff.NewConstantBackOff(t.pollInterval), ctx)
	var job *transcriptJob
	operation := func() error {
		j, err := t.fetch(ctx, jobID)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch j.Status {
		case "completed":
			job = j
			return nil
		case "error":
			return backoff.Permanent(xerrors.New(xerrors.KindExternalServiceError, "asr_failed",
				fmt.Sprintf("transcription failed: %s", j.Error)))
		default:
			return fmt.Errorf("transcript %s still %s", jobID, j.Status)
		}
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *AssemblyAITranscriber) fetch(ctx context.Context, jobID string) (*transcriptJob, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", t.BaseURL+"/v2/transcript/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "asr_poll_failed", "polling transcript", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, xerrors.New(xerrors.KindExternalServiceError, "asr_poll_failed",
			fmt.Sprintf("transcript poll returned HTTP %d", resp.StatusCode))
	}
	var job transcriptJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "asr_bad_response", "decoding transcript", err)
	}
	return &job, nil
}

// segments converts the settled job into ordered pipeline segments:
// utterances when present, otherwise words regrouped on silence gaps.
func (t *AssemblyAITranscriber) segments(job *transcriptJob, videoID string) []media.Segment {
	var out []media.Segment
	for _, u := range job.Utterances {
		out = append(out, media.Segment{
			VideoID:       videoID,
			StartSeconds:  float64(u.Start) / 1000,
			EndSeconds:    float64(u.End) / 1000,
			TranscriptRaw: u.Text,
		})
	}
	if len(out) == 0 && len(job.Words) > 0 {
		out = t.segmentsFromWords(job, videoID)
	}
	return media.Normalize(out, videoID, media.SourceTranscript)
}

func (t *AssemblyAITranscriber) segmentsFromWords(job *transcriptJob, videoID string) []media.Segment {
	var out []media.Segment
	var texts []string
	var start, end int64
	flush := func() {
		if len(texts) == 0 {
			return
		}
		out = append(out, media.Segment{
			VideoID:       videoID,
			StartSeconds:  float64(start) / 1000,
			EndSeconds:    float64(end) / 1000,
			TranscriptRaw: strings.Join(texts, " "),
		})
		texts = nil
	}
	for _, w := range job.Words {
		if len(texts) > 0 && w.Start-end > wordGroupMaxGapMillis {
			flush()
		}
		if len(texts) == 0 {
			start = w.Start
		}
		texts = append(texts, w.Text)
		end = w.End
	}
	flush()
	return out
}
