package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/media"
	"github.com/reeltotext/rtt/subprocess"
)

const downloadTimeout = 30 * time.Minute

// Platform is the adapter for the video-sharing platform: subtitle tracks,
// media downloads and channel listings, all via the yt-dlp tool.
type Platform interface {
	// Subtitles returns the normalized subtitle segments for a video, or
	// nil when no usable track exists. A missing track is not an error.
	Subtitles(ctx context.Context, videoID string) ([]media.Segment, error)
	DownloadAudio(ctx context.Context, videoID, dir string) (string, error)
	DownloadVideo(ctx context.Context, videoID, dir string) (string, error)
	ChannelVideos(ctx context.Context, channelURL string) ([]media.VideoJob, error)
}

// ExtractVideoID pulls the platform video ID out of a watch URL. Returns
// false for URLs that are not platform URLs.
func ExtractVideoID(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(parsed.Hostname(), "www.")
	switch host {
	case "youtube.com", "m.youtube.com":
		if v := parsed.Query().Get("v"); v != "" {
			return v, true
		}
	case "youtu.be":
		if id := strings.Trim(parsed.Path, "/"); id != "" {
			return id, true
		}
	}
	return "", false
}

// WatchURL builds the canonical page URL for a platform video ID.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(videoID)
}

// YTDLPPlatform shells out to yt-dlp.
type YTDLPPlatform struct {
	Binary string

	httpClient *retryablehttp.Client
}

func NewYTDLPPlatform() *YTDLPPlatform {
	return &YTDLPPlatform{
		Binary:     "yt-dlp",
		httpClient: newRetryingClient(time.Minute),
	}
}

type videoInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Subtitles   map[string][]struct {
		Ext string `json:"ext"`
		URL string `json:"url"`
	} `json:"subtitles"`
	Entries []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"entries"`
}

func (p *YTDLPPlatform) fetchInfo(ctx context.Context, target string, flat bool) (*videoInfo, error) {
	args := []string{"-J", "--skip-download"}
	if flat {
		args = append(args, "--flat-playlist")
	}
	args = append(args, target)
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "platform_info_failed", target, err)
	}
	var info videoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "platform_bad_info", target, err)
	}
	return &info, nil
}

func (p *YTDLPPlatform) Subtitles(ctx context.Context, videoID string) ([]media.Segment, error) {
	info, err := p.fetchInfo(ctx, WatchURL(videoID), false)
	if err != nil {
		return nil, err
	}
	var vttURL string
	for _, s := range info.Subtitles["en"] {
		if s.Ext == "vtt" && s.URL != "" {
			vttURL = s.URL
			break
		}
	}
	if vttURL == "" {
		return nil, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", vttURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "subtitle_fetch_failed", vttURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, xerrors.New(xerrors.KindExternalServiceError, "subtitle_fetch_failed",
			fmt.Sprintf("subtitle fetch returned HTTP %d", resp.StatusCode))
	}
	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return SegmentsFromVTT(string(doc), videoID), nil
}

// SegmentsFromVTT converts a subtitle document into normalized segments.
func SegmentsFromVTT(doc, videoID string) []media.Segment {
	cues := parseVTT(doc)
	segments := make([]media.Segment, 0, len(cues))
	for _, c := range cues {
		segments = append(segments, media.Segment{
			VideoID:       videoID,
			StartSeconds:  c.start,
			EndSeconds:    c.end,
			TranscriptRaw: c.text,
		})
	}
	return media.Normalize(segments, videoID, media.SourceSubtitles)
}

func (p *YTDLPPlatform) DownloadAudio(ctx context.Context, videoID, dir string) (string, error) {
	return p.download(ctx, videoID, dir, "bestaudio")
}

func (p *YTDLPPlatform) DownloadVideo(ctx context.Context, videoID, dir string) (string, error) {
	return p.download(ctx, videoID, dir, "bestvideo+bestaudio/best")
}

// download fetches media into dir under a unique scratch name and returns
// the produced file, whatever extension the platform chose.
func (p *YTDLPPlatform) download(ctx context.Context, videoID, dir, format string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	scratchName := uuid.New().String()
	cmd := exec.CommandContext(ctx, p.Binary,
		"-f", format,
		"-P", dir,
		"-o", scratchName+".%(ext)s",
		WatchURL(videoID),
	)
	if err := subprocess.LogOutputs(cmd); err != nil {
		return "", err
	}
	if err := cmd.Run(); err != nil {
		return "", xerrors.Wrap(xerrors.KindExternalServiceError, "platform_download_failed", videoID, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), scratchName) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", xerrors.New(xerrors.KindExternalServiceError, "platform_download_failed",
		fmt.Sprintf("no file produced for %s in %s", videoID, dir))
}

func (p *YTDLPPlatform) ChannelVideos(ctx context.Context, channelURL string) ([]media.VideoJob, error) {
	if !strings.HasSuffix(channelURL, "/videos") {
		channelURL = strings.TrimRight(channelURL, "/") + "/videos"
	}
	info, err := p.fetchInfo(ctx, channelURL, true)
	if err != nil {
		return nil, err
	}
	jobs := make([]media.VideoJob, 0, len(info.Entries))
	for _, e := range info.Entries {
		jobs = append(jobs, media.VideoJob{
			VideoID:   e.ID,
			Title:     e.Title,
			SourceURL: WatchURL(e.ID),
			PageURL:   WatchURL(e.ID),
		})
	}
	return jobs, nil
}
