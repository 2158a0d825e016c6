// Package handlers implements the search service endpoints over a loaded
// archive library.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/reeltotext/rtt/archive"
	"github.com/reeltotext/rtt/clients"
	"github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/log"
	"github.com/reeltotext/rtt/media"
	"github.com/reeltotext/rtt/metrics"
	"github.com/reeltotext/rtt/vector"
)

const (
	defaultSearchResults = 20
	maxSearchResults     = 200
	defaultSegmentLimit  = 100
	maxSegmentLimit      = 200
)

// localVideoExts are the extensions probed when looking for a playable file
// beside the archive.
var localVideoExts = []string{".mp4", ".webm", ".mkv", ".mov"}

type RTTHandlersCollection struct {
	Library  *Library
	Embedder clients.Embedder
}

type searchResult struct {
	VideoID            string  `json:"video_id"`
	SegmentID          string  `json:"segment_id"`
	StartSeconds       float64 `json:"start_seconds"`
	EndSeconds         float64 `json:"end_seconds"`
	SourceURL          string  `json:"source_url"`
	Title              string  `json:"title"`
	TranscriptRaw      string  `json:"transcript_raw"`
	TranscriptEnriched string  `json:"transcript_enriched"`
	FrameURL           string  `json:"frame_url,omitempty"`
	PageURL            string  `json:"page_url,omitempty"`
	Collection         string  `json:"collection"`
	Context            string  `json:"context"`
	Score              float64 `json:"score"`
}

type segmentRow struct {
	VideoID            string  `json:"video_id"`
	SegmentID          string  `json:"segment_id"`
	StartSeconds       float64 `json:"start_seconds"`
	EndSeconds         float64 `json:"end_seconds"`
	SourceURL          string  `json:"source_url"`
	Title              string  `json:"title"`
	TranscriptRaw      string  `json:"transcript_raw"`
	TranscriptEnriched string  `json:"transcript_enriched"`
	FrameURL           string  `json:"frame_url,omitempty"`
	PageURL            string  `json:"page_url,omitempty"`
	Collection         string  `json:"collection"`
	Context            string  `json:"context"`
}

func (d *RTTHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

func (d *RTTHandlersCollection) Search() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		status := http.StatusOK
		defer func() {
			metrics.Metrics.SearchRequestDurationSec.WithLabelValues(strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		}()

		params := req.URL.Query()
		collections := splitCSV(params.Get("collections"))
		n := defaultSearchResults
		if raw := params.Get("n"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > maxSearchResults {
				status = http.StatusBadRequest
				errors.WriteHTTPBadRequest(w, "n must be between 1 and 200", err)
				return
			}
			n = parsed
		}

		var query []float32
		var queryLabel string
		if segmentID := params.Get("segment_id"); segmentID != "" {
			seg, ok := d.Library.Index.GetSegment(segmentID)
			if !ok {
				status = http.StatusNotFound
				errors.WriteHTTPNotFound(w, "unknown segment_id "+segmentID, nil)
				return
			}
			query = seg.TextEmbedding
			queryLabel = "similar:" + segmentID
		} else {
			text := strings.TrimSpace(params.Get("q"))
			if text == "" {
				status = http.StatusBadRequest
				errors.WriteHTTPBadRequest(w, "q parameter is required", nil)
				return
			}
			vecs, err := d.Embedder.EmbedBatch(req.Context(), []string{text})
			if err != nil || len(vecs) != 1 {
				status = http.StatusInternalServerError
				errors.WriteHTTPInternalServerError(w, "embedding the query failed", err)
				return
			}
			query = vecs[0]
			queryLabel = text
		}

		matches := d.Library.Index.Closest(query, n, collections)
		results := make([]searchResult, len(matches))
		for i, m := range matches {
			results[i] = d.searchResult(m)
		}
		writeJSON(w, map[string]interface{}{
			"query":   queryLabel,
			"results": results,
		})
	}
}

func (d *RTTHandlersCollection) Segments() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		params := req.URL.Query()
		offset := 0
		if raw := params.Get("offset"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				errors.WriteHTTPBadRequest(w, "offset must be a non-negative integer", err)
				return
			}
			offset = parsed
		}
		limit := defaultSegmentLimit
		if raw := params.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > maxSegmentLimit {
				errors.WriteHTTPBadRequest(w, "limit must be between 1 and 200", err)
				return
			}
			limit = parsed
		}
		collections := splitCSV(params.Get("collections"))

		segments := d.Library.Index.ListSegments(offset, limit, collections)
		rows := make([]segmentRow, len(segments))
		for i, s := range segments {
			rows[i] = d.segmentRow(s)
		}
		writeJSON(w, map[string]interface{}{
			"segments": rows,
			"total":    d.Library.Index.Count(collections),
			"offset":   offset,
			"limit":    limit,
		})
	}
}

func (d *RTTHandlersCollection) Collections() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		stats := d.Library.Index.Collections()
		out := make([]map[string]interface{}, len(stats))
		for i, s := range stats {
			out[i] = map[string]interface{}{
				"id":            s.ID,
				"video_count":   s.VideoCount,
				"segment_count": s.SegmentCount,
			}
		}
		writeJSON(w, map[string]interface{}{"collections": out})
	}
}

// Video serves the local media file when one sits beside the archive, and
// range-proxies the remote source otherwise.
func (d *RTTHandlersCollection) Video() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		videoID := ps.ByName("id")
		entry, ok := d.Library.Videos[videoID]
		if !ok {
			errors.WriteHTTPNotFound(w, "unknown video "+videoID, nil)
			return
		}

		for _, ext := range localVideoExts {
			local := filepath.Join(entry.LocalDir, videoID+ext)
			if info, err := os.Stat(local); err == nil && !info.IsDir() {
				http.ServeFile(w, req, local)
				return
			}
		}

		if entry.SourceURL == "" {
			errors.WriteHTTPNotFound(w, "no local file or remote source for "+videoID, nil)
			return
		}
		d.proxyVideo(w, req, entry.SourceURL)
	}
}

// proxyVideo passes the client's range request through to the remote source
// so seeking works without downloading the whole file.
func (d *RTTHandlersCollection) proxyVideo(w http.ResponseWriter, req *http.Request, sourceURL string) {
	upstream, err := http.NewRequestWithContext(req.Context(), "GET", sourceURL, nil)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "building upstream request", err)
		return
	}
	if rng := req.Header.Get("Range"); rng != "" {
		upstream.Header.Set("Range", rng)
	}
	resp, err := http.DefaultClient.Do(upstream)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "fetching remote video", err)
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.LogNoVideoID("error streaming proxied video", "url", sourceURL, "err", err)
	}
}

// Frame serves one JPEG straight out of the archive. Frames are immutable,
// so clients may cache them forever.
func (d *RTTHandlersCollection) Frame() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		videoID := ps.ByName("video_id")
		filename := ps.ByName("filename")
		entry, ok := d.Library.Videos[videoID]
		if !ok {
			errors.WriteHTTPNotFound(w, "unknown video "+videoID, nil)
			return
		}
		data, err := archive.ReadFrame(entry.ArchivePath, filename)
		if err != nil {
			errors.WriteHTTPNotFound(w, "frame not found", err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		if _, err := w.Write(data); err != nil {
			log.LogNoVideoID("error writing frame response", "video_id", videoID, "err", err)
		}
	}
}

func (d *RTTHandlersCollection) searchResult(m vector.Result) searchResult {
	row := d.segmentRow(m.Segment)
	return searchResult{
		VideoID:            row.VideoID,
		SegmentID:          row.SegmentID,
		StartSeconds:       row.StartSeconds,
		EndSeconds:         row.EndSeconds,
		SourceURL:          row.SourceURL,
		Title:              row.Title,
		TranscriptRaw:      row.TranscriptRaw,
		TranscriptEnriched: row.TranscriptEnriched,
		FrameURL:           row.FrameURL,
		PageURL:            row.PageURL,
		Collection:         row.Collection,
		Context:            row.Context,
		Score:              1 - m.Distance,
	}
}

func (d *RTTHandlersCollection) segmentRow(s media.Segment) segmentRow {
	entry := d.Library.Videos[s.VideoID]
	row := segmentRow{
		VideoID:            s.VideoID,
		SegmentID:          s.SegmentID,
		StartSeconds:       s.StartSeconds,
		EndSeconds:         s.EndSeconds,
		SourceURL:          entry.SourceURL,
		Title:              entry.Title,
		TranscriptRaw:      s.TranscriptRaw,
		TranscriptEnriched: s.TranscriptEnriched,
		PageURL:            entry.PageURL,
		Collection:         s.Collection,
		Context:            entry.Context,
	}
	if s.FramePath != "" {
		row.FrameURL = "/static/frames/" + s.VideoID + "/" + filepath.Base(s.FramePath)
	}
	return row
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoVideoID("error encoding JSON response", "err", err)
	}
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
