package media

import "strings"

// Transcript sources recorded on segments and checkpoints.
const (
	SourceTranscript = "transcript"
	SourceSubtitles  = "subtitles"
)

// Thresholds for merging subtitle cues. Subtitle tracks tend to be cut per
// caption line rather than per utterance, so short adjacent cues are stitched
// back together before indexing.
const (
	MinSubtitleSegmentSeconds = 1.0
	MaxSubtitleMergeGapSecs   = 0.5
)

// Normalize cleans a freshly transcribed segment list so it satisfies the
// archive invariants: empty texts dropped, start < end enforced, segments
// sorted by start, IDs renumbered densely. Segments from a subtitle source
// are additionally merged when they are shorter than
// MinSubtitleSegmentSeconds or separated by less than MaxSubtitleMergeGapSecs.
func Normalize(segments []Segment, videoID, source string) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.TranscriptRaw)
		if text == "" {
			continue
		}
		if s.EndSeconds <= s.StartSeconds {
			continue
		}
		s.TranscriptRaw = text
		out = append(out, s)
	}
	sortByStart(out)

	if source == SourceSubtitles {
		out = mergeShortSegments(out)
	}

	for i := range out {
		out[i].SegmentID = SegmentID(videoID, i)
		out[i].VideoID = videoID
		out[i].Source = source
		out[i].HasSpeech = true
	}
	return out
}

func sortByStart(segments []Segment) {
	// insertion sort, inputs are near-sorted already
	for i := 1; i < len(segments); i++ {
		for j := i; j > 0 && segments[j].StartSeconds < segments[j-1].StartSeconds; j-- {
			segments[j], segments[j-1] = segments[j-1], segments[j]
		}
	}
}

// mergeShortSegments joins a segment into its predecessor when either is
// shorter than the minimum duration or the gap between them is below the
// merge threshold. Text order and the outer time bounds are preserved.
func mergeShortSegments(segments []Segment) []Segment {
	if len(segments) == 0 {
		return segments
	}
	merged := []Segment{segments[0]}
	for _, s := range segments[1:] {
		prev := &merged[len(merged)-1]
		gap := s.StartSeconds - prev.EndSeconds
		prevShort := prev.EndSeconds-prev.StartSeconds < MinSubtitleSegmentSeconds
		curShort := s.EndSeconds-s.StartSeconds < MinSubtitleSegmentSeconds
		if gap <= MaxSubtitleMergeGapSecs && (prevShort || curShort || gap < 0) {
			prev.TranscriptRaw = prev.TranscriptRaw + " " + s.TranscriptRaw
			if s.EndSeconds > prev.EndSeconds {
				prev.EndSeconds = s.EndSeconds
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
