package clients

import (
	"strings"
)

type vttCue struct {
	start, end float64
	text       string
}

// parseVTT extracts cues from a WebVTT subtitle document. Malformed blocks
// are skipped rather than failing the whole track.
func parseVTT(doc string) []vttCue {
	var cues []vttCue
	blocks := strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n\n")
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		var cue *vttCue
		var texts []string
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if cue == nil {
				if start, end, ok := parseCueTiming(line); ok {
					cue = &vttCue{start: start, end: end}
				}
				continue
			}
			if line != "" {
				texts = append(texts, line)
			}
		}
		if cue != nil && len(texts) > 0 {
			cue.text = strings.Join(texts, " ")
			cues = append(cues, *cue)
		}
	}
	return cues
}

// parseCueTiming parses "HH:MM:SS.mmm --> HH:MM:SS.mmm" lines, with the hour
// component optional and any cue settings after the end time ignored.
func parseCueTiming(line string) (float64, float64, bool) {
	arrow := strings.Index(line, "-->")
	if arrow < 0 {
		return 0, 0, false
	}
	start, ok := parseVTTTime(strings.TrimSpace(line[:arrow]))
	if !ok {
		return 0, 0, false
	}
	rest := strings.TrimSpace(line[arrow+3:])
	if sp := strings.IndexAny(rest, " \t"); sp >= 0 {
		rest = rest[:sp]
	}
	end, ok := parseVTTTime(rest)
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

func parseVTTTime(s string) (float64, bool) {
	var millis float64
	if dot := strings.Index(s, "."); dot >= 0 {
		frac := s[dot+1:]
		if len(frac) != 3 || !isDigits(frac) {
			return 0, false
		}
		millis = float64(atoi(frac)) / 1000
		s = s[:dot]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	var seconds float64
	for _, p := range parts {
		if !isDigits(p) {
			return 0, false
		}
		seconds = seconds*60 + float64(atoi(p))
	}
	return seconds + millis, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
