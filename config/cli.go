package config

import (
	"flag"
	"fmt"
	"strings"
)

// Cli carries every flag-configurable knob across the batch and serve
// commands.
type Cli struct {
	OutputDir  string
	Input      string
	Collection string
	SkipEnrich bool

	TranscribeWorkers int
	EnrichWorkers     int
	EmbedWorkers      int
	FrameWorkers      int

	HTTPAddress  string
	ArchiveDirs  []string
	OllamaURL    string
	FailuresPath string
}

// CommaSliceFlag registers a comma-separated string list flag.
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		split := strings.Split(s, ",")
		out := make([]string, 0, len(split))
		for _, v := range split {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		*dest = out
		return nil
	})
}

// PositiveIntFlag registers an int flag that rejects values below one.
func PositiveIntFlag(fs *flag.FlagSet, dest *int, name string, value int, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		var v int
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return err
		}
		if v < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
		*dest = v
		return nil
	})
}
