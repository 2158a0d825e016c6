// Package prereq verifies the external tools and services a command depends
// on before any work starts, so a missing binary fails in seconds instead of
// halfway through a batch.
package prereq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/reeltotext/rtt/config"
	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/log"
)

const ollamaTimeout = 5 * time.Second

// Options selects which prerequisites a command needs. The Ollama endpoint
// is always checked: both batch and serve embed text.
type Options struct {
	OllamaURL   string
	OllamaModel string

	// Tools requires ffmpeg and yt-dlp on PATH.
	Tools bool
	// APIKeys requires the ASR key, and the enrichment key unless
	// SkipEnrich is set.
	APIKeys    bool
	SkipEnrich bool
}

// Check returns one human-readable error per missing prerequisite.
func Check(ctx context.Context, opts Options) []error {
	var problems []error

	if opts.Tools {
		for _, bin := range []string{"ffmpeg", "yt-dlp"} {
			if _, err := exec.LookPath(bin); err != nil {
				problems = append(problems, fmt.Errorf("%s is not on PATH", bin))
			}
		}
	}

	if err := checkOllama(ctx, opts.OllamaURL, opts.OllamaModel); err != nil {
		problems = append(problems, err)
	}

	if opts.APIKeys {
		if config.AssemblyAIAPIKey() == "" {
			problems = append(problems, fmt.Errorf("ASSEMBLYAI_API_KEY is not set"))
		}
		if !opts.SkipEnrich && config.AnthropicAPIKey() == "" {
			problems = append(problems, fmt.Errorf("ANTHROPIC_API_KEY is not set"))
		}
	}

	return problems
}

// Require logs every missing prerequisite and returns an error when any is
// missing.
func Require(ctx context.Context, opts Options) error {
	problems := Check(ctx, opts)
	if len(problems) == 0 {
		return nil
	}
	for _, p := range problems {
		log.LogNoVideoID("missing prerequisite", "err", p.Error())
	}
	return xerrors.New(xerrors.KindPrerequisiteMissing, "prerequisites_missing",
		fmt.Sprintf("%d prerequisite(s) missing", len(problems)))
}

func checkOllama(ctx context.Context, baseURL, model string) error {
	ctx, cancel := context.WithTimeout(ctx, ollamaTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ollama is not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("Ollama at %s returned HTTP %d", baseURL, resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decoding Ollama model list: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == model || strings.HasPrefix(m.Name, model+":") {
			return nil
		}
	}
	return fmt.Errorf("Ollama at %s does not have model %s (try: ollama pull %s)", baseURL, model, model)
}
