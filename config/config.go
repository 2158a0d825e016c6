package config

import (
	"os"
	"path/filepath"
)

var Version = "undefined"

// Embedding model served by Ollama. Archives are only compatible across runs
// that used the same model, so this is fixed rather than configurable.
const (
	OllamaModel      = "nomic-embed-text"
	DefaultOllamaURL = "http://localhost:11434"
)

// Default worker pool sizes per pipeline stage. Transcription and enrichment
// are network-bound on remote services; embedding and frame extraction are
// CPU-heavy on the local host.
const (
	DefaultTranscribeWorkers = 20
	DefaultEnrichWorkers     = 10
	DefaultEmbedWorkers      = 3
	DefaultFrameWorkers      = 3
)

// OllamaURL returns the embedder endpoint, honouring RTT_OLLAMA_URL.
func OllamaURL() string {
	if url := os.Getenv("RTT_OLLAMA_URL"); url != "" {
		return url
	}
	return DefaultOllamaURL
}

// CacheDir returns the local cache root, honouring RTT_CACHE_DIR.
func CacheDir() string {
	if dir := os.Getenv("RTT_CACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rtt-cache"
	}
	return filepath.Join(home, ".cache", "rtt")
}

func AnthropicAPIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}

func AssemblyAIAPIKey() string {
	return os.Getenv("ASSEMBLYAI_API_KEY")
}
