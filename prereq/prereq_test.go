package prereq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/reeltotext/rtt/errors"
)

func ollamaWith(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		type model struct {
			Name string `json:"name"`
		}
		out := struct {
			Models []model `json:"models"`
		}{}
		for _, m := range models {
			out.Models = append(out.Models, model{Name: m})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

// fakeTools puts executable ffmpeg and yt-dlp stubs on PATH.
func fakeTools(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	for _, bin := range []string{"ffmpeg", "yt-dlp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, bin), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	}
	t.Setenv("PATH", dir)
}

func TestCheckAllPresent(t *testing.T) {
	fakeTools(t)
	t.Setenv("ASSEMBLYAI_API_KEY", "aai-key")
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	srv := ollamaWith(t, "nomic-embed-text:latest")
	defer srv.Close()

	problems := Check(context.Background(), Options{
		OllamaURL:   srv.URL,
		OllamaModel: "nomic-embed-text",
		Tools:       true,
		APIKeys:     true,
	})
	require.Empty(t, problems)
}

func TestCheckReportsEachMissingPiece(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("ASSEMBLYAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	srv := ollamaWith(t, "llama3:latest")
	defer srv.Close()

	problems := Check(context.Background(), Options{
		OllamaURL:   srv.URL,
		OllamaModel: "nomic-embed-text",
		Tools:       true,
		APIKeys:     true,
	})
	require.Len(t, problems, 5)

	joined := ""
	for _, p := range problems {
		joined += p.Error() + "\n"
	}
	require.Contains(t, joined, "ffmpeg is not on PATH")
	require.Contains(t, joined, "yt-dlp is not on PATH")
	require.Contains(t, joined, "does not have model nomic-embed-text")
	require.Contains(t, joined, "ASSEMBLYAI_API_KEY")
	require.Contains(t, joined, "ANTHROPIC_API_KEY")
}

func TestCheckSkipEnrichDropsAnthropicKey(t *testing.T) {
	fakeTools(t)
	t.Setenv("ASSEMBLYAI_API_KEY", "aai-key")
	t.Setenv("ANTHROPIC_API_KEY", "")
	srv := ollamaWith(t, "nomic-embed-text")
	defer srv.Close()

	problems := Check(context.Background(), Options{
		OllamaURL:   srv.URL,
		OllamaModel: "nomic-embed-text",
		Tools:       true,
		APIKeys:     true,
		SkipEnrich:  true,
	})
	require.Empty(t, problems)
}

func TestCheckUnreachableOllama(t *testing.T) {
	problems := Check(context.Background(), Options{
		OllamaURL:   "http://127.0.0.1:1",
		OllamaModel: "nomic-embed-text",
	})
	require.Len(t, problems, 1)
	require.Contains(t, problems[0].Error(), "not reachable")
}

func TestRequire(t *testing.T) {
	srv := ollamaWith(t, "nomic-embed-text")
	defer srv.Close()
	require.NoError(t, Require(context.Background(), Options{OllamaURL: srv.URL, OllamaModel: "nomic-embed-text"}))

	err := Require(context.Background(), Options{OllamaURL: "http://127.0.0.1:1", OllamaModel: "nomic-embed-text"})
	require.Error(t, err)
	require.True(t, xerrors.IsKind(err, xerrors.KindPrerequisiteMissing))
}
