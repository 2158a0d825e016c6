package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	xerrors "github.com/reeltotext/rtt/errors"
)

// Enricher rewrites transcript segments with related concepts and synonyms
// so they are more findable via semantic search.
type Enricher interface {
	Enrich(ctx context.Context, videoContext string, texts []string) ([]string, error)
}

const anthropicAPIURL = "https://api.anthropic.com/v1/messages"
const anthropicVersion = "2023-06-01"
const enrichModel = "claude-sonnet-4-5-20250929"

const enrichPrompt = `You are an indexing assistant. For each numbered transcript segment below, produce a short enriched version that adds related concepts, synonyms, and themes to make it more findable via semantic search. Preserve the original meaning. Output one line per segment, in order, formatted as "N: enriched text", and nothing else.

Context: %s

Segments:
%s`

// AnthropicEnricher enriches a whole video's segments in one messages-API
// request, with numbered lines in and out.
type AnthropicEnricher struct {
	APIKey string

	apiURL string
	client *retryablehttp.Client
}

func NewAnthropicEnricher(apiKey string) *AnthropicEnricher {
	return &AnthropicEnricher{
		APIKey: apiKey,
		apiURL: anthropicAPIURL,
		client: newRetryingClient(5 * time.Minute),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *AnthropicEnricher) Enrich(ctx context.Context, videoContext string, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var numbered strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&numbered, "%d: %s\n", i, t)
	}
	prompt := fmt.Sprintf(enrichPrompt, videoContext, numbered.String())

	body, err := json.Marshal(anthropicRequest{
		Model:     enrichModel,
		MaxTokens: 64 * len(texts),
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", e.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "enricher_unreachable", "enrichment API", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.New(xerrors.KindExternalServiceError, "enricher_error",
			fmt.Sprintf("enrichment request returned HTTP %d: %s", resp.StatusCode, msg))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "enricher_bad_response", "decoding enrich response", err)
	}
	if parsed.Error != nil {
		return nil, xerrors.New(xerrors.KindExternalServiceError, "enricher_error", parsed.Error.Message)
	}
	var reply strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			reply.WriteString(c.Text)
		}
	}
	return parseEnrichedReply(reply.String(), texts)
}

// parseEnrichedReply matches numbered reply lines back to their segments.
// Segments the model skipped fall back to the raw text so the reply always
// has equal length.
func parseEnrichedReply(reply string, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	copy(out, texts)
	matched := 0
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx, rest, ok := splitNumberedLine(line)
		if !ok || idx < 0 || idx >= len(texts) {
			continue
		}
		out[idx] = rest
		matched++
	}
	if matched == 0 {
		return nil, xerrors.New(xerrors.KindExternalServiceError, "enricher_unparseable",
			"enrichment reply contained no numbered lines")
	}
	return out, nil
}

func splitNumberedLine(line string) (int, string, bool) {
	colon := strings.Index(line, ":")
	if colon <= 0 {
		return 0, "", false
	}
	var idx int
	if _, err := fmt.Sscanf(line[:colon], "%d", &idx); err != nil {
		return 0, "", false
	}
	return idx, strings.TrimSpace(line[colon+1:]), true
}
