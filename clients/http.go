// Package clients holds the adapters for every external collaborator the
// pipeline talks to: speech recognition, LLM enrichment, the embedding
// model, frame extraction and the video platform. Each adapter is a small
// interface with one concrete implementation, swappable at construction for
// testing.
package clients

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// newRetryingClient builds the HTTP client shared by the remote adapters.
// Transient failures are retried with exponential backoff.
func newRetryingClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: timeout,
	}
	return client
}
