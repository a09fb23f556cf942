package transcripts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/transcript"
)

// Client fetches call transcripts from the upstream call store over
// HTTP. The store owns the transcript; the pipeline only reads it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type transcriptResponse struct {
	CallID          string  `json:"call_id"`
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Fetch returns the transcript for callID with its content hash
// computed. 404 is permanent; network failures and 5xx are transient
// and retried at the run level by the orchestrator.
func (c *Client) Fetch(ctx context.Context, callID string) (*transcript.Transcript, error) {
	endpoint := fmt.Sprintf("%s/calls/%s/transcript", c.baseURL, url.PathEscape(callID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, analysis.Permanent(fmt.Errorf("building transcript request: %w", err))
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, analysis.Transient(fmt.Errorf("fetching transcript for %s: %w", callID, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, analysis.Permanent(fmt.Errorf("%w: call %s", analysis.ErrTranscriptNotFound, callID))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, analysis.Transient(fmt.Errorf("transcript store returned %d for call %s", resp.StatusCode, callID))
	case resp.StatusCode != http.StatusOK:
		return nil, analysis.Permanent(fmt.Errorf("transcript store returned %d for call %s", resp.StatusCode, callID))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, analysis.Transient(fmt.Errorf("reading transcript body: %w", err))
	}
	var tr transcriptResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, analysis.Permanent(fmt.Errorf("decoding transcript for %s: %w", callID, err))
	}
	if tr.Text == "" {
		return nil, analysis.Permanent(fmt.Errorf("empty transcript for call %s", callID))
	}

	return &transcript.Transcript{
		CallID:   callID,
		Text:     tr.Text,
		Hash:     transcript.ContentHash(tr.Text),
		Duration: time.Duration(tr.DurationSeconds * float64(time.Second)),
	}, nil
}
