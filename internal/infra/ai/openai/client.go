package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/infra/ai/prompt"
)

const maxTokens = 2048

// Client implements analysis.ScoreClient against the OpenAI chat API.
type Client struct {
	*openai.Client
	Model string
}

func NewClient(apiKey, model string) *Client {
	return &Client{Client: openai.NewClient(apiKey), Model: model}
}

// scorePayload is the JSON schema the model is instructed to emit
type scorePayload struct {
	Score       int      `json:"score"`
	Summary     string   `json:"summary"`
	Quotes      []quote  `json:"quotes"`
	ActionItems []string `json:"action_items"`
}

type quote struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Score evaluates one chunk against one rubric dimension. Token usage
// is returned even when the response is unusable, so every attempt is
// billed accurately.
func (c *Client) Score(ctx context.Context, req analysis.ScoreRequest) (*analysis.ScoreResult, analysis.TokenUsage, error) {
	model := c.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	chatReq := openai.ChatCompletionRequest{
		Model: model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System(req.Rubric, req.Dimension)},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User(req.Chunk.Index, req.ChunkCount, req.Chunk.Text)},
		},
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		chatReq.MaxCompletionTokens = maxTokens
	} else {
		chatReq.MaxTokens = maxTokens
	}

	resp, err := c.CreateChatCompletion(ctx, chatReq)
	usage := analysis.TokenUsage{
		Prompt:     resp.Usage.PromptTokens,
		Completion: resp.Usage.CompletionTokens,
		Total:      resp.Usage.TotalTokens,
	}
	if err != nil {
		return nil, usage, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, usage, analysis.Transient(fmt.Errorf("empty completion for dimension %s", req.Dimension))
	}

	var payload scorePayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		// malformed model output is worth one more try
		return nil, usage, analysis.Transient(fmt.Errorf("undecodable completion for dimension %s: %w", req.Dimension, err))
	}
	if payload.Score < 0 {
		payload.Score = 0
	}
	if payload.Score > 100 {
		payload.Score = 100
	}

	result := &analysis.ScoreResult{
		Score:       payload.Score,
		Summary:     payload.Summary,
		ActionItems: payload.ActionItems,
		Usage:       usage,
	}
	for _, q := range payload.Quotes {
		result.Quotes = append(result.Quotes, analysis.Quote{Text: q.Text, Start: q.Start, End: q.End})
	}
	return result, usage, nil
}

// classify maps provider failures onto the pipeline error taxonomy:
// rate limits, 5xx and network timeouts are retryable; auth and bad
// requests are not.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 408:
			return analysis.Transient(err)
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 || apiErr.HTTPStatusCode == 404:
			return analysis.Permanent(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return analysis.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return analysis.Transient(err)
	}
	return analysis.Transient(err)
}
