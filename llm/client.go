// Package llm talks to the generation backend, an OpenAI-compatible chat
// completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrEmptyResponse is returned when the backend answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one completion call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	Model       string // overrides the client default when set
}

// Generator produces completions. Stream calls emit for every text delta in
// order; an error from emit aborts the stream.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, emit func(delta string) error) error
}

// Timings receives call durations.
type Timings interface {
	RecordTiming(op string, d time.Duration)
}

// Config for the backend client.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string
	Timings Timings
}

// Client wraps a langchaingo model.
type Client struct {
	llm     llms.Model
	model   string
	timings Timings
}

// New creates a client for an OpenAI-compatible endpoint.
func New(cfg Config) (*Client, error) {
	token := cfg.APIKey
	if token == "" {
		// Local servers ignore the key but the client requires one.
		token = "sk-local"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return NewWithModel(model, cfg.Model, cfg.Timings), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, name string, timings Timings) *Client {
	return &Client{llm: model, model: name, timings: timings}
}

func (c *Client) callOptions(req Request) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	return opts
}

func messages(req Request) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.User))
}

// Generate returns the full completion.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, messages(req), c.callOptions(req)...)
	c.record("llm_generate", start)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// Stream emits completion deltas as they arrive.
func (c *Client) Stream(ctx context.Context, req Request, emit func(delta string) error) error {
	start := time.Now()
	opts := append(c.callOptions(req), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		return emit(string(chunk))
	}))
	_, err := c.llm.GenerateContent(ctx, messages(req), opts...)
	c.record("llm_stream", start)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

func (c *Client) record(op string, start time.Time) {
	if c.timings != nil {
		c.timings.RecordTiming(op, time.Since(start))
	}
}
