package aigen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/QuillonLabs/quillon/internal/pkg/env"
	"github.com/QuillonLabs/quillon/internal/pkg/httpx"
)

const defaultBaseURL = "https://api.openai.com"

// syncTimeout bounds chat, search and image calls; video generation is
// asynchronous on the provider side and gets the longer poll budget.
const (
	syncTimeout       = 30 * time.Second
	videoPollTimeout  = 5 * time.Minute
	videoPollInterval = 5 * time.Second
)

// APIError is a non-2xx answer from the generation provider.
type APIError struct {
	StatusCode int
	Message    string
	Raw        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aigen provider error: status=%d message=%s", e.StatusCode, e.Message)
}

// Client is a thin wrapper over an OpenAI-compatible HTTP API. Any
// endpoint speaking the chat/completions and images/generations shapes
// works; base URL, models and key come from the environment.
type Client struct {
	BaseURL    string
	APIKey     string
	TextModel  string
	ImageModel string
	VideoModel string

	HTTPClient *http.Client
	Retry      httpx.RetryPolicy

	// PollInterval overrides the video job poll cadence; zero means the
	// default five seconds.
	PollInterval time.Duration
}

// NewClientFromEnv builds a client from the environment.
func NewClientFromEnv() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(env.GetEnv("AIGEN_BASE_URL", defaultBaseURL)), "/"),
		APIKey:     strings.TrimSpace(env.GetEnv("AIGEN_API_KEY", "")),
		TextModel:  strings.TrimSpace(env.GetEnv("AIGEN_TEXT_MODEL", "gpt-4o-mini")),
		ImageModel: strings.TrimSpace(env.GetEnv("AIGEN_IMAGE_MODEL", "dall-e-3")),
		VideoModel: strings.TrimSpace(env.GetEnv("AIGEN_VIDEO_MODEL", "sora-lite")),
		HTTPClient: &http.Client{
			Timeout: syncTimeout,
		},
		Retry: httpx.DefaultRetryPolicy(),
	}
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage mirrors the provider's token accounting.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TextResult is a completed text generation.
type TextResult struct {
	Content   string     `json:"content"`
	Model     string     `json:"model"`
	WordCount int        `json:"word_count"`
	Usage     TokenUsage `json:"usage"`
}

// ImageResult is a completed image generation. Either URL or B64 is
// set, depending on what the provider returns.
type ImageResult struct {
	URL   string `json:"url,omitempty"`
	B64   string `json:"b64,omitempty"`
	Model string `json:"model"`
}

// VideoResult is a finished video generation job.
type VideoResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Model  string `json:"model"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var bodyBytes []byte
	var err error
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	resp, err := httpx.Do(ctx, c.Retry, func() (*http.Response, error) {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		return c.HTTPClient.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func parseAPIError(status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg, Raw: string(body)}
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// Chat runs one chat/completions round over the full message history.
func (c *Client) Chat(ctx context.Context, messages []Message) (*TextResult, error) {
	if len(messages) == 0 {
		return nil, errors.New("chat requires at least one message")
	}

	payload := map[string]any{
		"model":    c.TextModel,
		"messages": messages,
	}
	var out chatCompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat/completions", payload, &out); err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	content := out.Choices[0].Message.Content
	model := out.Model
	if model == "" {
		model = c.TextModel
	}
	return &TextResult{
		Content:   content,
		Model:     model,
		WordCount: CountWords(content),
		Usage:     out.Usage,
	}, nil
}

// GenerateText produces a completion for a single user prompt.
func (c *Client) GenerateText(ctx context.Context, prompt string) (*TextResult, error) {
	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}})
}

// Search answers a query grounded as a search task. Providers without a
// dedicated search product serve this through the text model.
func (c *Client) Search(ctx context.Context, query string) (*TextResult, error) {
	return c.Chat(ctx, []Message{
		{Role: "system", Content: "You are a search assistant. Answer the query concisely with current, factual information."},
		{Role: "user", Content: query},
	})
}

type imageGenerationResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GenerateImage produces one image; size defaults to 1024x1024.
func (c *Client) GenerateImage(ctx context.Context, prompt, size string) (*ImageResult, error) {
	if size == "" {
		size = "1024x1024"
	}

	payload := map[string]any{
		"model":  c.ImageModel,
		"prompt": prompt,
		"n":      1,
		"size":   size,
	}
	var out imageGenerationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/images/generations", payload, &out); err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, errors.New("image generation returned no data")
	}
	return &ImageResult{
		URL:   out.Data[0].URL,
		B64:   out.Data[0].B64JSON,
		Model: c.ImageModel,
	}, nil
}

type videoJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateVideo submits a video job and polls it to completion. The
// whole operation is bounded by the five minute budget.
func (c *Client) GenerateVideo(ctx context.Context, prompt string) (*VideoResult, error) {
	ctx, cancel := context.WithTimeout(ctx, videoPollTimeout)
	defer cancel()

	payload := map[string]any{
		"model":  c.VideoModel,
		"prompt": prompt,
	}
	var job videoJobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/videos/generations", payload, &job); err != nil {
		return nil, fmt.Errorf("video generation: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("video generation returned no job id")
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = videoPollInterval
	}
	for !videoDone(job.Status) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation %s: %w", job.ID, ctx.Err())
		case <-time.After(interval):
		}
		if err := c.doJSON(ctx, http.MethodGet, "/v1/videos/generations/"+job.ID, nil, &job); err != nil {
			return nil, fmt.Errorf("video generation poll: %w", err)
		}
	}

	if !videoSucceeded(job.Status) {
		msg := job.Error.Message
		if msg == "" {
			msg = job.Status
		}
		return nil, fmt.Errorf("video generation %s failed: %s", job.ID, msg)
	}
	return &VideoResult{
		ID:     job.ID,
		Status: job.Status,
		URL:    job.URL,
		Model:  c.VideoModel,
	}, nil
}

func videoDone(status string) bool {
	switch strings.ToLower(status) {
	case "succeeded", "completed", "failed", "cancelled", "canceled":
		return true
	}
	return false
}

func videoSucceeded(status string) bool {
	switch strings.ToLower(status) {
	case "succeeded", "completed":
		return true
	}
	return false
}

// CountWords counts whitespace-separated tokens in generated text.
func CountWords(s string) int {
	return len(strings.Fields(s))
}
