package whisperapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"voxmerge/internal/language"
)

// ErrMalformedResponse marks a response that decoded but carried no usable text.
var ErrMalformedResponse = errors.New("malformed transcription response")

// Config describes the speech-to-text endpoint.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	HTTPClient *http.Client
}

// Result is one transcription.
type Result struct {
	Text     string
	Language string
	Duration float64
}

// Client transcribes audio files.
type Client struct {
	api      openai.Client
	model    string
	language string
}

// NewClient constructs a client. SDK-level retries are disabled.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &Client{
		api:      openai.NewClient(opts...),
		model:    model,
		language: language.Normalize(cfg.Language),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Transcribe uploads the file at path and returns its transcript. An empty
// transcript is reported as ErrMalformedResponse.
func (c *Client) Transcribe(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open audio %s: %w", path, err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:           f,
		Model:          openai.AudioModel(c.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if c.language != "" {
		params.Language = openai.String(c.language)
	}

	transcription, err := c.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe %s: %w", path, err)
	}
	if transcription == nil {
		return Result{}, fmt.Errorf("transcribe %s: %w", path, ErrMalformedResponse)
	}

	result := Result{Text: strings.TrimSpace(transcription.Text), Language: c.language}
	var extra struct {
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if raw := transcription.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &extra); err == nil {
			if extra.Language != "" {
				result.Language = extra.Language
			}
			result.Duration = extra.Duration
		}
	}
	if result.Text == "" {
		return Result{}, fmt.Errorf("transcribe %s: %w", path, ErrMalformedResponse)
	}
	return result, nil
}

// HealthCheck verifies the endpoint accepts the key and knows the model.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.api.Models.Get(ctx, c.model); err != nil {
		return fmt.Errorf("speech-to-text health check: %w", err)
	}
	return nil
}

// StatusCode returns the HTTP status of an API error, or 0 when err is not one.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Permanent reports whether retrying err cannot succeed. Only rejected
// credentials qualify; every other status is worth another attempt.
func Permanent(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}
