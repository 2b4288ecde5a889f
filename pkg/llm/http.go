package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quizcraft/quizcraft/pkg/models"
)

const (
	// DefaultAnthropicVersion is sent when no version is configured.
	DefaultAnthropicVersion = "2023-06-01"

	defaultMaxTokens = 1024
	messagesPath     = "/v1/messages"
)

// HTTPTransport speaks the Anthropic Messages API.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	Version string
	Client  *http.Client
}

// NewHTTPTransport creates an HTTPTransport with its own http.Client.
func NewHTTPTransport(baseURL, apiKey, version string, timeout time.Duration) *HTTPTransport {
	if version == "" {
		version = DefaultAnthropicVersion
	}
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Version: version,
		Client:  &http.Client{Timeout: timeout},
	}
}

type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Temperature   float64   `json:"temperature"`
	TopP          float64   `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends one request and decodes the reply envelope.
func (t *HTTPTransport) Complete(ctx context.Context, req models.Request) (*Reply, error) {
	maxTokens := req.Params.MaxOutputUnits
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(messagesRequest{
		Model:         req.Params.Model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      []message{{Role: "user", Content: req.Prompt}},
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: req.Params.StopSequences,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
	}

	res, err := t.do(ctx, body)
	if err != nil {
		return nil, err
	}

	if res.statusCode < 200 || res.statusCode >= 300 {
		return nil, &StatusError{
			StatusCode: res.statusCode,
			RetryAfter: parseRetryAfter(res.header.Get("Retry-After")),
			Message:    gjson.GetBytes(res.body, "error.message").String(),
		}
	}

	if !gjson.ValidBytes(res.body) {
		return nil, fmt.Errorf("decode envelope: invalid JSON (%d bytes)", len(res.body))
	}
	env := gjson.ParseBytes(res.body)

	var text strings.Builder
	env.Get("content").ForEach(func(_, block gjson.Result) bool {
		if kind := block.Get("type").String(); kind == "" || kind == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	return &Reply{
		ID:    env.Get("id").String(),
		Model: env.Get("model").String(),
		Text:  text.String(),
		Usage: models.Usage{
			InputUnits:  int(env.Get("usage.input_tokens").Int()),
			OutputUnits: int(env.Get("usage.output_tokens").Int()),
		},
	}, nil
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

func (t *HTTPTransport) do(ctx context.Context, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(t.BaseURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: bad remote URL %q", ErrInvalidRequest, t.BaseURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String()+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", t.Version)
	if t.APIKey != "" {
		req.Header.Set("x-api-key", t.APIKey)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
