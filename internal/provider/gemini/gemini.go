package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/studypilot/studypilot/internal/provider"
)

const defaultEndpoint = "https://generativelanguage.googleapis.com"

// Config holds the knobs for one Gemini completion client.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

// Client talks to the Gemini generateContent API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	recorder   provider.AttemptRecorder
	rnd        *rand.Rand
}

// request mirrors the generateContent wire payload.
type request struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// NewClient creates a Gemini client. recorder may be nil when no attempt
// audit is wanted.
func NewClient(cfg Config, recorder provider.AttemptRecorder) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		recorder:   recorder,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Complete sends the prompt and returns the first candidate's text. Transient
// failures are retried with exponential backoff plus jitter up to
// cfg.MaxRetries extra attempts; auth and quota failures return immediately.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		text, err := c.once(ctx, attempt, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !provider.Retryable(err) {
			return "", err
		}
		if attempt > c.cfg.MaxRetries {
			break
		}
		if err := c.sleep(ctx, attempt); err != nil {
			return "", &provider.Error{Kind: provider.KindTransient, Err: err}
		}
	}
	return "", lastErr
}

func (c *Client) once(ctx context.Context, attempt int, prompt string) (string, error) {
	body, err := json.Marshal(request{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.cfg.Endpoint, c.cfg.Model, url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		perr := &provider.Error{Kind: provider.KindTransient, Err: err}
		c.record(ctx, provider.Attempt{Number: attempt, Duration: time.Since(start), Err: perr})
		return "", perr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		perr := &provider.Error{Kind: provider.KindTransient, StatusCode: resp.StatusCode, Err: err}
		c.record(ctx, provider.Attempt{Number: attempt, StatusCode: resp.StatusCode, Duration: time.Since(start), Err: perr})
		return "", perr
	}

	if resp.StatusCode != http.StatusOK {
		perr := classifyStatus(resp.StatusCode, raw)
		c.record(ctx, provider.Attempt{Number: attempt, StatusCode: resp.StatusCode, Duration: time.Since(start), Response: string(raw), Err: perr})
		return "", perr
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		perr := &provider.Error{Kind: provider.KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
		c.record(ctx, provider.Attempt{Number: attempt, StatusCode: resp.StatusCode, Duration: time.Since(start), Response: string(raw), Err: perr})
		return "", perr
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		perr := &provider.Error{Kind: provider.KindTransient, StatusCode: resp.StatusCode, Err: errors.New("response carried no candidates")}
		c.record(ctx, provider.Attempt{Number: attempt, StatusCode: resp.StatusCode, Duration: time.Since(start), Response: string(raw), Err: perr})
		return "", perr
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	c.record(ctx, provider.Attempt{Number: attempt, StatusCode: resp.StatusCode, Duration: time.Since(start), Response: text})
	return text, nil
}

func classifyStatus(status int, body []byte) *provider.Error {
	err := fmt.Errorf("API returned status %d: %s", status, snippet(body))
	switch {
	case status == http.StatusTooManyRequests:
		return &provider.Error{Kind: provider.KindQuotaExceeded, StatusCode: status, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &provider.Error{Kind: provider.KindAuthFailure, StatusCode: status, Err: err}
	case status == http.StatusRequestTimeout || status >= 500:
		return &provider.Error{Kind: provider.KindTransient, StatusCode: status, Err: err}
	default:
		// Unexpected 4xx replies are not retried.
		return &provider.Error{Kind: provider.KindAuthFailure, StatusCode: status, Err: err}
	}
}

// sleep waits out the backoff for the given attempt or bails when ctx ends.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	backoff := c.cfg.BackoffBase << (attempt - 1)
	jitter := time.Duration(c.rnd.Int63n(int64(c.cfg.BackoffBase)))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) record(ctx context.Context, a provider.Attempt) {
	if c.recorder != nil {
		c.recorder.RecordAttempt(ctx, a)
	}
}

func snippet(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
