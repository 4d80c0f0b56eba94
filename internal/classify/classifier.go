// Package classify provides the AI semantic tier of agent state detection:
// an asynchronous classifier that reads recent scrollback and decides whether
// a silent agent is still working or waiting for the user.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Classification values returned by AnalyzeWithConfidence.
const (
	ClassWorking      = "working"
	ClassWaiting      = "waiting_for_user"
	ClassInconclusive = "inconclusive"
)

// Result is a classification verdict with the model's confidence.
type Result struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

// Classifier is the external AI boundary. Implementations must be safe for
// concurrent calls; the observer issues at most one call per session but many
// sessions may be in flight at once.
type Classifier interface {
	// Available reports whether classification can be attempted at all
	// (endpoint configured, credentials present).
	Available() bool

	// AnalyzeWithConfidence classifies the scrollback tail. Errors are
	// treated as inconclusive by callers, never as a state transition.
	AnalyzeWithConfidence(ctx context.Context, scrollback string) (Result, error)
}

// HTTPConfig configures the HTTP classifier.
type HTTPConfig struct {
	// Endpoint is a chat-completions style URL. Empty disables the tier.
	Endpoint string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model is the model identifier to request.
	Model string

	// RequestTimeout bounds each call (default 10s).
	RequestTimeout time.Duration

	// MaxTailBytes truncates scrollback from the front (default 8KiB).
	// Only the tail matters for "is it waiting" and tokens cost money.
	MaxTailBytes int
}

// HTTPClassifier implements Classifier against a chat-completions endpoint.
type HTTPClassifier struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPClassifier creates a classifier. An empty endpoint yields an
// unavailable classifier, which callers should treat as tier-3 disabled.
func NewHTTPClassifier(cfg HTTPConfig) *HTTPClassifier {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxTailBytes <= 0 {
		cfg.MaxTailBytes = 8 * 1024
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &HTTPClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Available reports whether an endpoint is configured.
func (c *HTTPClassifier) Available() bool {
	return c.cfg.Endpoint != ""
}

const systemPrompt = `You classify terminal output from an AI coding agent.
Decide whether the agent is still working or waiting for user input.
Respond with JSON only: {"classification":"working"|"waiting_for_user"|"inconclusive","confidence":0.0-1.0}`

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AnalyzeWithConfidence posts the scrollback tail and parses the verdict.
func (c *HTTPClassifier) AnalyzeWithConfidence(ctx context.Context, scrollback string) (Result, error) {
	if !c.Available() {
		return Result{}, fmt.Errorf("classifier endpoint not configured")
	}

	tail := scrollback
	if len(tail) > c.cfg.MaxTailBytes {
		tail = tail[len(tail)-c.cfg.MaxTailBytes:]
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: tail},
		},
		MaxTokens: 64,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the error message, then drop it.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("classifier returned no choices")
	}

	return parseVerdict(parsed.Choices[0].Message.Content)
}

// parseVerdict extracts a Result from model output. Models wrap JSON in
// prose or code fences often enough that a bare Unmarshal is not enough.
func parseVerdict(content string) (Result, error) {
	content = strings.TrimSpace(content)

	var res Result
	if err := json.Unmarshal([]byte(content), &res); err == nil && validClass(res.Classification) {
		return clamp(res), nil
	}

	// Look for an embedded JSON object.
	if start := strings.IndexByte(content, '{'); start >= 0 {
		if end := strings.LastIndexByte(content, '}'); end > start {
			if err := json.Unmarshal([]byte(content[start:end+1]), &res); err == nil && validClass(res.Classification) {
				return clamp(res), nil
			}
		}
	}

	// Keyword fallback with low confidence.
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, ClassWaiting):
		return Result{Classification: ClassWaiting, Confidence: 0.5}, nil
	case strings.Contains(lower, ClassWorking):
		return Result{Classification: ClassWorking, Confidence: 0.5}, nil
	}

	return Result{}, fmt.Errorf("unparseable verdict: %q", content)
}

func validClass(c string) bool {
	return c == ClassWorking || c == ClassWaiting || c == ClassInconclusive
}

func clamp(r Result) Result {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r
}
