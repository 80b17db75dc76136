package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// LLMConfig points the advisor at an OpenAI-compatible chat completions API.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMAdvisor asks a chat model to act as an impartial arbitrator.
type LLMAdvisor struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

// New returns an LLMAdvisor, or Disabled when no API key is configured.
func New(cfg LLMConfig) Advisor {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Disabled{}
	}
	return NewLLMAdvisor(cfg)
}

func NewLLMAdvisor(cfg LLMConfig) *LLMAdvisor {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LLMAdvisor{
		endpoint: base + "/chat/completions",
		apiKey:   cfg.APIKey,
		model:    model,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float32   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Advise never fails on model output. A transport or HTTP failure returns the
// manual review fallback together with ErrAdvisoryUnavailable.
func (a *LLMAdvisor) Advise(ctx context.Context, req Request) (Recommendation, error) {
	text, err := a.complete(ctx, buildPrompt(req))
	if err != nil {
		return ManualReview("AI analysis unavailable"), fmt.Errorf("%w: %v", ErrAdvisoryUnavailable, err)
	}
	return ParseRecommendation(text), nil
}

func (a *LLMAdvisor) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       a.model,
		Temperature: 0.2,
		Messages:    []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(request)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}

	var decoded chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return decoded.Choices[0].Message.Content, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are an expert impartial arbitrator for a freelance task platform.\n\n")
	fmt.Fprintf(&b, "Task: %q\n", req.TaskTitle)
	fmt.Fprintf(&b, "Requirements: %q\n\n", req.TaskDescription)
	fmt.Fprintf(&b, "The Assignee submitted the following work:\n%q\n\n", req.SubmissionContent)
	fmt.Fprintf(&b, "The Task Owner/Assignee raised a dispute with this reason:\n%q\n\n", req.DisputeReason)
	b.WriteString("Analyze the situation based ONLY on the provided text.\n")
	b.WriteString("Determine if the submission meets the requirements described.\n\n")
	b.WriteString("Provide your response in JSON format with the following fields:\n")
	b.WriteString("- analysis: A clear, neutral explanation of the findings (max 100 words).\n")
	b.WriteString("- recommendation: \"release\" (to assignee) or \"refund\" (to owner).\n")
	b.WriteString("- confidence: A number between 0 and 100 indicating your confidence in this judgment.\n")
	return b.String()
}
