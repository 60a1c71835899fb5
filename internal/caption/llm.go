package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reelbot/internal/pipeline"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 500
	defaultHTTPTimeout = 30 * time.Second
)

// LLMConfig configures the chat-completions caption provider. BaseURL must
// point at an OpenAI-compatible endpoint root.
type LLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// LLM generates captions via a chat-completions API. Errors propagate; the
// pipeline falls back to the template provider.
type LLM struct {
	cfg        Config
	llm        LLMConfig
	httpClient *http.Client
}

// LLMOption customizes the provider.
type LLMOption func(*LLM)

// WithHTTPClient overrides the default HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) LLMOption {
	return func(l *LLM) {
		if client != nil {
			l.httpClient = client
		}
	}
}

func NewLLM(cfg Config, llm LLMConfig, opts ...LLMOption) (*LLM, error) {
	if strings.TrimSpace(llm.APIKey) == "" {
		return nil, errors.New("caption: llm api key required")
	}
	if strings.TrimSpace(llm.BaseURL) == "" {
		return nil, errors.New("caption: llm base url required")
	}
	llm.BaseURL = strings.TrimRight(strings.TrimSpace(llm.BaseURL), "/")
	if llm.Model == "" {
		llm.Model = defaultModel
	}
	if llm.MaxTokens <= 0 {
		llm.MaxTokens = defaultMaxTokens
	}
	if llm.Timeout <= 0 {
		llm.Timeout = defaultHTTPTimeout
	}
	if cfg.Style == "" {
		cfg.Style = "inspiring"
	}
	if cfg.HashtagCount <= 0 {
		cfg.HashtagCount = 15
	}

	p := &LLM{cfg: cfg, llm: llm, httpClient: &http.Client{Timeout: llm.Timeout}}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
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
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (l *LLM) Generate(ctx context.Context, c pipeline.Candidate) (pipeline.Caption, error) {
	var empty pipeline.Caption

	endpoint, err := url.JoinPath(l.llm.BaseURL, "/chat/completions")
	if err != nil {
		return empty, fmt.Errorf("caption: build url: %w", err)
	}
	encoded, err := json.Marshal(chatRequest{
		Model: l.llm.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an expert short-video content creator."},
			{Role: "user", Content: l.prompt(c)},
		},
		Temperature: 0.7,
		MaxTokens:   l.llm.MaxTokens,
	})
	if err != nil {
		return empty, fmt.Errorf("caption: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("caption: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.llm.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("caption: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("caption: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, fmt.Errorf("caption: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return empty, fmt.Errorf("caption: decode response: %w", err)
	}
	if completion.Error != nil {
		return empty, fmt.Errorf("caption: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	if len(completion.Choices) == 0 {
		return empty, errors.New("caption: empty choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return empty, errors.New("caption: empty content")
	}
	return l.parse(content)
}

func (l *LLM) prompt(c pipeline.Candidate) string {
	description := c.Description
	if len(description) > 500 {
		description = description[:500]
	}
	cta := ""
	if l.cfg.CallToAction {
		cta = "Include a call-to-action at the end.\n"
	}
	return fmt.Sprintf(`Create an engaging short-video caption for a %s clip.

Title: %s
Description: %s

Style: %s
%sRequirements:
- 2-3 compelling sentences
- Generate %d relevant hashtags

Format your response as:
CAPTION: [your caption here]
HASHTAGS: [hashtags separated by spaces]`,
		l.cfg.Category, c.Title, description, l.cfg.Style, cta, l.cfg.HashtagCount)
}

// parse extracts the CAPTION:/HASHTAGS: lines, then merges the configured
// custom tags behind the model's.
func (l *LLM) parse(content string) (pipeline.Caption, error) {
	var text string
	var tags []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "CAPTION:"):
			text = strings.TrimSpace(strings.TrimPrefix(line, "CAPTION:"))
		case strings.HasPrefix(line, "HASHTAGS:"):
			for _, raw := range strings.Fields(strings.TrimPrefix(line, "HASHTAGS:")) {
				if tag := normalizeTag(raw); tag != "" {
					tags = append(tags, tag)
				}
			}
		}
	}
	if text == "" {
		return pipeline.Caption{}, fmt.Errorf("caption: no CAPTION line in response: %q", content)
	}

	seen := map[string]bool{}
	merged := make([]string, 0, len(tags)+len(l.cfg.CustomTags))
	for _, tag := range append(tags, l.cfg.CustomTags...) {
		tag = normalizeTag(tag)
		if tag == "" || seen[tag] || len(merged) >= l.cfg.HashtagCount {
			continue
		}
		seen[tag] = true
		merged = append(merged, tag)
	}
	return pipeline.Caption{Text: text, Tags: merged}, nil
}
