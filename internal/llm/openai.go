package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"anima/internal/config"
	"anima/internal/logging"
)

// Usage is the token accounting a backend reports for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatBackend performs one chat completion against an LLM service. It
// does not retry; the pipeline above it owns retry, breaker, and budget
// decisions.
type ChatBackend interface {
	Chat(ctx context.Context, system, prompt string) (string, Usage, error)
	Model() string
}

// OpenAIBackend speaks the OpenAI chat-completions wire format, which
// local runtimes such as Ollama also serve.
type OpenAIBackend struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	maxTokens   int
	temperature float64
}

// NewOpenAIBackend builds a backend from the llm config section.
func NewOpenAIBackend(cfg *config.Config) *OpenAIBackend {
	return &OpenAIBackend{
		apiKey:  cfg.LLM.APIKey,
		baseURL: strings.TrimRight(cfg.LLM.BaseURL, "/"),
		model:   cfg.LLM.ChatModel,
		httpClient: &http.Client{
			Timeout: cfg.LLMTimeout(),
		},
		maxTokens:   4096,
		temperature: 0.2,
	}
}

// Model returns the configured chat model name.
func (b *OpenAIBackend) Model() string {
	return b.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Chat sends one completion request and returns the trimmed response.
func (b *OpenAIBackend) Chat(ctx context.Context, system, prompt string) (string, Usage, error) {
	// Auto-apply timeout if the context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.LLMDebug("[OpenAI] Chat: model=%s system_len=%d prompt_len=%d", b.model, len(system), len(prompt))

	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.LLMError("[OpenAI] Chat: status=%d body_len=%d", resp.StatusCode, len(body))
		return "", Usage{}, &httpStatusError{status: resp.StatusCode, body: truncateBody(body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", Usage{}, fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no completion returned")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	logging.LLM("[OpenAI] Chat: completed in %v response_len=%d tokens=%d",
		time.Since(start), len(content), parsed.Usage.TotalTokens)
	return content, parsed.Usage, nil
}

// truncateBody keeps error bodies loggable.
func truncateBody(body []byte) string {
	const maxLen = 512
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
