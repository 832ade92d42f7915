package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LLMWriter drafts sections through an OpenAI-compatible chat completion
// API. Any provider exposing /chat/completions works; the default base
// URL targets OpenRouter.
type LLMWriter struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewLLMWriter creates a writer for the given provider. An empty baseURL
// selects OpenRouter; an empty model selects a general-purpose default.
func NewLLMWriter(baseURL, apiKey, model string) *LLMWriter {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if model == "" {
		model = "anthropic/claude-sonnet-4"
	}
	return &LLMWriter{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (w *LLMWriter) Mock() bool { return false }

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
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const sectionSystemPrompt = "You are a technical writer preparing formal environmental " +
	"assessment documents. Write clear, well-structured prose in a neutral register. " +
	"Respond with the section body only, no headings."

// WriteSection drafts one section from the request's query and source
// context.
func (w *LLMWriter) WriteSection(ctx context.Context, req SectionRequest) (string, error) {
	user := fmt.Sprintf("Project: %s\nDocument type: %s\nSection: %s\n\nSource material:\n%s\n\n"+
		"Write the %q section of this document based on the source material above.",
		req.Query, req.DocumentType, req.Title, req.Context, req.Title)

	reqBody, err := json.Marshal(chatRequest{
		Model: w.model,
		Messages: []chatMessage{
			{Role: "system", Content: sectionSystemPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens:   1500,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("llm: empty completion returned")
	}
	return result.Choices[0].Message.Content, nil
}
