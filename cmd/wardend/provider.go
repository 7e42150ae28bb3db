package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wardenhost/warden/pkg/llm"
)

// openaiProvider speaks the OpenAI-compatible chat completion API, which
// both local runtimes (llama.cpp, Ollama, vLLM) and hosted services expose.
type openaiProvider struct {
	baseURL string
	model   string
	cloud   bool
	client  *http.Client
}

func newOpenAIProvider(baseURL, model string, cloud bool) *openaiProvider {
	return &openaiProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		cloud:   cloud,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *openaiProvider) Name() string {
	if p.cloud {
		return "openai:" + p.model
	}
	return "local:" + p.model
}

func (p *openaiProvider) Cloud() bool { return p.cloud }

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message llm.Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{Model: p.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("chat completion: %s", msg)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

func (p *openaiProvider) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: %s", p.Name(), resp.Status)
	}
	return nil
}
