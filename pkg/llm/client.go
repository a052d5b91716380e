// Package llm provides a client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docchat-go/internal/config"
)

// ChunkWriter receives streamed content deltas in order.
type ChunkWriter interface {
	WriteChunk(chunk string) error
}

// ChunkWriterFunc adapts a function to ChunkWriter.
type ChunkWriterFunc func(chunk string) error

func (f ChunkWriterFunc) WriteChunk(chunk string) error { return f(chunk) }

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChatMessages 以 role-based 消息调用聊天接口，并将流式分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer ChunkWriter) error
	// Complete 收集完整回答后一次性返回。
	Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the config.
func NewClient(cfg config.LLMConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ParamsFromConfig 把配置中的非零生成参数转换为 GenerationParams，全为零时返回 nil。
func ParamsFromConfig(cfg config.LLMGenerationConfig) *GenerationParams {
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

func (c *openAICompatibleClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	var sb strings.Builder
	err := c.StreamChatMessages(ctx, messages, gen, ChunkWriterFunc(func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	}))
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (c *openAICompatibleClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer ChunkWriter) error {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	// 传参优先，否则使用配置中的生成参数
	if gen == nil {
		gen = ParamsFromConfig(c.cfg.Generation)
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				return nil
			}
			var chunk chatResponse
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr == nil && len(chunk.Choices) > 0 {
				if content := chunk.Choices[0].Delta.Content; content != "" {
					if werr := writer.WriteChunk(content); werr != nil {
						return fmt.Errorf("failed to write chunk: %w", werr)
					}
				}
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}
