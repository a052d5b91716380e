package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"docchat-go/internal/config"
	"docchat-go/internal/model"
	"docchat-go/pkg/llm"
	"docchat-go/pkg/log"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// ErrEmptyAnswer 表示模型没有返回任何内容。
var ErrEmptyAnswer = errors.New("llm returned an empty answer")

// AnswerService 针对某个客户端的某个集合生成 HTML 回答。
type AnswerService interface {
	Answer(ctx context.Context, clientID, collection, question string) (string, error)
}

type ragAnswerService struct {
	searchService SearchService
	llmClient     llm.Client
	prompt        config.LLMPromptConfig
	gen           *llm.GenerationParams
	topK          int
	md            goldmark.Markdown
}

// NewRAGAnswerService 创建检索增强的回答服务：检索集合内的分块，拼装 system prompt，调用大模型并把 Markdown 渲染为 HTML。
func NewRAGAnswerService(searchService SearchService, llmClient llm.Client, llmCfg config.LLMConfig, topK int) AnswerService {
	return &ragAnswerService{
		searchService: searchService,
		llmClient:     llmClient,
		prompt:        llmCfg.Prompt,
		gen:           llm.ParamsFromConfig(llmCfg.Generation),
		topK:          topK,
		md:            goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

func (s *ragAnswerService) Answer(ctx context.Context, clientID, collection, question string) (string, error) {
	results, err := s.searchService.HybridSearch(ctx, clientID, collection, question, s.topK)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve context: %w", err)
	}

	messages := []llm.Message{
		{Role: "system", Content: s.buildSystemMessage(buildContextText(results))},
		{Role: "user", Content: question},
	}
	answer, err := s.llmClient.Complete(ctx, messages, s.gen)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", ErrEmptyAnswer
	}

	html, err := s.render(answer)
	if err != nil {
		return "", err
	}
	log.Infof("[AnswerService] 回答生成完成, collection: '%s', 引用分块: %d", collection, len(results))
	return html, nil
}

func (s *ragAnswerService) render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render answer: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// buildContextText 把检索结果拼装为带编号的参考片段。
func buildContextText(results []model.SearchHit) string {
	if len(results) == 0 {
		return ""
	}
	// 与 Processor 的 chunkSize 对齐，尽量不截断分块内容
	const maxSnippetLen = 1000
	var b strings.Builder
	for i, r := range results {
		snippet := []rune(r.TextContent)
		text := string(snippet)
		if len(snippet) > maxSnippetLen {
			text = string(snippet[:maxSnippetLen]) + "…"
		}
		label := r.FileName
		if label == "" {
			label = "unknown"
		}
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, label, text)
	}
	return b.String()
}

func (s *ragAnswerService) buildSystemMessage(contextText string) string {
	refStart := s.prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := s.prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var sys strings.Builder
	if s.prompt.Rules != "" {
		sys.WriteString(s.prompt.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		noRes := s.prompt.NoResultText
		if noRes == "" {
			noRes = "(no matching passages in this document)"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

// ClientAnswerer 把 AnswerService 绑定到单个客户端，满足 session.AnswerGenerator。
type ClientAnswerer struct {
	Service  AnswerService
	ClientID string
}

// GenerateAnswer 为绑定的客户端生成回答。
func (a ClientAnswerer) GenerateAnswer(ctx context.Context, collection, question string) (string, error) {
	return a.Service.Answer(ctx, a.ClientID, collection, question)
}
