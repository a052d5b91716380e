// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"docchat-go/internal/model"
	"docchat-go/pkg/embedding"
	"docchat-go/pkg/es"
	"docchat-go/pkg/log"
)

// ChunkSearcher 执行一次 Elasticsearch 检索，*es.Client 实现了该接口。
type ChunkSearcher interface {
	Search(ctx context.Context, query map[string]interface{}) (*es.SearchResponse, error)
}

// SearchService 接口定义了搜索操作。
type SearchService interface {
	HybridSearch(ctx context.Context, clientID, collection, query string, topK int) ([]model.SearchHit, error)
}

type searchService struct {
	embeddingClient embedding.Client
	searcher        ChunkSearcher
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embeddingClient embedding.Client, searcher ChunkSearcher) SearchService {
	return &searchService{
		embeddingClient: embeddingClient,
		searcher:        searcher,
	}
}

// HybridSearch 在指定客户端的指定集合内执行 kNN + BM25 混合检索。
func (s *searchService) HybridSearch(ctx context.Context, clientID, collection, query string, topK int) ([]model.SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}
	log.Infof("[SearchService] 开始执行混合搜索, query: '%s', collection: '%s', topK: %d", query, collection, topK)

	normalized, phrase := normalizeQuery(query)
	if normalized != query {
		log.Debugf("[SearchService] 规范化查询: '%s' -> '%s'", query, normalized)
	}

	// 向量化使用原始问句，保持语义检索能力
	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		log.Errorf("[SearchService] 向量化查询失败: %v", err)
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	res, err := s.searcher.Search(ctx, buildHybridQuery(queryVector, clientID, collection, normalized, phrase, topK))
	if err != nil {
		log.Errorf("[SearchService] 检索失败: %v", err)
		return nil, err
	}

	hits := make([]model.SearchHit, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		hits = append(hits, model.SearchHit{
			FileName:    hit.Source.FileName,
			Collection:  hit.Source.Collection,
			ChunkID:     hit.Source.ChunkID,
			TextContent: hit.Source.TextContent,
			Score:       hit.Score,
		})
	}
	log.Infof("[SearchService] 混合搜索完成, 返回 %d 条结果", len(hits))
	return hits, nil
}

// collectionFilter 限定检索范围为某个客户端的某个集合。
func collectionFilter(clientID, collection string) []map[string]interface{} {
	return []map[string]interface{}{
		{"term": map[string]interface{}{"client_id": clientID}},
		{"term": map[string]interface{}{"collection": collection}},
	}
}

func buildHybridQuery(vector []float32, clientID, collection, normalized, phrase string, topK int) map[string]interface{} {
	recallK := topK * 30
	filter := collectionFilter(clientID, collection)
	boolQuery := map[string]interface{}{
		"must": map[string]interface{}{
			"match": map[string]interface{}{
				"text_content": normalized,
			},
		},
		"filter": filter,
	}
	if should := buildPhraseShould(phrase); should != nil {
		boolQuery["should"] = should
	}
	return map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              recallK,
			"num_candidates": recallK,
			"filter":         filter,
		},
		"query": map[string]interface{}{
			"bool": boolQuery,
		},
		"rescore": map[string]interface{}{
			"window_size": recallK,
			"query": map[string]interface{}{
				"rescore_query": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": map[string]interface{}{
							"query":    normalized,
							"operator": "and",
						},
					},
				},
				"query_weight":         0.2,
				"rescore_query_weight": 1.0,
			},
		},
		"size": topK,
	}
}

var (
	reKeep  = regexp.MustCompile(`[^\p{Han}a-z0-9\s]+`)
	reSpace = regexp.MustCompile(`\s+`)
)

// normalizeQuery 对用户查询进行轻量去噪与短语提取。
// 返回值：规范化后的查询（用于 BM25/rescore）与核心短语（用于 match_phrase 兜底）。
func normalizeQuery(q string) (string, string) {
	if q == "" {
		return q, ""
	}
	lower := " " + strings.ToLower(q) + " "
	stopPhrases := []string{
		" please ", " what is ", " what are ", " tell me ", " can you ", " the ", " a ", " an ",
		"是谁", "是什么", "请问", "怎么", "如何", "告诉我", "吗", "呢", "？", "?",
	}
	for _, sp := range stopPhrases {
		lower = strings.ReplaceAll(lower, sp, " ")
	}
	kept := reKeep.ReplaceAllString(lower, " ")
	kept = strings.TrimSpace(reSpace.ReplaceAllString(kept, " "))
	if kept == "" {
		return q, ""
	}
	return kept, kept
}

// buildPhraseShould 构建 match_phrase should 子句（带 boost），为空则返回 nil
func buildPhraseShould(phrase string) []map[string]interface{} {
	if phrase == "" {
		return nil
	}
	return []map[string]interface{}{
		{
			"match_phrase": map[string]interface{}{
				"text_content": map[string]interface{}{
					"query": phrase,
					"boost": 3.0,
				},
			},
		},
	}
}
