// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docchat-go/internal/config"
	"docchat-go/internal/model"
	"docchat-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Client 封装底层客户端和目标索引。
type Client struct {
	raw   *elasticsearch.Client
	index string
}

// NewClient 创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*Client, error) {
	raw, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{raw: raw, index: esCfg.IndexName}, nil
}

// Index 返回目标索引名。
func (c *Client) Index() string {
	return c.index
}

// EnsureIndex 检查索引是否存在，不存在则按 dims 维向量创建。
func (c *Client) EnsureIndex(ctx context.Context, dims int) error {
	res, err := c.raw.Indices.Exists([]string{c.index}, c.raw.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", c.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = c.raw.Indices.Create(
		c.index,
		c.raw.Indices.Create.WithContext(ctx),
		c.raw.Indices.Create.WithBody(strings.NewReader(indexMapping(dims))),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", c.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}
	log.Infof("索引 '%s' 创建成功", c.index)
	return nil
}

func indexMapping(dims int) string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"vector_id": { "type": "keyword" },
				"file_md5": { "type": "keyword" },
				"file_name": { "type": "keyword" },
				"collection": { "type": "keyword" },
				"client_id": { "type": "keyword" },
				"chunk_id": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": { "type": "dense_vector", "dims": %d, "index": true, "similarity": "cosine" },
				"model_version": { "type": "keyword" }
			}
		}
	}`, dims)
}

// IndexDocument 将单个分块索引到 Elasticsearch。
func (c *Client) IndexDocument(ctx context.Context, doc model.EsDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: doc.VectorID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.raw)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// SearchResponse 是检索响应中用到的部分。
type SearchResponse struct {
	Hits struct {
		Hits []struct {
			Source model.EsDocument `json:"_source"`
			Score  float64          `json:"_score"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 执行一次检索，query 为完整的请求体。
func (c *Client) Search(ctx context.Context, query map[string]interface{}) (*SearchResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}
	res, err := c.raw.Search(
		c.raw.Search.WithContext(ctx),
		c.raw.Search.WithIndex(c.index),
		c.raw.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s, body: %s", res.Status(), string(body))
	}

	var out SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	return &out, nil
}
