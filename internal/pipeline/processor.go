// Package pipeline 定义了文件处理的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"docchat-go/internal/model"
	"docchat-go/internal/repository"
	"docchat-go/pkg/embedding"
	"docchat-go/pkg/log"
	"docchat-go/pkg/storage"
	"docchat-go/pkg/tasks"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
	// embedBatch 为单次 embedding 请求的最大分块数
	embedBatch = 10
)

// TextExtractor 从文档中提取纯文本，*tika.Client 实现了该接口。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// ChunkIndexer 写入一个向量化后的分块，*es.Client 实现了该接口。
type ChunkIndexer interface {
	IndexDocument(ctx context.Context, doc model.EsDocument) error
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	store           storage.ObjectStore
	extractor       TextExtractor
	embeddingClient embedding.Client
	indexer         ChunkIndexer
	docRepo         repository.DocumentRepository
	modelVersion    string
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	store storage.ObjectStore,
	extractor TextExtractor,
	embeddingClient embedding.Client,
	indexer ChunkIndexer,
	docRepo repository.DocumentRepository,
	modelVersion string,
) *Processor {
	return &Processor{
		store:           store,
		extractor:       extractor,
		embeddingClient: embeddingClient,
		indexer:         indexer,
		docRepo:         docRepo,
		modelVersion:    modelVersion,
	}
}

// Process 下载文档、提取文本、切块、向量化并写入索引，完成后将文档标记为可检索。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	log.Infof("[Processor] 开始处理文件, FileMD5: %s, FileName: %s, Collection: %s", task.FileMD5, task.FileName, task.Collection)
	if err := p.docRepo.UpdateStatus(task.DocumentID, model.DocumentStatusProcessing); err != nil {
		log.Warnf("[Processor] 更新文档状态失败, id: %d, error: %v", task.DocumentID, err)
	}

	if err := p.process(ctx, task); err != nil {
		if statusErr := p.docRepo.UpdateStatus(task.DocumentID, model.DocumentStatusFailed); statusErr != nil {
			log.Warnf("[Processor] 更新文档状态失败, id: %d, error: %v", task.DocumentID, statusErr)
		}
		return err
	}

	if err := p.docRepo.MarkReady(task.DocumentID); err != nil {
		return fmt.Errorf("标记文档完成失败: %w", err)
	}
	log.Infof("[Processor] 文件处理成功完成, FileMD5: %s", task.FileMD5)
	return nil
}

func (p *Processor) process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	// 1. 从 MinIO 下载文件
	object, err := p.store.GetObject(ctx, task.ObjectName)
	if err != nil {
		return fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		return fmt.Errorf("读取MinIO对象流失败: %w", err)
	}
	if size == 0 {
		return errors.New("文件内容为空")
	}
	log.Debugf("[Processor] 文件下载成功, object: %s, size: %d", task.ObjectName, size)

	// 2. 提取文本
	textContent, err := p.extractor.ExtractText(ctx, bytes.NewReader(buf.Bytes()), task.FileName)
	if err != nil {
		return fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	if textContent == "" {
		return errors.New("提取的文本内容为空")
	}
	log.Infof("[Processor] 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(textContent))

	// 3. 文本切块
	chunks := splitText(textContent, chunkSize, chunkOverlap)
	if len(chunks) == 0 {
		return errors.New("未生成任何文本分块")
	}
	log.Infof("[Processor] 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 4. 分批向量化并索引到 ES
	for start := 0; start < len(chunks); start += embedBatch {
		end := start + embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		vectors, err := p.embeddingClient.CreateEmbeddings(ctx, chunks[start:end])
		if err != nil {
			return fmt.Errorf("块 %d-%d 向量化失败: %w", start, end-1, err)
		}
		for i, vector := range vectors {
			chunkID := start + i
			esDoc := model.EsDocument{
				VectorID:     fmt.Sprintf("%s_%d", task.FileMD5, chunkID),
				FileMD5:      task.FileMD5,
				FileName:     task.FileName,
				Collection:   task.Collection,
				ChunkID:      chunkID,
				TextContent:  chunks[chunkID],
				Vector:       vector,
				ModelVersion: p.modelVersion,
				ClientID:     task.ClientID,
			}
			if err := p.indexer.IndexDocument(ctx, esDoc); err != nil {
				return fmt.Errorf("索引块 %d 到 Elasticsearch 失败: %w", chunkID, err)
			}
		}
		log.Debugf("[Processor] 已索引分块 %d/%d", end, len(chunks))
	}
	return nil
}

// splitText 将长文本按指定大小和重叠进行切分。
func splitText(text string, chunkSize int, chunkOverlap int) []string {
	if chunkSize <= chunkOverlap {
		return simpleSplit(text, chunkSize)
	}

	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := chunkSize - chunkOverlap
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func simpleSplit(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 || chunkSize <= 0 {
		return nil
	}
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
