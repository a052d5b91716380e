package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"docchat-go/internal/model"
	"docchat-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore map[string][]byte

func (m memStore) PutObject(_ context.Context, name string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	m[name] = b
	return err
}

func (m memStore) GetObject(_ context.Context, name string) (io.ReadCloser, error) {
	b, ok := m[name]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type extractorFunc func(ctx context.Context, r io.Reader, fileName string) (string, error)

func (f extractorFunc) ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error) {
	return f(ctx, r, fileName)
}

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	v, err := e.CreateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *countingEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type memIndex struct {
	docs []model.EsDocument
}

func (m *memIndex) IndexDocument(_ context.Context, doc model.EsDocument) error {
	m.docs = append(m.docs, doc)
	return nil
}

type statusRepo struct {
	statuses []int
}

func (r *statusRepo) Create(*model.Document) error { return nil }

func (r *statusRepo) FindByMD5(string, string) (*model.Document, error) { return nil, nil }

func (r *statusRepo) FindByID(uint) (*model.Document, error) { return nil, nil }

func (r *statusRepo) ListByClient(string) ([]model.Document, error) { return nil, nil }

func (r *statusRepo) UpdateStatus(_ uint, status int) error {
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *statusRepo) MarkReady(uint) error {
	r.statuses = append(r.statuses, model.DocumentStatusReady)
	return nil
}

func task() tasks.DocumentProcessingTask {
	return tasks.DocumentProcessingTask{
		DocumentID: 7,
		FileMD5:    "abc",
		ObjectName: "documents/abc/ReportA.pdf",
		FileName:   "ReportA.pdf",
		Collection: "ReportA",
		ClientID:   "c1",
	}
}

func TestProcessIndexesEveryChunk(t *testing.T) {
	store := memStore{"documents/abc/ReportA.pdf": []byte("%PDF")}
	text := strings.Repeat("x", 9500)
	extractor := extractorFunc(func(_ context.Context, r io.Reader, fileName string) (string, error) {
		b, _ := io.ReadAll(r)
		assert.Equal(t, "%PDF", string(b))
		assert.Equal(t, "ReportA.pdf", fileName)
		return text, nil
	})
	emb := &countingEmbedder{}
	idx := &memIndex{}
	repo := &statusRepo{}

	p := NewProcessor(store, extractor, emb, idx, repo, "text-embedding-v4")
	require.NoError(t, p.Process(context.Background(), task()))

	want := splitText(text, chunkSize, chunkOverlap)
	require.Len(t, idx.docs, len(want))
	assert.Equal(t, 2, emb.calls)
	for i, doc := range idx.docs {
		assert.Equal(t, i, doc.ChunkID)
		assert.Equal(t, want[i], doc.TextContent)
		assert.Equal(t, "ReportA", doc.Collection)
		assert.Equal(t, "c1", doc.ClientID)
		assert.Equal(t, "text-embedding-v4", doc.ModelVersion)
	}
	assert.Equal(t, "abc_0", idx.docs[0].VectorID)
	assert.Equal(t, []int{model.DocumentStatusProcessing, model.DocumentStatusReady}, repo.statuses)
}

func TestProcessFailures(t *testing.T) {
	okExtract := extractorFunc(func(context.Context, io.Reader, string) (string, error) { return "hello", nil })
	tests := []struct {
		name      string
		store     memStore
		extractor extractorFunc
		embedErr  error
	}{
		{name: "missing object", store: memStore{}, extractor: okExtract},
		{name: "empty object", store: memStore{"documents/abc/ReportA.pdf": nil}, extractor: okExtract},
		{name: "extract error", store: memStore{"documents/abc/ReportA.pdf": []byte("x")},
			extractor: func(context.Context, io.Reader, string) (string, error) { return "", errors.New("tika down") }},
		{name: "no text", store: memStore{"documents/abc/ReportA.pdf": []byte("x")},
			extractor: func(context.Context, io.Reader, string) (string, error) { return "", nil }},
		{name: "embedding error", store: memStore{"documents/abc/ReportA.pdf": []byte("x")}, extractor: okExtract, embedErr: errors.New("429")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &statusRepo{}
			p := NewProcessor(tt.store, tt.extractor, &countingEmbedder{err: tt.embedErr}, &memIndex{}, repo, "m")
			assert.Error(t, p.Process(context.Background(), task()))
			assert.Equal(t, []int{model.DocumentStatusProcessing, model.DocumentStatusFailed}, repo.statuses)
		})
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		size      int
		overlap   int
		wantCount int
	}{
		{name: "empty", text: "", size: 10, overlap: 2, wantCount: 0},
		{name: "shorter than chunk", text: "hello", size: 10, overlap: 2, wantCount: 1},
		{name: "exact chunk", text: strings.Repeat("a", 10), size: 10, overlap: 2, wantCount: 1},
		{name: "overlapping", text: strings.Repeat("a", 26), size: 10, overlap: 2, wantCount: 3},
		{name: "invalid overlap falls back", text: strings.Repeat("a", 25), size: 10, overlap: 10, wantCount: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, splitText(tt.text, tt.size, tt.overlap), tt.wantCount)
		})
	}
}

func TestSplitTextKeepsRunesAndOverlap(t *testing.T) {
	text := strings.Repeat("营收增长", 5) // 20 runes
	chunks := splitText(text, 8, 3)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 8)
	}
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1])
		assert.Equal(t, string(prev[len(prev)-3:]), string([]rune(chunks[i])[:3]))
	}
	last := []rune(chunks[len(chunks)-1])
	assert.Equal(t, []rune(text)[len([]rune(text))-1], last[len(last)-1])
}
