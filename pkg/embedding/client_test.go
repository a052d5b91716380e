package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"docchat-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEmbeddingsKeepsInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Input)
		assert.Equal(t, 4, req.Dimensions)
		// 返回顺序与输入相反
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "text-embedding-v4", Dimensions: 4})
	vectors, err := c.CreateEmbeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}}, vectors)
}

func TestCreateEmbeddingErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "non-200", status: http.StatusInternalServerError, body: `oops`},
		{name: "empty data", status: http.StatusOK, body: `{"data":[]}`},
		{name: "empty vector", status: http.StatusOK, body: `{"data":[{"index":0,"embedding":[]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL})
			_, err := c.CreateEmbedding(context.Background(), "x")
			assert.Error(t, err)
		})
	}
}
