package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docchat-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-1.7", string(body))
		_, _ = w.Write([]byte("Total: 42"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/"})
	text, err := c.ExtractText(context.Background(), strings.NewReader("%PDF-1.7"), "ReportA.PDF")
	require.NoError(t, err)
	assert.Equal(t, "Total: 42", text)
}

func TestExtractTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewClient(config.TikaConfig{ServerURL: srv.URL}).ExtractText(context.Background(), strings.NewReader(""), "x.pdf")
	assert.Error(t, err)
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "application/pdf", detectMimeType("a.pdf"))
	assert.Equal(t, "application/octet-stream", detectMimeType("noext"))
	assert.Equal(t, "application/octet-stream", detectMimeType("a.unknownext"))
}
