package model

// EsDocument 定义了存储在 Elasticsearch 中的文档分块。
type EsDocument struct {
	VectorID     string    `json:"vector_id"` // fileMd5 + "_" + chunkId
	FileMD5      string    `json:"file_md5"`
	FileName     string    `json:"file_name"`
	Collection   string    `json:"collection"`
	ChunkID      int       `json:"chunk_id"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	ClientID     string    `json:"client_id"`
}

// SearchHit 是一次检索命中的分块。
type SearchHit struct {
	FileName    string  `json:"fileName"`
	Collection  string  `json:"collection"`
	ChunkID     int     `json:"chunkId"`
	TextContent string  `json:"textContent"`
	Score       float64 `json:"score"`
}
