// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// DocumentProcessingTask represents an uploaded document waiting to be chunked and indexed.
type DocumentProcessingTask struct {
	DocumentID uint   `json:"document_id"`
	FileMD5    string `json:"file_md5"`
	ObjectName string `json:"object_name"`
	FileName   string `json:"file_name"`
	Collection string `json:"collection"`
	ClientID   string `json:"client_id"`
}
