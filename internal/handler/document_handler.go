package handler

import (
	"errors"
	"net/http"

	"docchat-go/internal/model"
	"docchat-go/internal/service"
	"docchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责文档上传。
type DocumentHandler struct {
	workspaces Workspaces
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(workspaces Workspaces) *DocumentHandler {
	return &DocumentHandler{workspaces: workspaces}
}

// Upload 接收 multipart 表单中的 file 字段，成功后该文档成为当前集合。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond(c, http.StatusBadRequest, "缺少文件", nil)
		return
	}
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		log.Error("打开上传文件失败", err)
		respond(c, http.StatusInternalServerError, "服务器内部错误", nil)
		return
	}
	defer f.Close()

	collection, err := ws.Session.UploadDocument(c.Request.Context(), model.UploadFile{
		FileName:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
		Reader:      f,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidDocument) {
			respond(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		respond(c, http.StatusInternalServerError, "There was an error uploading your file.", nil)
		return
	}
	respond(c, http.StatusOK, "success", gin.H{
		"collection":  collection,
		"collections": ws.Session.Collections(),
	})
}
