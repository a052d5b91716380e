package handler

import (
	"net/http"
	"time"

	"docchat-go/internal/history"
	"docchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const dayLayout = "2006-01-02"

// HistoryHandler 负责查询历史的读取、过滤和清空。
type HistoryHandler struct {
	workspaces Workspaces
}

// NewHistoryHandler 创建一个新的 HistoryHandler 实例。
func NewHistoryHandler(workspaces Workspaces) *HistoryHandler {
	return &HistoryHandler{workspaces: workspaces}
}

// List 返回历史条目（新的在前）。
// date、collection 查询参数会覆盖已保存的过滤条件；q 在结果上做不区分大小写的搜索。
func (h *HistoryHandler) List(c *gin.Context) {
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	store := ws.History

	day, collection := store.Filters()
	if raw, ok := c.GetQuery("date"); ok {
		day = nil
		if raw != "" {
			d, err := time.ParseInLocation(dayLayout, raw, store.Location())
			if err != nil {
				respond(c, http.StatusBadRequest, "date 必须为 YYYY-MM-DD 格式", nil)
				return
			}
			day = &d
		}
	}
	if raw, ok := c.GetQuery("collection"); ok {
		collection = nil
		if raw != "" {
			collection = &raw
		}
	}

	items := history.Search(store.View(day, collection), c.Query("q"))
	respond(c, http.StatusOK, "success", gin.H{
		"items":   items,
		"filters": filtersBody(day, collection),
	})
}

// FiltersRequest 保存侧边栏的过滤条件，null 或空字符串表示清除。
type FiltersRequest struct {
	Date       *string `json:"date"`
	Collection *string `json:"collection"`
}

// SetFilters 保存过滤条件并返回过滤后的结果。
func (h *HistoryHandler) SetFilters(c *gin.Context) {
	var req FiltersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	store := ws.History

	var day *time.Time
	if req.Date != nil && *req.Date != "" {
		d, err := time.ParseInLocation(dayLayout, *req.Date, store.Location())
		if err != nil {
			respond(c, http.StatusBadRequest, "date 必须为 YYYY-MM-DD 格式", nil)
			return
		}
		day = &d
	}
	var collection *string
	if req.Collection != nil && *req.Collection != "" {
		collection = req.Collection
	}
	store.SetDateFilter(day)
	store.SetCollectionFilter(collection)

	respond(c, http.StatusOK, "success", gin.H{
		"items":   store.FilteredView(),
		"filters": filtersBody(day, collection),
	})
}

// Clear 清空全部历史。
func (h *HistoryHandler) Clear(c *gin.Context) {
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	if err := ws.History.Clear(c.Request.Context()); err != nil {
		log.Warnf("清空查询历史失败, client: %s, error: %v", ws.ClientID, err)
		respond(c, http.StatusInternalServerError, "清空历史失败", nil)
		return
	}
	respond(c, http.StatusOK, "success", nil)
}

func filtersBody(day *time.Time, collection *string) gin.H {
	body := gin.H{"date": nil, "collection": nil}
	if day != nil {
		body["date"] = day.Format(dayLayout)
	}
	if collection != nil {
		body["collection"] = *collection
	}
	return body
}
