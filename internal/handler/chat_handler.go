package handler

import (
	"errors"
	"net/http"
	"time"

	"docchat-go/internal/session"
	"docchat-go/pkg/log"
	"docchat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	replyQueue = 8
)

// ChatHandler 负责聊天相关的 REST 接口和 WebSocket 事件流。
type ChatHandler struct {
	workspaces Workspaces
	jwtManager *token.JWTManager
	upgrader   websocket.Upgrader
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(workspaces Workspaces, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		workspaces: workspaces,
		jwtManager: jwtManager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
}

// sessionErrorStatus 把会话错误映射为 HTTP 状态码和提示。
func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNoCollectionSelected):
		return http.StatusBadRequest, "Please select a document collection first."
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest, "消息内容不能为空"
	case errors.Is(err, session.ErrRequestPending):
		return http.StatusConflict, "上一个问题仍在回答中"
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable, "会话已关闭"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}

// GetMessages 返回会话的完整快照。
func (h *ChatHandler) GetMessages(c *gin.Context) {
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	respond(c, http.StatusOK, "success", ws.Session.Snapshot())
}

// SendMessageRequest 是提交问题的请求体。
type SendMessageRequest struct {
	Text string `json:"text"`
}

// PostMessage 提交一个问题，回答通过 WebSocket 或轮询 GetMessages 获得。
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	placeholderID, err := ws.Session.SubmitUserMessage(req.Text)
	if err != nil {
		status, msg := sessionErrorStatus(err)
		respond(c, status, msg, nil)
		return
	}
	respond(c, http.StatusAccepted, "accepted", gin.H{"placeholderId": placeholderID})
}

// GetCollections 返回已知集合和当前选择。
func (h *ChatHandler) GetCollections(c *gin.Context) {
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	respond(c, http.StatusOK, "success", gin.H{
		"collections": ws.Session.Collections(),
		"selected":    ws.Session.SelectedCollection(),
	})
}

// SelectCollectionRequest 是切换集合的请求体，空字符串表示取消选择。
type SelectCollectionRequest struct {
	Name string `json:"name"`
}

// SelectCollection 切换当前集合。
func (h *ChatHandler) SelectCollection(c *gin.Context) {
	var req SelectCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	ws, ok := currentWorkspace(c, h.workspaces)
	if !ok {
		return
	}
	ws.Session.SelectCollection(req.Name)
	respond(c, http.StatusOK, "success", gin.H{
		"collections": ws.Session.Collections(),
		"selected":    ws.Session.SelectedCollection(),
	})
}

// wsRequest 是客户端通过 WebSocket 发送的指令。
type wsRequest struct {
	Type       string `json:"type"` // message 或 select
	Text       string `json:"text,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// wsReply 是对单条指令的回应。
type wsReply struct {
	Type          string         `json:"type"`
	PlaceholderID string         `json:"placeholderId,omitempty"`
	Message       string         `json:"message,omitempty"`
	State         *session.State `json:"state,omitempty"`
}

// Handle 处理一个 WebSocket 连接：推送会话事件，并接收提问和切换集合的指令。
func (h *ChatHandler) Handle(c *gin.Context) {
	clientID, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		respond(c, http.StatusUnauthorized, "无效的 token", nil)
		return
	}
	ws, err := h.workspaces.Get(c.Request.Context(), clientID)
	if err != nil {
		respond(c, http.StatusServiceUnavailable, workspaceErrorMessage(err), nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，客户端: %s", clientID)

	events, unsubscribe := ws.Session.Subscribe()
	defer unsubscribe()

	state := ws.Session.Snapshot()
	if err := writeJSON(conn, wsReply{Type: "state", State: &state}); err != nil {
		return
	}

	replies := make(chan wsReply, replyQueue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warnf("从 WebSocket 读取消息失败: %v", err)
				}
				return
			}
			reply := handleRequest(ws.Session, req)
			select {
			case replies <- reply:
			default:
				log.Warnf("WebSocket 回应队列已满，丢弃回应, client: %s", clientID)
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// 会话已关闭
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(writeWait))
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				log.Warnf("写入 WebSocket 失败: %v", err)
				return
			}
		case reply := <-replies:
			if err := writeJSON(conn, reply); err != nil {
				log.Warnf("写入 WebSocket 失败: %v", err)
				return
			}
		case <-done:
			log.Infof("WebSocket 连接已断开，客户端: %s", clientID)
			return
		}
	}
}

func handleRequest(s *session.Manager, req wsRequest) wsReply {
	switch req.Type {
	case "message":
		id, err := s.SubmitUserMessage(req.Text)
		if err != nil {
			_, msg := sessionErrorStatus(err)
			return wsReply{Type: "error", Message: msg}
		}
		return wsReply{Type: "accepted", PlaceholderID: id}
	case "select":
		s.SelectCollection(req.Collection)
		return wsReply{Type: "selected"}
	default:
		return wsReply{Type: "error", Message: "unknown request type: " + req.Type}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
