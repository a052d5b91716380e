// Package workspace 为每个客户端维护一个会话管理器和一份查询历史。
package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docchat-go/internal/config"
	"docchat-go/internal/history"
	"docchat-go/internal/repository"
	"docchat-go/internal/service"
	"docchat-go/internal/session"
	"docchat-go/pkg/log"

	"golang.org/x/sync/singleflight"
)

const defaultLoadTimeout = 5 * time.Second

// Workspace 是单个客户端的全部会话状态。
type Workspace struct {
	ClientID string
	Session  *session.Manager
	History  *history.Store
}

type entry struct {
	ws       *Workspace
	lastUsed time.Time
}

// Registry 按客户端 ID 懒创建 Workspace，可并发使用。
// 创建过程（读取历史和集合）在锁外进行，同一客户端的并发创建只执行一次。
type Registry struct {
	kv      repository.KVRepository
	answers service.AnswerService
	uploads service.UploadService
	chatCfg config.ChatConfig
	histCfg config.HistoryConfig
	wsCfg   config.WorkspaceConfig
	now     func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	closed     bool
	workspaces map[string]*entry
}

// NewRegistry 创建一个新的 Registry 实例。
func NewRegistry(
	kv repository.KVRepository,
	answers service.AnswerService,
	uploads service.UploadService,
	chatCfg config.ChatConfig,
	histCfg config.HistoryConfig,
	wsCfg config.WorkspaceConfig,
) *Registry {
	if wsCfg.LoadTimeout <= 0 {
		wsCfg.LoadTimeout = defaultLoadTimeout
	}
	return &Registry{
		kv:         kv,
		answers:    answers,
		uploads:    uploads,
		chatCfg:    chatCfg,
		histCfg:    histCfg,
		wsCfg:      wsCfg,
		now:        time.Now,
		workspaces: make(map[string]*entry),
	}
}

// Get 返回客户端的 Workspace，不存在时从持久化存储恢复历史和集合。
// 历史读取失败时返回错误且不缓存，下一次调用会重新加载。
func (r *Registry) Get(ctx context.Context, clientID string) (*Workspace, error) {
	if ws, ok, err := r.lookup(clientID); err != nil || ok {
		return ws, err
	}

	v, err, _ := r.group.Do(clientID, func() (interface{}, error) {
		if ws, ok, err := r.lookup(clientID); err != nil || ok {
			return ws, err
		}
		ws, err := r.build(ctx, clientID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			ws.Session.Close()
			return nil, session.ErrSessionClosed
		}
		r.workspaces[clientID] = &entry{ws: ws, lastUsed: r.now()}
		r.mu.Unlock()
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

func (r *Registry) lookup(clientID string) (*Workspace, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, session.ErrSessionClosed
	}
	e, ok := r.workspaces[clientID]
	if !ok {
		return nil, false, nil
	}
	e.lastUsed = r.now()
	return e.ws, true, nil
}

// build 读取持久化状态并创建 Workspace。读取不跟随请求的取消，
// 避免客户端断开导致加载出一份空历史。
func (r *Registry) build(ctx context.Context, clientID string) (*Workspace, error) {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.wsCfg.LoadTimeout)
	defer cancel()

	store, err := history.NewStore(loadCtx, r.kv, history.Options{
		Key:      service.ClientKey(clientID, r.histCfg.Key),
		MaxItems: r.histCfg.MaxItems,
		Location: r.histCfg.TimeLocation(),
	})
	if err != nil {
		log.Errorf("[Workspace] 加载查询历史失败, client: %s, error: %v", clientID, err)
		return nil, fmt.Errorf("load workspace %s: %w", clientID, err)
	}

	opts := session.Options{
		Name:          clientID,
		AnswerTimeout: r.chatCfg.AnswerTimeout,
		MaxPending:    r.chatCfg.MaxPending,
	}
	if r.chatCfg.RecordHistory {
		opts.Recorder = store
	}
	mgr := session.NewManager(
		service.ClientAnswerer{Service: r.answers, ClientID: clientID},
		service.ClientUploader{Service: r.uploads, ClientID: clientID},
		opts,
	)

	collections, err := r.uploads.Collections(clientID)
	if err != nil {
		log.Warnf("[Workspace] 恢复集合列表失败, client: %s, error: %v", clientID, err)
	}
	mgr.AddCollections(collections...)

	log.Infof("[Workspace] 已创建客户端工作区, client: %s, collections: %d, history: %d", clientID, len(collections), len(store.Items()))
	return &Workspace{ClientID: clientID, Session: mgr, History: store}, nil
}

// Len 返回当前活跃的 Workspace 数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// Sweep 回收空闲超过 idle_ttl 的工作区，返回回收的数量。
// 仍有订阅者（WebSocket 连接）或进行中回答的工作区不会被回收。
func (r *Registry) Sweep() int {
	if r.wsCfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.wsCfg.IdleTTL)

	r.mu.Lock()
	var idle []*Workspace
	for id, e := range r.workspaces {
		if e.lastUsed.After(cutoff) || e.ws.Session.Pending() > 0 || e.ws.Session.Subscribers() > 0 {
			continue
		}
		delete(r.workspaces, id)
		idle = append(idle, e.ws)
	}
	r.mu.Unlock()

	for _, ws := range idle {
		ws.Session.Close()
	}
	if len(idle) > 0 {
		log.Infof("[Workspace] 已回收 %d 个空闲工作区", len(idle))
	}
	return len(idle)
}

// RunSweeper 每隔 idle_ttl 的一半执行一次 Sweep，直到 ctx 被取消。
func (r *Registry) RunSweeper(ctx context.Context) {
	if r.wsCfg.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(r.wsCfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// CloseAll 关闭所有会话，之后 Get 返回 ErrSessionClosed。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	entries := r.workspaces
	r.workspaces = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(ws *Workspace) {
			defer wg.Done()
			ws.Session.Close()
		}(e.ws)
	}
	wg.Wait()
	log.Infof("[Workspace] 已关闭 %d 个工作区", len(entries))
}
