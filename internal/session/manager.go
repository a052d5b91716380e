// Package session 管理单个客户端的聊天会话：有序消息列表、当前集合以及等待回答的占位消息。
package session

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"docchat-go/internal/model"
	"docchat-go/pkg/log"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// AnswerGenerator 根据集合和问题生成回答（HTML 片段）。
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, collection, question string) (string, error)
}

// Uploader 上传文档并返回派生出的集合名。
type Uploader interface {
	UploadDocument(ctx context.Context, file model.UploadFile) (string, error)
}

// Recorder 在回答成功后记录查询，history.Store 实现了该接口。
type Recorder interface {
	Record(ctx context.Context, query, collection string) (model.HistoryItem, error)
}

// Options 配置一个 Manager。
type Options struct {
	// Name 仅用于日志，通常是客户端 ID
	Name string
	// AnswerTimeout 为单次回答生成的超时，0 表示不限制
	AnswerTimeout time.Duration
	// MaxPending 为同时等待的占位消息上限，0 表示不限制
	MaxPending int
	Recorder   Recorder
	Now        func() time.Time
	NewID      func() string
}

const (
	subscriberBuffer = 64
	recordTimeout    = 5 * time.Second
)

type pendingRequest struct {
	query      string
	collection string
	cancel     context.CancelFunc
}

// Manager 持有一个会话的全部状态，可被多个 goroutine 并发调用。
type Manager struct {
	generator AnswerGenerator
	uploader  Uploader
	opts      Options
	policy    *bluemonday.Policy
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	messages    []model.Message
	collections []string
	selected    string
	pending     map[string]*pendingRequest
	subs        map[uint64]chan Event
	nextSub     uint64
}

// NewManager 创建一个会话管理器。uploader 可以为 nil，此时 UploadDocument 总是失败。
func NewManager(generator AnswerGenerator, uploader Uploader, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		generator: generator,
		uploader:  uploader,
		opts:      opts,
		policy:    bluemonday.UGCPolicy(),
		logger:    log.With("session", opts.Name),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pendingRequest),
		subs:      make(map[uint64]chan Event),
	}
}

// SelectCollection 设置当前集合，不会清空已有消息。空字符串表示取消选择。
func (m *Manager) SelectCollection(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.selected = name
	if name != "" {
		m.addCollectionLocked(name)
	}
	m.publishLocked(m.collectionsEventLocked())
}

// AddCollections 登记已有集合但不改变当前选择，用于恢复客户端之前上传过的文档。
func (m *Manager) AddCollections(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, name := range names {
		if name != "" {
			m.addCollectionLocked(name)
		}
	}
	m.publishLocked(m.collectionsEventLocked())
}

// SubmitUserMessage 追加用户消息和一条占位消息，并在后台请求回答。
// 返回占位消息的 ID；任何错误都不会修改消息列表。
func (m *Manager) SubmitUserMessage(text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	if m.selected == "" {
		n := noticeNoCollection
		m.publishLocked(Event{Type: EventNotification, Notification: &n})
		return "", ErrNoCollectionSelected
	}
	if m.opts.MaxPending > 0 && len(m.pending) >= m.opts.MaxPending {
		return "", ErrRequestPending
	}

	now := m.opts.Now()
	userMsg := model.Message{
		ID:        m.opts.NewID(),
		Content:   text,
		Role:      model.RoleUser,
		Timestamp: now,
	}
	placeholder := model.Message{
		ID:        m.opts.NewID(),
		Role:      model.RoleAssistant,
		Timestamp: now,
		Loading:   true,
	}
	m.messages = append(m.messages, userMsg, placeholder)

	var genCtx context.Context
	var cancel context.CancelFunc
	if m.opts.AnswerTimeout > 0 {
		genCtx, cancel = context.WithTimeout(m.ctx, m.opts.AnswerTimeout)
	} else {
		genCtx, cancel = context.WithCancel(m.ctx)
	}
	m.pending[placeholder.ID] = &pendingRequest{query: text, collection: m.selected, cancel: cancel}

	m.wg.Add(1)
	go m.generate(genCtx, cancel, placeholder.ID, m.selected, text)

	m.publishLocked(m.messagesEventLocked())
	m.logger.Infow("已提交问题", "placeholderId", placeholder.ID, "collection", m.selected)
	return placeholder.ID, nil
}

type generateResult struct {
	content string
	err     error
}

// generate 在后台等待回答，超时或会话关闭时按失败处理。
func (m *Manager) generate(ctx context.Context, cancel context.CancelFunc, placeholderID, collection, question string) {
	defer m.wg.Done()
	defer cancel()

	done := make(chan generateResult, 1)
	go func() {
		content, err := m.generator.GenerateAnswer(ctx, collection, question)
		done <- generateResult{content: content, err: err}
	}()

	var res generateResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		m.OnAnswerFailed(placeholderID, fmt.Errorf("%w: %w", ErrAnswerGenerationFailed, res.err))
		return
	}
	m.OnAnswerResolved(placeholderID, res.content)
}

// OnAnswerResolved 用最终回答替换占位消息。找不到对应的占位消息时不做任何事。
func (m *Manager) OnAnswerResolved(placeholderID, content string) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	idx := m.placeholderIndexLocked(placeholderID)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.messages[idx] = model.Message{
		ID:        placeholderID,
		Content:   m.policy.Sanitize(content),
		Role:      model.RoleAssistant,
		Timestamp: m.opts.Now(),
	}
	req := m.takePendingLocked(placeholderID)
	m.publishLocked(m.messagesEventLocked())
	m.mu.Unlock()

	m.logger.Infow("回答已完成", "placeholderId", placeholderID)
	if req != nil && m.opts.Recorder != nil {
		m.record(req.query, req.collection)
	}
	return true
}

// OnAnswerFailed 删除占位消息并发出可恢复的错误通知，不会自动重试。
func (m *Manager) OnAnswerFailed(placeholderID string, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	idx := m.placeholderIndexLocked(placeholderID)
	if idx < 0 {
		return false
	}
	m.messages = append(m.messages[:idx], m.messages[idx+1:]...)
	m.takePendingLocked(placeholderID)

	m.logger.Errorw("回答生成失败", "placeholderId", placeholderID, "error", cause)
	m.publishLocked(m.messagesEventLocked())
	n := noticeAnswerFailed
	m.publishLocked(Event{Type: EventNotification, Notification: &n})
	return true
}

// OnUploadComplete 注册由文件名派生的集合、选中它，并追加一条处理完成的消息。
func (m *Manager) OnUploadComplete(fileName string) {
	m.completeUpload(fileName, model.CollectionFromFileName(fileName))
}

func (m *Manager) completeUpload(fileName, collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || collection == "" {
		return
	}
	m.addCollectionLocked(collection)
	m.selected = collection
	m.messages = append(m.messages, model.Message{
		ID: m.opts.NewID(),
		Content: fmt.Sprintf("<p>I've successfully processed <strong>%s</strong>. You can now ask questions about this document.</p>",
			html.EscapeString(fileName)),
		Role:      model.RoleAssistant,
		Timestamp: m.opts.Now(),
	})

	m.publishLocked(m.collectionsEventLocked())
	m.publishLocked(m.messagesEventLocked())
	m.publishLocked(Event{Type: EventNotification, Notification: &Notification{
		Kind:        "UploadComplete",
		Level:       LevelInfo,
		Title:       "Upload Complete",
		Description: fmt.Sprintf("%s has been successfully uploaded and processed.", fileName),
	}})
}

// UploadDocument 通过 Uploader 上传文档，成功后等同于调用 OnUploadComplete。
func (m *Manager) UploadDocument(ctx context.Context, file model.UploadFile) (string, error) {
	if m.isClosed() {
		return "", ErrSessionClosed
	}
	var (
		collection string
		err        error
	)
	if m.uploader == nil {
		err = fmt.Errorf("no uploader configured")
	} else {
		collection, err = m.uploader.UploadDocument(ctx, file)
	}
	if err != nil {
		m.logger.Errorw("文档上传失败", "fileName", file.FileName, "error", err)
		m.mu.Lock()
		n := noticeUploadFailed
		m.publishLocked(Event{Type: EventNotification, Notification: &n})
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if collection == "" {
		collection = model.CollectionFromFileName(file.FileName)
	}
	m.completeUpload(file.FileName, collection)
	return collection, nil
}

func (m *Manager) record(query, collection string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := m.opts.Recorder.Record(ctx, query, collection); err != nil {
		m.logger.Warnw("记录查询历史失败", "collection", collection, "error", err)
		m.mu.Lock()
		n := noticeHistoryNotSaved
		m.publishLocked(Event{Type: EventNotification, Notification: &n})
		m.mu.Unlock()
	}
}

// Messages 返回当前消息列表的副本。
func (m *Manager) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyMessagesLocked()
}

// SelectedCollection 返回当前集合，未选择时为空字符串。
func (m *Manager) SelectedCollection() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Collections 按注册顺序返回已知集合。
func (m *Manager) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.collections...)
}

// Pending 返回仍在等待回答的占位消息数。
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Subscribers 返回当前的事件订阅者数量。
func (m *Manager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Snapshot 返回会话的完整状态。
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Messages:    m.copyMessagesLocked(),
		Collections: append([]string{}, m.collections...),
		Selected:    m.selected,
		Pending:     len(m.pending),
	}
}

// Subscribe 注册一个事件订阅者。订阅者处理过慢时事件会被丢弃；
// 返回的函数用于取消订阅。会话关闭后通道被关闭。
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Close 销毁会话：取消所有进行中的请求并等待后台 goroutine 退出，
// 之后到达的回调一律丢弃。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.pending = make(map[string]*pendingRequest)
	m.logger.Info("会话已关闭")
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) placeholderIndexLocked(id string) int {
	for i, msg := range m.messages {
		if msg.ID == id && msg.IsPlaceholder() {
			return i
		}
	}
	return -1
}

// takePendingLocked 移除等待记录并取消对应的生成请求。
func (m *Manager) takePendingLocked(id string) *pendingRequest {
	req, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	req.cancel()
	return req
}

func (m *Manager) addCollectionLocked(name string) {
	for _, c := range m.collections {
		if c == name {
			return
		}
	}
	m.collections = append(m.collections, name)
}

func (m *Manager) copyMessagesLocked() []model.Message {
	out := make([]model.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *Manager) messagesEventLocked() Event {
	return Event{Type: EventMessages, Messages: m.copyMessagesLocked()}
}

func (m *Manager) collectionsEventLocked() Event {
	return Event{
		Type:        EventCollections,
		Collections: append([]string{}, m.collections...),
		Selected:    m.selected,
	}
}

// publishLocked 在持锁状态下非阻塞地投递事件，保证订阅者看到的快照有序。
func (m *Manager) publishLocked(ev Event) {
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warnw("订阅者处理过慢，丢弃事件", "subscriber", id, "type", ev.Type)
		}
	}
}
