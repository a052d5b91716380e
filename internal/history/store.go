// Package history 维护按集合、按日期可过滤的查询历史，并整体持久化到键值存储。
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"docchat-go/internal/model"
	"docchat-go/internal/repository"
	"docchat-go/pkg/log"

	"github.com/google/uuid"
)

// DefaultKey 是查询历史在持久化存储中的默认键。
const DefaultKey = "chat_history"

var (
	// ErrPersistFailed 表示内存状态已更新，但写入持久化存储失败。
	ErrPersistFailed = errors.New("history: persist failed")
	// ErrLoadFailed 表示读取持久化存储失败（超时、连接中断等），内存状态未被改动。
	ErrLoadFailed = errors.New("history: load failed")
)

// Options 配置一个 Store。
type Options struct {
	Key string
	// MaxItems 为保留的最大条目数，0 表示不限制
	MaxItems int
	Location *time.Location
	Now      func() time.Time
}

// Store 持有最新在前的查询历史以及两个可选过滤条件。
type Store struct {
	mu   sync.RWMutex
	repo repository.KVRepository

	key      string
	maxItems int
	loc      *time.Location
	now      func() time.Time

	items            []model.HistoryItem
	dateFilter       *time.Time
	collectionFilter *string
}

// NewStore 创建 Store 并立即从持久化存储加载已有历史。
// 读取失败时返回 ErrLoadFailed，此时不能使用该 Store，否则下一次 Record 会覆盖已保存的历史。
func NewStore(ctx context.Context, repo repository.KVRepository, opts Options) (*Store, error) {
	s := &Store{
		repo:     repo,
		key:      opts.Key,
		maxItems: opts.MaxItems,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Load 从持久化存储重新读取历史。键不存在或数据损坏时降级为空列表；
// 读取本身失败时返回 ErrLoadFailed 并保留当前内存状态。
func (s *Store) Load(ctx context.Context) error {
	items, err := s.read(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

func (s *Store) read(ctx context.Context) ([]model.HistoryItem, error) {
	data, err := s.repo.Get(ctx, s.key)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return []model.HistoryItem{}, nil
	}
	if err != nil {
		log.Warnw("读取查询历史失败", "key", s.key, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	items, err := decode(data)
	if err != nil {
		log.Warnw("查询历史数据已损坏，使用空列表", "key", s.key, "error", err)
		return []model.HistoryItem{}, nil
	}
	return items, nil
}

// Record 在最前面插入一条新记录，随后同步写入整份列表。
func (s *Store) Record(ctx context.Context, query, collection string) (model.HistoryItem, error) {
	item := model.HistoryItem{
		ID:         uuid.NewString(),
		Query:      query,
		Collection: collection,
		Timestamp:  s.now().UTC().Truncate(time.Millisecond),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]model.HistoryItem, 0, len(s.items)+1)
	items = append(items, item)
	items = append(items, s.items...)
	if s.maxItems > 0 && len(items) > s.maxItems {
		items = items[:s.maxItems]
	}
	s.items = items

	if err := s.persistLocked(ctx); err != nil {
		return item, err
	}
	return item, nil
}

// Clear 清空历史并删除持久化的键。
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = []model.HistoryItem{}
	if err := s.repo.Delete(ctx, s.key); err != nil {
		log.Warnw("删除查询历史失败", "key", s.key, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(s.items)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := s.repo.Set(ctx, s.key, data); err != nil {
		log.Warnw("写入查询历史失败", "key", s.key, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

// SetDateFilter 设置或清除日期过滤，只比较自然日。
func (s *Store) SetDateFilter(day *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if day == nil {
		s.dateFilter = nil
		return
	}
	d := *day
	s.dateFilter = &d
}

// SetCollectionFilter 设置或清除集合过滤（精确匹配）。
func (s *Store) SetCollectionFilter(collection *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if collection == nil {
		s.collectionFilter = nil
		return
	}
	c := *collection
	s.collectionFilter = &c
}

// FilteredView 返回同时满足两个过滤条件的条目，顺序与 items 一致。
func (s *Store) FilteredView() []model.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(s.dateFilter, s.collectionFilter)
}

// View 与 FilteredView 相同，但使用传入的过滤条件，不改变已保存的过滤状态。
func (s *Store) View(day *time.Time, collection *string) []model.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(day, collection)
}

// Filters 返回当前的过滤条件，未设置的为 nil。
func (s *Store) Filters() (*time.Time, *string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var day *time.Time
	var collection *string
	if s.dateFilter != nil {
		d := *s.dateFilter
		day = &d
	}
	if s.collectionFilter != nil {
		c := *s.collectionFilter
		collection = &c
	}
	return day, collection
}

func (s *Store) filterLocked(day *time.Time, collection *string) []model.HistoryItem {
	out := make([]model.HistoryItem, 0, len(s.items))
	for _, item := range s.items {
		if day != nil && !item.SameDay(*day, s.loc) {
			continue
		}
		if collection != nil && item.Collection != *collection {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Items 返回全部条目的副本。
func (s *Store) Items() []model.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.HistoryItem, len(s.items))
	copy(out, s.items)
	return out
}

// Location 返回日期过滤使用的时区。
func (s *Store) Location() *time.Location {
	return s.loc
}

// Search 对 query 做不区分大小写的子串匹配，term 为空时原样返回。
func Search(items []model.HistoryItem, term string) []model.HistoryItem {
	term = strings.ToLower(term)
	if term == "" {
		return items
	}
	out := make([]model.HistoryItem, 0, len(items))
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Query), term) {
			out = append(out, item)
		}
	}
	return out
}

func decode(data []byte) ([]model.HistoryItem, error) {
	var items []model.HistoryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.HistoryItem{}
	}
	return items, nil
}
