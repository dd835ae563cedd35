package chat

import (
	"context"
	"sort"
	"sync"

	"im-chat/internal/feed"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
)

// ReactionSummary 单个表情的聚合结果
type ReactionSummary struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"` // 不同回应者数量
	Mine  bool   `json:"mine"`  // 当前用户是否已回应该表情
}

// Aggregate 将同一条消息上的回应按表情聚合，按数量降序、表情升序排列
func Aggregate(rows []model.Reaction, viewer uint) []ReactionSummary {
	type acc struct {
		users map[uint]struct{}
		mine  bool
	}
	byEmoji := make(map[string]*acc)
	for _, r := range rows {
		a, ok := byEmoji[r.Emoji]
		if !ok {
			a = &acc{users: make(map[uint]struct{})}
			byEmoji[r.Emoji] = a
		}
		a.users[r.UserID] = struct{}{}
		if r.UserID == viewer {
			a.mine = true
		}
	}

	out := make([]ReactionSummary, 0, len(byEmoji))
	for emoji, a := range byEmoji {
		out = append(out, ReactionSummary{Emoji: emoji, Count: len(a.users), Mine: a.mine})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}

// ReactionAggregator 维护当前会话消息上的表情回应
// 本地状态按自然键 (消息, 用户, 表情) 存储，乐观更新与变更回显通过自然键去重
type ReactionAggregator struct {
	self  uint
	store Store

	mu      sync.RWMutex
	rows    map[model.ReactionKey]model.Reaction
	tracked map[uint]struct{}
}

// NewReactionAggregator 创建聚合器
func NewReactionAggregator(self uint, store Store) *ReactionAggregator {
	return &ReactionAggregator{
		self:    self,
		store:   store,
		rows:    make(map[model.ReactionKey]model.Reaction),
		tracked: make(map[uint]struct{}),
	}
}

// Reset 用全量同步结果替换状态
func (a *ReactionAggregator) Reset(messageIDs []uint, rows []model.Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = make(map[model.ReactionKey]model.Reaction, len(rows))
	a.tracked = make(map[uint]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		a.tracked[id] = struct{}{}
	}
	for _, r := range rows {
		if _, ok := a.tracked[r.MessageID]; ok {
			a.rows[r.Key()] = r
		}
	}
}

// Track 开始跟踪新插入的消息
func (a *ReactionAggregator) Track(messageID uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracked[messageID] = struct{}{}
}

// Apply 应用变更事件，返回本地状态是否变化
func (a *ReactionAggregator) Apply(op feed.Op, r model.Reaction) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tracked[r.MessageID]; !ok {
		return false
	}
	key := r.Key()
	_, exists := a.rows[key]
	switch op {
	case feed.OpDelete:
		if !exists {
			return false
		}
		delete(a.rows, key)
		return true
	default:
		a.rows[key] = r
		return !exists
	}
}

// begin 根据当前状态决定添加或删除，并立即在本地生效；返回是否为删除
func (a *ReactionAggregator) begin(messageID uint, emoji string) (removing bool, prev model.Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := model.ReactionKey{MessageID: messageID, UserID: a.self, Emoji: emoji}
	if r, ok := a.rows[key]; ok {
		delete(a.rows, key)
		return true, r
	}
	a.tracked[messageID] = struct{}{}
	a.rows[key] = model.Reaction{MessageID: messageID, UserID: a.self, Emoji: emoji}
	return false, model.Reaction{}
}

// rollback 撤销乐观更新
func (a *ReactionAggregator) rollback(messageID uint, emoji string, removing bool, prev model.Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := model.ReactionKey{MessageID: messageID, UserID: a.self, Emoji: emoji}
	if removing {
		a.rows[key] = prev
		return
	}
	delete(a.rows, key)
}

// commitStore 把乐观更新写入存储；重复插入视为成功
func (a *ReactionAggregator) commitStore(ctx context.Context, messageID uint, emoji string, removing bool) error {
	if removing {
		return a.store.RemoveReaction(ctx, a.self, messageID, emoji)
	}
	_, err := a.store.AddReaction(ctx, a.self, messageID, emoji)
	if apperrors.IsConflict(err) {
		return nil
	}
	return err
}

// Summaries 单条消息的聚合结果
func (a *ReactionAggregator) Summaries(messageID uint) []ReactionSummary {
	a.mu.RLock()
	rows := make([]model.Reaction, 0)
	for key, r := range a.rows {
		if key.MessageID == messageID {
			rows = append(rows, r)
		}
	}
	a.mu.RUnlock()
	return Aggregate(rows, a.self)
}

// Has 当前用户是否已用 emoji 回应 messageID
func (a *ReactionAggregator) Has(messageID uint, emoji string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.rows[model.ReactionKey{MessageID: messageID, UserID: a.self, Emoji: emoji}]
	return ok
}
