package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"im-chat/internal/feed"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
)

// SyncState 当前会话的同步状态
type SyncState struct {
	Counterpart uint   `json:"counterpart"`
	Synced      bool   `json:"synced"`               // 至少完成过一次全量同步
	LoadError   string `json:"load_error,omitempty"` // 最近一次同步失败原因，成功后清空
}

// syncEngine 维护当前选中会话的有序、去重、按过期过滤的消息列表
// 写操作只在更新协程上执行，读操作可来自任意协程
type syncEngine struct {
	self  uint
	store Store
	now   func() time.Time

	mu          sync.RWMutex
	counterpart uint
	messages    []model.Message // 按 (CreatedAt, ID) 升序
	synced      bool
	loadErr     error
}

func newSyncEngine(self uint, store Store, now func() time.Time) *syncEngine {
	return &syncEngine{self: self, store: store, now: now}
}

// selectCounterpart 切换会话，旧列表立即清空
func (e *syncEngine) selectCounterpart(other uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counterpart != other {
		e.messages = nil
		e.synced = false
	}
	e.counterpart = other
	e.loadErr = nil
}

func (e *syncEngine) selected() uint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.counterpart
}

// matches 事件是否属于当前会话
func (e *syncEngine) matches(ref feed.MessageRef) bool {
	other := e.selected()
	if other == 0 {
		return false
	}
	return (ref.SenderID == e.self && ref.ReceiverID == other) ||
		(ref.SenderID == other && ref.ReceiverID == e.self)
}

// fetch 拉取会话的全部可见消息，不修改本地状态
func (e *syncEngine) fetch(ctx context.Context, other uint) ([]model.Message, error) {
	list, err := e.store.ListConversation(ctx, e.self, other)
	if err != nil {
		return nil, err
	}
	now := e.now()
	visible := list[:0]
	for _, msg := range list {
		if msg.VisibleAt(now) {
			visible = append(visible, msg)
		}
	}
	return normalize(visible), nil
}

// commit 用全量同步结果整体替换列表；期间切换了会话则丢弃
func (e *syncEngine) commit(other uint, list []model.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counterpart != other {
		return false
	}
	e.messages = list
	e.synced = true
	e.loadErr = nil
	return true
}

// fail 记录同步失败，保留原列表
func (e *syncEngine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadErr = err
}

// applyInsert 回查完整行并按序插入，返回插入的消息
func (e *syncEngine) applyInsert(ctx context.Context, ref feed.MessageRef) (*model.Message, error) {
	if !e.matches(ref) {
		return nil, nil
	}
	msg, err := e.store.GetMessage(ctx, e.self, ref.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// 已被删除，删除事件会触发重新同步
			return nil, nil
		}
		return nil, err
	}
	if !msg.VisibleAt(e.now()) {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !msg.BetweenPair(e.self, e.counterpart) {
		return nil, nil
	}
	e.messages = upsertSorted(e.messages, *msg)
	return msg, nil
}

// applyUpdate 按 ID 原地更新，不在列表中时忽略
func (e *syncEngine) applyUpdate(row model.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == row.ID {
			e.messages[i] = row
			return true
		}
	}
	return false
}

// markInboundRead 本地标记收到的消息已读
func (e *syncEngine) markInboundRead(ids ...uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := false
	for i := range e.messages {
		msg := &e.messages[i]
		if msg.ReceiverID != e.self || msg.IsRead {
			continue
		}
		if len(ids) > 0 && !containsID(ids, msg.ID) {
			continue
		}
		msg.IsRead = true
		changed = true
	}
	return changed
}

// transcript 返回当前可见消息的副本，读取时再次过滤过期消息
func (e *syncEngine) transcript() []model.Message {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Message, 0, len(e.messages))
	for _, msg := range e.messages {
		if msg.VisibleAt(now) {
			out = append(out, msg)
		}
	}
	return out
}

func (e *syncEngine) find(id uint) (model.Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, msg := range e.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return model.Message{}, false
}

func (e *syncEngine) messageIDs() []uint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint, len(e.messages))
	for i := range e.messages {
		ids[i] = e.messages[i].ID
	}
	return ids
}

func (e *syncEngine) state() SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := SyncState{Counterpart: e.counterpart, Synced: e.synced}
	if e.loadErr != nil {
		st.LoadError = e.loadErr.Error()
	}
	return st
}

// lessMessage 按创建时间升序，时间相同按ID
func lessMessage(a, b *model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// normalize 排序并按ID去重（保留后出现的行）
func normalize(list []model.Message) []model.Message {
	out := make([]model.Message, 0, len(list))
	for _, msg := range list {
		out = upsertSorted(out, msg)
	}
	return out
}

// upsertSorted 插入或替换同ID的消息并保持顺序
func upsertSorted(list []model.Message, msg model.Message) []model.Message {
	for i := range list {
		if list[i].ID == msg.ID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	idx := sort.Search(len(list), func(i int) bool { return lessMessage(&msg, &list[i]) })
	list = append(list, model.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	return list
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
