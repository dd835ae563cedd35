package chat

import (
	"context"
	"sort"
	"time"

	"im-chat/internal/model"
)

// DirectoryEntry 会话列表中的一项
type DirectoryEntry struct {
	CounterpartID uint      `json:"counterpart_id"`
	Unread        int       `json:"unread"`
	LastActivity  time.Time `json:"last_activity"`
	LastMessageID uint      `json:"last_message_id,omitempty"`
	Online        bool      `json:"online"`
	Typing        bool      `json:"typing"` // 对方正在向本人输入
	Blocked       bool      `json:"blocked"`
}

// DirectoryInput 目录投影的全部输入
type DirectoryInput struct {
	Self       uint
	Stats      []model.ConversationStat
	Presence   map[uint]model.Presence
	Blocked    map[uint]struct{} // 已拉黑的用户，没有消息也会出现
	Extra      []uint // 没有消息但需要出现的对象（当前选中的会话）
	Now        time.Time
	StaleAfter time.Duration
}

// Project 计算会话目录：按最近活动降序，相同时按对方ID升序
func Project(in DirectoryInput) []DirectoryEntry {
	entries := make(map[uint]*DirectoryEntry, len(in.Stats)+len(in.Extra))
	add := func(id uint) *DirectoryEntry {
		if e, ok := entries[id]; ok {
			return e
		}
		e := &DirectoryEntry{CounterpartID: id}
		entries[id] = e
		return e
	}

	for _, st := range in.Stats {
		if st.CounterpartID == 0 || st.CounterpartID == in.Self {
			continue
		}
		e := add(st.CounterpartID)
		e.Unread = st.Unread
		e.LastActivity = st.LastActivity
		e.LastMessageID = st.LastMessageID
	}
	for _, id := range in.Extra {
		if id != 0 && id != in.Self {
			add(id)
		}
	}
	for id := range in.Blocked {
		if id != 0 && id != in.Self {
			add(id).Blocked = true
		}
	}
	for id, e := range entries {
		p, ok := in.Presence[id]
		if !ok {
			continue
		}
		e.Online = p.OnlineAt(in.Now, in.StaleAfter)
		e.Typing = p.TypingToAt(in.Self, in.Now, in.StaleAfter)
	}

	out := make([]DirectoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// LoadDirectory 直接从存储计算某个用户的会话目录
func LoadDirectory(ctx context.Context, store Store, self uint, now time.Time, staleAfter time.Duration) ([]DirectoryEntry, error) {
	stats, err := store.ConversationStats(ctx, self, now)
	if err != nil {
		return nil, err
	}
	blocks, err := store.ListBlocks(ctx, self)
	if err != nil {
		return nil, err
	}
	blocked := make(map[uint]struct{}, len(blocks))
	for _, b := range blocks {
		blocked[b.BlockedID] = struct{}{}
	}
	ids := make([]uint, 0, len(stats)+len(blocked))
	for _, st := range stats {
		ids = append(ids, st.CounterpartID)
	}
	for id := range blocked {
		ids = append(ids, id)
	}
	presence, err := store.ListPresence(ctx, self, ids)
	if err != nil {
		return nil, err
	}
	return Project(DirectoryInput{
		Self:       self,
		Stats:      stats,
		Presence:   presenceMap(presence),
		Blocked:    blocked,
		Now:        now,
		StaleAfter: staleAfter,
	}), nil
}

func presenceMap(list []model.Presence) map[uint]model.Presence {
	m := make(map[uint]model.Presence, len(list))
	for _, p := range list {
		m[p.UserID] = p
	}
	return m
}
