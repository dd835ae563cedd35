package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"im-chat/internal/feed"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/metrics"
)

// Guard 拉黑与举报
// 发送前只检查本人拉黑的对象（不发起网络调用）；对方拉黑本人的情况由存储层拒绝
type Guard struct {
	self  uint
	store Store

	mu      sync.RWMutex
	blocked map[uint]struct{}
}

// NewGuard 创建 Guard
func NewGuard(self uint, store Store) *Guard {
	return &Guard{self: self, store: store, blocked: make(map[uint]struct{})}
}

// Load 从存储加载拉黑列表
func (g *Guard) Load(ctx context.Context) error {
	blocks, err := g.store.ListBlocks(ctx, g.self)
	if err != nil {
		return err
	}
	set := make(map[uint]struct{}, len(blocks))
	for _, b := range blocks {
		set[b.BlockedID] = struct{}{}
	}
	g.mu.Lock()
	g.blocked = set
	g.mu.Unlock()
	return nil
}

// CheckSend 发送前检查
func (g *Guard) CheckSend(to uint) error {
	if g.IsBlocked(to) {
		metrics.SendRejected.WithLabelValues("blocked").Inc()
		return apperrors.Denied("user %d is blocked", to)
	}
	return nil
}

// IsBlocked 本人是否拉黑了 id
func (g *Guard) IsBlocked(id uint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocked[id]
	return ok
}

// Blocked 已拉黑的用户（升序）
func (g *Guard) Blocked() []uint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]uint, 0, len(g.blocked))
	for id := range g.blocked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (g *Guard) blockedSet() map[uint]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := make(map[uint]struct{}, len(g.blocked))
	for id := range g.blocked {
		set[id] = struct{}{}
	}
	return set
}

// set 本地修改拉黑状态，返回修改前的值
func (g *Guard) set(target uint, blocked bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, was := g.blocked[target]
	if blocked {
		g.blocked[target] = struct{}{}
	} else {
		delete(g.blocked, target)
	}
	return was
}

// ApplyEvent 应用拉黑表的变更事件，只关心本人创建的关系
func (g *Guard) ApplyEvent(op feed.Op, b model.Block) bool {
	if b.BlockerID != g.self {
		return false
	}
	blocked := op != feed.OpDelete
	return g.set(b.BlockedID, blocked) != blocked
}

// validateBlockTarget 拉黑目标校验
func (g *Guard) validateBlockTarget(target uint) error {
	if target == 0 || target == g.self {
		return apperrors.Validation("invalid block target")
	}
	return nil
}

// Report 提交举报，原因与长度在本地先校验
func (g *Guard) Report(ctx context.Context, target uint, reason, detail string) (*model.Report, error) {
	if target == 0 || target == g.self {
		return nil, apperrors.Validation("invalid reported user")
	}
	reason = strings.ToLower(strings.TrimSpace(reason))
	if !model.ValidReportReason(reason) {
		return nil, apperrors.Validation("unknown report reason %q", reason)
	}
	if utf8.RuneCountInString(detail) > model.ReportDetailMaxLen {
		return nil, apperrors.Validation("report detail exceeds %d characters", model.ReportDetailMaxLen)
	}
	report := &model.Report{ReportedID: target, Reason: reason, Detail: detail}
	if err := g.store.CreateReport(ctx, g.self, report); err != nil {
		return nil, err
	}
	return report, nil
}
