package repository

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"im-chat/internal/feed"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 表情最大长度（字符）
const maxEmojiLen = 32

// Store 聊天核心使用的持久化适配器
// 在仓储之上执行行级权限策略，写入成功后向变更总线发布事件
type Store struct {
	messages   *MessageRepository
	reactions  *ReactionRepository
	moderation *ModerationRepository
	presence   *PresenceRepository
	users      *UserRepository
	publisher  feed.Publisher
	now        func() time.Time
}

// StoreOption Store 选项
type StoreOption func(*Store)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore 创建 Store，publisher 可为空（不发布事件）
func NewStore(db *gorm.DB, publisher feed.Publisher, opts ...StoreOption) *Store {
	s := &Store{
		messages:   NewMessageRepository(db),
		reactions:  NewReactionRepository(db),
		moderation: NewModerationRepository(db),
		presence:   NewPresenceRepository(db),
		users:      NewUserRepository(db),
		publisher:  publisher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// publish 写入已成功，发布失败只记录日志
func (s *Store) publish(ctx context.Context, table string, op feed.Op, row interface{}) {
	if s.publisher == nil {
		return
	}
	ev, err := feed.NewEvent(table, op, row)
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		logger.Warn("发布变更事件失败",
			zap.String("table", table), zap.String("op", string(op)), zap.Error(err))
	}
}

func requireActor(actor uint) error {
	if actor == 0 {
		return apperrors.Denied("unauthenticated")
	}
	return nil
}

// ---- 消息 ----

// ListConversation 获取 actor 与 other 之间当前仍可见的消息
func (s *Store) ListConversation(ctx context.Context, actor, other uint) ([]model.Message, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	list, err := s.messages.ListBetween(ctx, actor, other, s.clock())
	if err != nil {
		return nil, apperrors.Transient("list conversation", err)
	}
	return list, nil
}

// GetMessage 获取单条消息，actor 不是参与者或消息已过期时视为不存在
func (s *Store) GetMessage(ctx context.Context, actor, id uint) (*model.Message, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	msg, err := s.messages.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperrors.NotFound("message %d not found", id)
		}
		return nil, apperrors.Transient("get message", err)
	}
	if !msg.Involves(actor) || !msg.VisibleAt(s.clock()) {
		return nil, apperrors.NotFound("message %d not found", id)
	}
	return msg, nil
}

// CreateMessage 以 actor 身份发送消息
// 任意方向存在拉黑关系时拒绝写入
func (s *Store) CreateMessage(ctx context.Context, actor uint, msg *model.Message) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if msg.SenderID != 0 && msg.SenderID != actor {
		return apperrors.Denied("cannot send as user %d", msg.SenderID)
	}
	msg.SenderID = actor
	if msg.ReceiverID == 0 || msg.ReceiverID == actor {
		return apperrors.Validation("invalid receiver")
	}
	att := msg.Attachment()
	if strings.TrimSpace(msg.Body) == "" && att == nil {
		return apperrors.Validation("message body and attachment are both empty")
	}
	if att != nil && att.Key != "" && !strings.HasPrefix(att.Key, keyPrefix(actor)) {
		return apperrors.Denied("attachment key outside uploader prefix")
	}

	msg.ID = 0
	msg.IsRead = false
	msg.CreatedAt = s.clock()
	msg.UpdatedAt = msg.CreatedAt
	if msg.ExpiresAt != nil {
		exp := msg.ExpiresAt.UTC().Truncate(time.Millisecond)
		if !exp.After(msg.CreatedAt) {
			return apperrors.Validation("expiry must be after creation time")
		}
		msg.ExpiresAt = &exp
	}

	exists, err := s.users.Exists(ctx, msg.ReceiverID)
	if err != nil {
		return apperrors.Transient("check receiver", err)
	}
	if !exists {
		return apperrors.NotFound("user %d not found", msg.ReceiverID)
	}
	blocked, err := s.moderation.BlockedEitherWay(ctx, actor, msg.ReceiverID)
	if err != nil {
		return apperrors.Transient("check block relation", err)
	}
	if blocked {
		return apperrors.Denied("conversation with user %d is blocked", msg.ReceiverID)
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return apperrors.Transient("create message", err)
	}
	s.publish(ctx, feed.TableMessage, feed.OpInsert, feed.MessageRef{
		ID: msg.ID, SenderID: msg.SenderID, ReceiverID: msg.ReceiverID,
	})
	return nil
}

// MarkRead 接收者标记单条消息已读，已读时不做任何事
func (s *Store) MarkRead(ctx context.Context, actor, id uint) error {
	msg, err := s.GetMessage(ctx, actor, id)
	if err != nil {
		return err
	}
	if msg.ReceiverID != actor {
		return apperrors.Denied("only the receiver can mark message %d read", id)
	}
	changed, err := s.messages.MarkAsRead(ctx, id, s.clock())
	if err != nil {
		return apperrors.Transient("mark read", err)
	}
	if changed {
		s.publishUpdated(ctx, []uint{id})
	}
	return nil
}

// MarkConversationRead 将 other 发给 actor 的未读消息全部标记已读，返回更新条数
func (s *Store) MarkConversationRead(ctx context.Context, actor, other uint) (int, error) {
	if err := requireActor(actor); err != nil {
		return 0, err
	}
	ids, err := s.messages.UnreadFrom(ctx, actor, other)
	if err != nil {
		return 0, apperrors.Transient("list unread", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.messages.MarkManyAsRead(ctx, ids, s.clock()); err != nil {
		return 0, apperrors.Transient("mark conversation read", err)
	}
	s.publishUpdated(ctx, ids)
	return len(ids), nil
}

func (s *Store) publishUpdated(ctx context.Context, ids []uint) {
	rows, err := s.messages.ListByIDs(ctx, ids)
	if err != nil {
		logger.Warn("回查已更新消息失败", zap.Error(err))
		return
	}
	for i := range rows {
		s.publish(ctx, feed.TableMessage, feed.OpUpdate, &rows[i])
	}
}

// DeleteMessage 发送者删除消息，返回被删除的消息（用于清理附件）
func (s *Store) DeleteMessage(ctx context.Context, actor, id uint) (*model.Message, error) {
	msg, err := s.GetMessage(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actor {
		return nil, apperrors.Denied("only the sender can delete message %d", id)
	}
	if err := s.messages.Delete(ctx, id); err != nil {
		if isNotFound(err) {
			return nil, apperrors.NotFound("message %d not found", id)
		}
		return nil, apperrors.Transient("delete message", err)
	}
	s.publish(ctx, feed.TableMessage, feed.OpDelete, feed.MessageRef{
		ID: msg.ID, SenderID: msg.SenderID, ReceiverID: msg.ReceiverID,
	})
	return msg, nil
}

// PurgeExpired 删除已过期的消息及其表情回应，返回被删除的消息
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	expired, err := s.messages.ListExpired(ctx, now.UTC(), limit)
	if err != nil {
		return nil, apperrors.Transient("list expired", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	ids := make([]uint, len(expired))
	for i := range expired {
		ids[i] = expired[i].ID
	}
	if err := s.messages.DeleteMany(ctx, ids); err != nil {
		return nil, apperrors.Transient("purge expired", err)
	}
	for _, msg := range expired {
		s.publish(ctx, feed.TableMessage, feed.OpDelete, feed.MessageRef{
			ID: msg.ID, SenderID: msg.SenderID, ReceiverID: msg.ReceiverID,
		})
	}
	return expired, nil
}

// ---- 表情回应 ----

// ListReactions 获取消息上的表情回应，只返回 actor 可见消息上的
func (s *Store) ListReactions(ctx context.Context, actor uint, messageIDs []uint) ([]model.Reaction, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	list, err := s.reactions.ListVisible(ctx, actor, messageIDs)
	if err != nil {
		return nil, apperrors.Transient("list reactions", err)
	}
	return list, nil
}

// AddReaction 添加表情回应，重复时返回 ConflictIgnored
func (s *Store) AddReaction(ctx context.Context, actor, messageID uint, emoji string) (*model.Reaction, error) {
	if err := validateEmoji(emoji); err != nil {
		return nil, err
	}
	if _, err := s.GetMessage(ctx, actor, messageID); err != nil {
		return nil, err
	}
	reaction := &model.Reaction{MessageID: messageID, UserID: actor, Emoji: emoji, CreatedAt: s.clock()}
	if err := s.reactions.Create(ctx, reaction); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperrors.Conflict("reaction %s already placed", emoji)
		}
		return nil, apperrors.Transient("add reaction", err)
	}
	s.publish(ctx, feed.TableReaction, feed.OpInsert, reaction)
	return reaction, nil
}

// RemoveReaction 删除 actor 自己的表情回应，不存在时不做任何事
func (s *Store) RemoveReaction(ctx context.Context, actor, messageID uint, emoji string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	reaction, err := s.reactions.Find(ctx, model.ReactionKey{MessageID: messageID, UserID: actor, Emoji: emoji})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return apperrors.Transient("find reaction", err)
	}
	if err := s.reactions.Delete(ctx, reaction.ID); err != nil {
		return apperrors.Transient("remove reaction", err)
	}
	s.publish(ctx, feed.TableReaction, feed.OpDelete, reaction)
	return nil
}

func validateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return apperrors.Validation("emoji is empty")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLen {
		return apperrors.Validation("emoji too long")
	}
	return nil
}

// ---- 拉黑与举报 ----

// ListBlocks 获取 actor 创建的拉黑关系
func (s *Store) ListBlocks(ctx context.Context, actor uint) ([]model.Block, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	list, err := s.moderation.ListBlocks(ctx, actor)
	if err != nil {
		return nil, apperrors.Transient("list blocks", err)
	}
	return list, nil
}

// Block 拉黑 target，已拉黑时不做任何事
func (s *Store) Block(ctx context.Context, actor, target uint) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if target == 0 || target == actor {
		return apperrors.Validation("invalid block target")
	}
	block := &model.Block{BlockerID: actor, BlockedID: target, CreatedAt: s.clock()}
	created, err := s.moderation.CreateBlock(ctx, block)
	if err != nil {
		return apperrors.Transient("block user", err)
	}
	if created {
		s.publish(ctx, feed.TableBlock, feed.OpInsert, block)
	}
	return nil
}

// Unblock 解除拉黑，不存在时不做任何事
func (s *Store) Unblock(ctx context.Context, actor, target uint) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	block, err := s.moderation.FindBlock(ctx, actor, target)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return apperrors.Transient("find block", err)
	}
	if err := s.moderation.DeleteBlock(ctx, block.ID); err != nil {
		return apperrors.Transient("unblock user", err)
	}
	s.publish(ctx, feed.TableBlock, feed.OpDelete, block)
	return nil
}

// CreateReport 提交举报
func (s *Store) CreateReport(ctx context.Context, actor uint, report *model.Report) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if report.ReportedID == 0 || report.ReportedID == actor {
		return apperrors.Validation("invalid reported user")
	}
	if !model.ValidReportReason(report.Reason) {
		return apperrors.Validation("unknown report reason %q", report.Reason)
	}
	if utf8.RuneCountInString(report.Detail) > model.ReportDetailMaxLen {
		return apperrors.Validation("report detail exceeds %d characters", model.ReportDetailMaxLen)
	}
	report.ID = 0
	report.ReporterID = actor
	report.Status = model.ReportStatusPending
	report.CreatedAt = s.clock()
	report.UpdatedAt = report.CreatedAt
	if err := s.moderation.CreateReport(ctx, report); err != nil {
		return apperrors.Transient("create report", err)
	}
	return nil
}

// ListReports 获取 actor 提交的举报
func (s *Store) ListReports(ctx context.Context, actor uint) ([]model.Report, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	list, err := s.moderation.ListReports(ctx, actor)
	if err != nil {
		return nil, apperrors.Transient("list reports", err)
	}
	return list, nil
}

// ---- 在线状态 ----

// UpsertPresence 写入 actor 的在线状态
func (s *Store) UpsertPresence(ctx context.Context, actor uint, p *model.Presence) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if p.TypingTo != nil && (*p.TypingTo == actor || *p.TypingTo == 0) {
		return apperrors.Validation("invalid typing target")
	}
	p.UserID = actor
	p.LastHeartbeat = p.LastHeartbeat.UTC().Truncate(time.Millisecond)
	if err := s.presence.Upsert(ctx, p); err != nil {
		return apperrors.Transient("upsert presence", err)
	}
	s.publish(ctx, feed.TablePresence, feed.OpUpdate, p)
	return nil
}

// ListPresence 获取用户在线状态，任何已登录用户可读
func (s *Store) ListPresence(ctx context.Context, actor uint, userIDs []uint) ([]model.Presence, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	list, err := s.presence.ListByUsers(ctx, userIDs)
	if err != nil {
		return nil, apperrors.Transient("list presence", err)
	}
	return list, nil
}

// ---- 会话统计 ----

// ConversationStats 按对方聚合 actor 的会话：未读数与最近活动时间，已过期的消息不计入
func (s *Store) ConversationStats(ctx context.Context, actor uint, now time.Time) ([]model.ConversationStat, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	now = now.UTC()
	counts, err := s.messages.CountByCounterpart(ctx, actor, now)
	if err != nil {
		return nil, apperrors.Transient("conversation stats", err)
	}
	latest, err := s.messages.LatestByCounterpart(ctx, actor, now)
	if err != nil {
		return nil, apperrors.Transient("conversation stats", err)
	}

	byCounterpart := make(map[uint]*model.ConversationStat, len(counts))
	for _, row := range counts {
		byCounterpart[row.CounterpartID] = &model.ConversationStat{CounterpartID: row.CounterpartID, Unread: row.Unread}
	}
	for i := range latest {
		msg := &latest[i]
		stat, ok := byCounterpart[msg.Counterpart(actor)]
		if !ok {
			// 两次查询之间新到的消息，下次刷新再计入
			continue
		}
		if msg.CreatedAt.After(stat.LastActivity) ||
			(msg.CreatedAt.Equal(stat.LastActivity) && msg.ID > stat.LastMessageID) {
			stat.LastActivity = msg.CreatedAt
			stat.LastMessageID = msg.ID
		}
	}

	stats := make([]model.ConversationStat, 0, len(byCounterpart))
	for _, stat := range byCounterpart {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CounterpartID < stats[j].CounterpartID })
	return stats, nil
}

// UserExists 用户是否存在
func (s *Store) UserExists(ctx context.Context, id uint) (bool, error) {
	ok, err := s.users.Exists(ctx, id)
	if err != nil {
		return false, apperrors.Transient("check user", err)
	}
	return ok, nil
}

// keyPrefix 对象存储中用户的键前缀
func keyPrefix(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10) + "/"
}
