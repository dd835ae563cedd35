package service

import (
	"context"
	"io"
	"strings"
	"time"

	"im-chat/internal/chat"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"

	"go.uber.org/zap"
)

// ChatStore 服务层需要的存储能力
type ChatStore interface {
	chat.Store
	UserExists(ctx context.Context, id uint) (bool, error)
	ListReports(ctx context.Context, actor uint) ([]model.Report, error)
}

// ChatService 无状态的聊天接口，供 HTTP 调用
// 实时推送由 WebSocket 会话负责
type ChatService struct {
	store   ChatStore
	objects chat.ObjectStore
	opts    chat.Options
}

func NewChatService(store ChatStore, objects chat.ObjectStore, opts chat.Options) *ChatService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ChatService{store: store, objects: objects, opts: opts}
}

// SendInput 发送参数
type SendInput struct {
	To     uint
	Body   string
	TTL    time.Duration // 大于0时为阅后即焚
	Upload *chat.Upload
}

func (s *ChatService) pipeline(actor uint) *chat.AttachmentPipeline {
	return chat.NewAttachmentPipeline(actor, s.objects, s.opts)
}

// Send 发送消息，附件先上传，写入失败时删除已上传的对象
func (s *ChatService) Send(ctx context.Context, actor uint, in SendInput) (*model.Message, error) {
	if in.To == 0 || in.To == actor {
		return nil, apperrors.Validation("invalid receiver")
	}
	if strings.TrimSpace(in.Body) == "" && in.Upload == nil {
		metrics.SendRejected.WithLabelValues("empty").Inc()
		return nil, apperrors.Validation("message body and attachment are both empty")
	}
	if in.TTL < 0 {
		return nil, apperrors.Validation("ttl must be positive")
	}
	ok, err := s.store.UserExists(ctx, in.To)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NotFound("user %d not found", in.To)
	}

	msg := &model.Message{ReceiverID: in.To, Body: in.Body}
	if in.TTL > 0 {
		exp := s.opts.Now().Add(in.TTL)
		msg.ExpiresAt = &exp
	}
	p := s.pipeline(actor)
	if in.Upload != nil {
		att, err := p.Upload(ctx, *in.Upload)
		if err != nil {
			return nil, err
		}
		msg.SetAttachment(att)
	}
	if err := s.store.CreateMessage(ctx, actor, msg); err != nil {
		if rmErr := p.Remove(context.Background(), msg.Attachment()); rmErr != nil {
			logger.Warn("回收未引用的附件失败", zap.Uint("user_id", actor), zap.Error(rmErr))
		}
		return nil, err
	}
	return msg, nil
}

// Conversation 获取与 other 的消息（已过滤过期消息）及表情聚合
func (s *ChatService) Conversation(ctx context.Context, actor, other uint) ([]chat.MessageView, error) {
	if other == 0 || other == actor {
		return nil, apperrors.Validation("invalid conversation")
	}
	list, err := s.store.ListConversation(ctx, actor, other)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, len(list))
	for i := range list {
		ids[i] = list[i].ID
	}
	rows, err := s.store.ListReactions(ctx, actor, ids)
	if err != nil {
		return nil, err
	}
	byMessage := make(map[uint][]model.Reaction, len(list))
	for _, r := range rows {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}
	views := make([]chat.MessageView, len(list))
	for i := range list {
		views[i] = chat.MessageView{
			Message:    list[i],
			Attachment: list[i].Attachment(),
			Reactions:  chat.Aggregate(byMessage[list[i].ID], actor),
		}
	}
	return views, nil
}

// MarkRead 把 other 发来的未读消息标记为已读，返回标记数量
func (s *ChatService) MarkRead(ctx context.Context, actor, other uint) (int, error) {
	if other == 0 || other == actor {
		return 0, apperrors.Validation("invalid conversation")
	}
	return s.store.MarkConversationRead(ctx, actor, other)
}

// Delete 删除本人发送的消息及附件对象
func (s *ChatService) Delete(ctx context.Context, actor, id uint) error {
	msg, err := s.store.DeleteMessage(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.pipeline(actor).Remove(ctx, msg.Attachment()); err != nil {
		logger.Warn("删除附件对象失败", zap.Uint("message_id", id), zap.Error(err))
	}
	return nil
}

// ToggleReaction 切换表情，返回该消息最新的聚合结果
func (s *ChatService) ToggleReaction(ctx context.Context, actor, messageID uint, emoji string) ([]chat.ReactionSummary, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperrors.Validation("emoji is empty")
	}
	rows, err := s.store.ListReactions(ctx, actor, []uint{messageID})
	if err != nil {
		return nil, err
	}
	mine := false
	for _, r := range rows {
		if r.UserID == actor && r.Emoji == emoji {
			mine = true
			break
		}
	}
	if mine {
		err = s.store.RemoveReaction(ctx, actor, messageID, emoji)
	} else {
		_, err = s.store.AddReaction(ctx, actor, messageID, emoji)
	}
	if err != nil && !apperrors.IsConflict(err) {
		return nil, err
	}
	rows, err = s.store.ListReactions(ctx, actor, []uint{messageID})
	if err != nil {
		return nil, err
	}
	return chat.Aggregate(rows, actor), nil
}

// Directory 会话目录
func (s *ChatService) Directory(ctx context.Context, actor uint) ([]chat.DirectoryEntry, error) {
	return chat.LoadDirectory(ctx, s.store, actor, s.opts.Now(), s.opts.StaleAfter)
}

// Presence 批量查询在线状态
func (s *ChatService) Presence(ctx context.Context, actor uint, ids []uint) ([]model.Presence, error) {
	return s.store.ListPresence(ctx, actor, ids)
}

// Heartbeat 以 HTTP 方式写入一次在线心跳
func (s *ChatService) Heartbeat(ctx context.Context, actor uint, typingTo uint) error {
	p := model.Presence{UserID: actor, Online: true, LastHeartbeat: s.opts.Now()}
	if typingTo != 0 && typingTo != actor {
		p.TypingTo = &typingTo
	}
	return s.store.UpsertPresence(ctx, actor, &p)
}

// OpenAttachment 打开消息附件，actor 必须是消息参与者
func (s *ChatService) OpenAttachment(ctx context.Context, actor, messageID uint) (*model.Attachment, io.ReadCloser, error) {
	msg, err := s.store.GetMessage(ctx, actor, messageID)
	if err != nil {
		return nil, nil, err
	}
	if !msg.VisibleAt(s.opts.Now()) {
		return nil, nil, apperrors.NotFound("message %d not found", messageID)
	}
	att := msg.Attachment()
	if att == nil || att.Key == "" {
		return nil, nil, apperrors.NotFound("message %d has no attachment", messageID)
	}
	rc, err := s.objects.Open(ctx, att.Key)
	if err != nil {
		return nil, nil, apperrors.Transient("open attachment", err)
	}
	return att, rc, nil
}

// Blocks 拉黑列表
func (s *ChatService) Blocks(ctx context.Context, actor uint) ([]model.Block, error) {
	return s.store.ListBlocks(ctx, actor)
}

// Block 拉黑
func (s *ChatService) Block(ctx context.Context, actor, target uint) error {
	if target == 0 || target == actor {
		return apperrors.Validation("invalid block target")
	}
	return s.store.Block(ctx, actor, target)
}

// Unblock 解除拉黑
func (s *ChatService) Unblock(ctx context.Context, actor, target uint) error {
	if target == 0 || target == actor {
		return apperrors.Validation("invalid block target")
	}
	return s.store.Unblock(ctx, actor, target)
}

// Report 举报，校验规则与会话一致
func (s *ChatService) Report(ctx context.Context, actor, target uint, reason, detail string) (*model.Report, error) {
	return chat.NewGuard(actor, s.store).Report(ctx, target, reason, detail)
}

// Reports 本人提交的举报
func (s *ChatService) Reports(ctx context.Context, actor uint) ([]model.Report, error) {
	return s.store.ListReports(ctx, actor)
}

// MaxAttachmentSize 单个附件上限（字节）
func (s *ChatService) MaxAttachmentSize() int64 {
	if s.opts.MaxAttachmentSize <= 0 {
		return chat.DefaultOptions().MaxAttachmentSize
	}
	return s.opts.MaxAttachmentSize
}

// Clock 当前时间与在线状态过期时长
func (s *ChatService) Clock() (time.Time, time.Duration) {
	return s.opts.Now(), s.opts.StaleAfter
}
