package chat

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"im-chat/internal/feed"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"

	"go.uber.org/zap"
)

// UpdateKind 本地状态变化类别
type UpdateKind string

const (
	UpdateTranscript UpdateKind = "transcript"
	UpdateReactions  UpdateKind = "reactions"
	UpdateDirectory  UpdateKind = "directory"
	UpdatePresence   UpdateKind = "presence"
	UpdateBlocks     UpdateKind = "blocks"
)

// Update 状态变化提示，收到后重新读取对应快照
type Update struct {
	Kind UpdateKind `json:"kind"`
}

// Notification 面向用户的错误通知
type Notification struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// MessageView 带表情聚合结果的消息
type MessageView struct {
	model.Message
	Attachment *model.Attachment `json:"attachment"`
	Reactions  []ReactionSummary `json:"reactions"`
}

// Session 单个身份的聊天会话
type Session struct {
	self    uint
	store   Store
	feed    feed.Subscriber
	objects ObjectStore
	opts    Options

	loop        *updateLoop
	subs        *Subscriptions
	engine      *syncEngine
	reactions   *ReactionAggregator
	guard       *Guard
	presence    *PresenceManager
	attachments *AttachmentPipeline

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	others map[uint]model.Presence // 只保留目录中出现的用户
	stats  []model.ConversationStat

	statsPending atomic.Bool

	notifications chan Notification
	updates       chan Update

	startOnce sync.Once
	closeOnce sync.Once
}

// NewSession 创建会话，Start 之前不会发起任何调用
func NewSession(self uint, store Store, sub feed.Subscriber, objects ObjectStore, opts Options) *Session {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		self:          self,
		store:         store,
		feed:          sub,
		objects:       objects,
		opts:          opts,
		loop:          newUpdateLoop(64),
		subs:          NewSubscriptions(),
		engine:        newSyncEngine(self, store, opts.Now),
		reactions:     NewReactionAggregator(self, store),
		guard:         NewGuard(self, store),
		presence:      NewPresenceManager(self, store, opts),
		attachments:   NewAttachmentPipeline(self, objects, opts),
		ctx:           ctx,
		cancel:        cancel,
		others:        make(map[uint]model.Presence),
		notifications: make(chan Notification, opts.NotificationBuffer),
		updates:       make(chan Update, opts.UpdateBuffer),
	}
}

// Self 会话身份
func (s *Session) Self() uint { return s.self }

// Start 加载拉黑列表、建立订阅、启动心跳并计算会话目录
func (s *Session) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.loop.do(ctx, func() error {
			s.subscribeAll()
			if err := s.guard.Load(s.ctx); err != nil {
				s.fail(err)
				return err
			}
			s.refreshDirectory(s.ctx)
			return nil
		})
		if err == nil {
			s.presence.Start()
		}
	})
	return err
}

// Select 切换当前会话：撤销旧订阅和预览文件，重新订阅后全量同步
func (s *Session) Select(ctx context.Context, counterpart uint) error {
	if counterpart == 0 || counterpart == s.self {
		return s.fail(apperrors.Validation("invalid conversation"))
	}
	err := s.loop.do(ctx, func() error {
		s.attachments.Blobs().RevokeAll()
		s.subs.CloseAll()
		s.engine.selectCounterpart(counterpart)
		s.emit(UpdateTranscript)
		s.subscribeAll()
		s.presence.SetTarget(counterpart)
		err := s.resync(s.ctx)
		s.refreshDirectory(s.ctx)
		return err
	})
	return err
}

// SendOption 发送选项
type SendOption func(*sendConfig)

type sendConfig struct {
	expiresAt  *time.Time
	ttl        time.Duration
	upload     *Upload
	attachment *model.Attachment
}

// WithTTL 阅后即焚：消息在发送后 d 过期
func WithTTL(d time.Duration) SendOption {
	return func(c *sendConfig) { c.ttl = d }
}

// WithExpiry 指定过期时间
func WithExpiry(t time.Time) SendOption {
	return func(c *sendConfig) { c.expiresAt = &t }
}

// WithFile 发送前上传文件
func WithFile(u Upload) SendOption {
	return func(c *sendConfig) { c.upload = &u }
}

// WithAttachment 引用已上传的附件
func WithAttachment(a *model.Attachment) SendOption {
	return func(c *sendConfig) { c.attachment = a }
}

// Send 发送消息，返回存储层确认的消息
// 校验、拉黑检查和附件大小检查都在网络调用之前完成；本地列表由变更回显更新
func (s *Session) Send(ctx context.Context, to uint, body string, opts ...SendOption) (*model.Message, error) {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if to == 0 || to == s.self {
		return nil, s.fail(apperrors.Validation("invalid receiver"))
	}
	if strings.TrimSpace(body) == "" && cfg.upload == nil && cfg.attachment == nil {
		metrics.SendRejected.WithLabelValues("empty").Inc()
		return nil, s.fail(apperrors.Validation("message body and attachment are both empty"))
	}
	if err := s.guard.CheckSend(to); err != nil {
		return nil, s.fail(err)
	}
	if cfg.upload != nil && cfg.upload.Size > s.opts.MaxAttachmentSize {
		metrics.SendRejected.WithLabelValues("attachment_too_large").Inc()
		return nil, s.fail(apperrors.Validation("attachment exceeds %d bytes", s.opts.MaxAttachmentSize))
	}

	msg := &model.Message{ReceiverID: to, Body: body}
	switch {
	case cfg.expiresAt != nil:
		exp := *cfg.expiresAt
		msg.ExpiresAt = &exp
	case cfg.ttl > 0:
		exp := s.opts.Now().Add(cfg.ttl)
		msg.ExpiresAt = &exp
	}

	if cfg.upload != nil {
		att, err := s.attachments.Upload(ctx, *cfg.upload)
		if err != nil {
			return nil, s.fail(err)
		}
		msg.SetAttachment(att)
	} else if cfg.attachment != nil {
		msg.SetAttachment(cfg.attachment)
	}

	if err := s.store.CreateMessage(ctx, s.self, msg); err != nil {
		if cfg.upload != nil {
			// 消息未写入，附件对象不会被引用
			_ = s.attachments.Remove(context.Background(), msg.Attachment())
		}
		return nil, s.fail(err)
	}
	s.presence.StopTyping()
	return msg, nil
}

// SendFile 上传文件并发送
func (s *Session) SendFile(ctx context.Context, to uint, f Upload, caption string, opts ...SendOption) (*model.Message, error) {
	return s.Send(ctx, to, caption, append(opts, WithFile(f))...)
}

// Upload 仅上传附件，返回的元数据可用 WithAttachment 发送
func (s *Session) Upload(ctx context.Context, f Upload) (*model.Attachment, error) {
	att, err := s.attachments.Upload(ctx, f)
	if err != nil {
		return nil, s.fail(err)
	}
	return att, nil
}

// React 切换表情：已回应则取消，否则添加；本地立即生效，存储失败时回滚
func (s *Session) React(ctx context.Context, messageID uint, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return s.fail(apperrors.Validation("emoji is empty"))
	}

	var removing bool
	var prev model.Reaction
	err := s.loop.do(ctx, func() error {
		if _, ok := s.engine.find(messageID); !ok {
			return apperrors.NotFound("message %d is not in the current conversation", messageID)
		}
		removing, prev = s.reactions.begin(messageID, emoji)
		s.emit(UpdateReactions)
		return nil
	})
	if err != nil {
		return s.fail(err)
	}

	if err := s.reactions.commitStore(ctx, messageID, emoji, removing); err != nil {
		s.loop.post(func() {
			s.reactions.rollback(messageID, emoji, removing, prev)
			s.emit(UpdateReactions)
		})
		return s.fail(err)
	}
	return nil
}

// Delete 删除本人发送的消息及其附件对象
func (s *Session) Delete(ctx context.Context, messageID uint) error {
	msg, err := s.store.DeleteMessage(ctx, s.self, messageID)
	if err != nil {
		return s.fail(err)
	}
	if err := s.attachments.Remove(ctx, msg.Attachment()); err != nil {
		logger.Warn("删除附件对象失败", zap.Uint("message_id", messageID), zap.Error(err))
	}
	return nil
}

// Block 拉黑用户，本地立即生效，存储失败时回滚
func (s *Session) Block(ctx context.Context, target uint) error {
	return s.setBlocked(ctx, target, true)
}

// Unblock 解除拉黑
func (s *Session) Unblock(ctx context.Context, target uint) error {
	return s.setBlocked(ctx, target, false)
}

func (s *Session) setBlocked(ctx context.Context, target uint, blocked bool) error {
	if err := s.guard.validateBlockTarget(target); err != nil {
		return s.fail(err)
	}
	var was bool
	err := s.loop.do(ctx, func() error {
		was = s.guard.set(target, blocked)
		s.emit(UpdateBlocks)
		s.emit(UpdateDirectory)
		return nil
	})
	if err != nil {
		return s.fail(err)
	}

	if blocked {
		err = s.store.Block(ctx, s.self, target)
	} else {
		err = s.store.Unblock(ctx, s.self, target)
	}
	if err != nil {
		s.loop.post(func() {
			s.guard.set(target, was)
			s.emit(UpdateBlocks)
			s.emit(UpdateDirectory)
		})
		return s.fail(err)
	}
	s.loop.post(func() { s.refreshDirectory(s.ctx) })
	return nil
}

// Report 举报用户
func (s *Session) Report(ctx context.Context, target uint, reason, detail string) (*model.Report, error) {
	report, err := s.guard.Report(ctx, target, reason, detail)
	if err != nil {
		return nil, s.fail(err)
	}
	return report, nil
}

// KeyPress 输入框按键
func (s *Session) KeyPress() { s.presence.KeyPress() }

// StopTyping 立即结束输入状态
func (s *Session) StopTyping() { s.presence.StopTyping() }

// Heartbeat 立即发送一次在线心跳
func (s *Session) Heartbeat() { s.presence.trigger() }

// Transcript 当前会话的消息（已过滤过期消息，附带表情聚合）
func (s *Session) Transcript() []MessageView {
	msgs := s.engine.transcript()
	views := make([]MessageView, len(msgs))
	for i := range msgs {
		views[i] = MessageView{
			Message:    msgs[i],
			Attachment: msgs[i].Attachment(),
			Reactions:  s.reactions.Summaries(msgs[i].ID),
		}
	}
	return views
}

// Reactions 单条消息的表情聚合
func (s *Session) Reactions(messageID uint) []ReactionSummary {
	return s.reactions.Summaries(messageID)
}

// State 同步状态
func (s *Session) State() SyncState { return s.engine.state() }

// Blocked 已拉黑的用户
func (s *Session) Blocked() []uint { return s.guard.Blocked() }

// Directory 会话目录，读取时按当前时间投影
func (s *Session) Directory() []DirectoryEntry {
	s.mu.RLock()
	stats := append([]model.ConversationStat(nil), s.stats...)
	others := make(map[uint]model.Presence, len(s.others))
	for id, p := range s.others {
		others[id] = p
	}
	s.mu.RUnlock()

	var extra []uint
	if sel := s.engine.selected(); sel != 0 {
		extra = append(extra, sel)
	}
	return Project(DirectoryInput{
		Self:       s.self,
		Stats:      stats,
		Presence:   others,
		Blocked:    s.guard.blockedSet(),
		Extra:      extra,
		Now:        s.opts.Now(),
		StaleAfter: s.opts.StaleAfter,
	})
}

// IsOnline 对方是否在线（过期记录视为离线）
func (s *Session) IsOnline(id uint) bool {
	s.mu.RLock()
	p, ok := s.others[id]
	s.mu.RUnlock()
	return ok && p.OnlineAt(s.opts.Now(), s.opts.StaleAfter)
}

// IsTyping 对方是否正在向本人输入
func (s *Session) IsTyping(id uint) bool {
	s.mu.RLock()
	p, ok := s.others[id]
	s.mu.RUnlock()
	return ok && p.TypingToAt(s.self, s.opts.Now(), s.opts.StaleAfter)
}

// Preview 解析当前会话中某条消息附件的预览方式
func (s *Session) Preview(ctx context.Context, messageID uint) (Preview, error) {
	msg, ok := s.engine.find(messageID)
	if !ok {
		return Preview{}, s.fail(apperrors.NotFound("message %d is not in the current conversation", messageID))
	}
	p, err := s.attachments.Resolve(ctx, msg.Attachment())
	if err != nil {
		return Preview{}, s.fail(err)
	}
	return p, nil
}

// Download 重新拉取附件写入 w
func (s *Session) Download(ctx context.Context, messageID uint, w io.Writer) (*model.Attachment, error) {
	msg, ok := s.engine.find(messageID)
	if !ok {
		return nil, s.fail(apperrors.NotFound("message %d is not in the current conversation", messageID))
	}
	att := msg.Attachment()
	if _, err := s.attachments.Download(ctx, att, w); err != nil {
		return nil, s.fail(err)
	}
	return att, nil
}

// DownloadTo 下载附件保存到目录
func (s *Session) DownloadTo(ctx context.Context, messageID uint, dir string) (string, error) {
	msg, ok := s.engine.find(messageID)
	if !ok {
		return "", s.fail(apperrors.NotFound("message %d is not in the current conversation", messageID))
	}
	path, err := s.attachments.DownloadTo(ctx, msg.Attachment(), dir)
	if err != nil {
		return "", s.fail(err)
	}
	return path, nil
}

// Blobs 预览临时文件
func (s *Session) Blobs() *BlobRegistry { return s.attachments.Blobs() }

// Notifications 用户可见的错误通知
func (s *Session) Notifications() <-chan Notification { return s.notifications }

// Updates 状态变化提示
func (s *Session) Updates() <-chan Update { return s.updates }

// Close 撤销订阅、发送离线状态、回收预览文件并停止更新协程，可重复调用
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.subs.Shutdown()
		s.presence.Stop(ctx)
		s.cancel()
		s.loop.stop()
		s.attachments.Blobs().RevokeAll()
	})
	return nil
}

// ---- 更新协程内执行 ----

// subscribeAll 为每张表建立新订阅，旧订阅先被关闭
func (s *Session) subscribeAll() {
	if s.feed == nil {
		return
	}
	for _, table := range feedTables {
		table := table
		sub := s.feed.Subscribe(table, feed.Listener{
			OnEvent:     func(ev feed.Event) error { return s.onEvent(ev) },
			OnReconnect: func() { s.loop.post(func() { s.resyncAll(s.ctx) }) },
		})
		s.subs.Replace(table, sub)
	}
}

// resync 全量同步当前会话：拉取消息与表情，提交后标记已读
// 任一拉取失败时保留原列表并进入可恢复的错误状态
func (s *Session) resync(ctx context.Context) error {
	other := s.engine.selected()
	if other == 0 {
		return nil
	}
	list, err := s.engine.fetch(ctx, other)
	if err != nil {
		s.engine.fail(err)
		s.emit(UpdateTranscript)
		return s.fail(err)
	}
	ids := make([]uint, len(list))
	for i := range list {
		ids[i] = list[i].ID
	}
	rows, err := s.store.ListReactions(ctx, s.self, ids)
	if err != nil {
		s.engine.fail(err)
		s.emit(UpdateTranscript)
		return s.fail(err)
	}
	if !s.engine.commit(other, list) {
		return nil
	}
	s.reactions.Reset(ids, rows)

	if n, err := s.store.MarkConversationRead(ctx, s.self, other); err != nil {
		logger.Warn("标记会话已读失败", zap.Uint("user_id", s.self), zap.Uint("counterpart", other), zap.Error(err))
	} else if n > 0 {
		s.engine.markInboundRead()
	}
	s.emit(UpdateTranscript)
	s.emit(UpdateReactions)
	return nil
}

// resyncAll 检测到订阅缺口后重建全部本地状态
func (s *Session) resyncAll(ctx context.Context) {
	if err := s.guard.Load(ctx); err != nil {
		s.fail(err)
	} else {
		s.emit(UpdateBlocks)
	}
	_ = s.resync(ctx)
	s.refreshDirectory(ctx)
}

// refreshDirectory 重新拉取会话统计与对方在线状态
func (s *Session) refreshDirectory(ctx context.Context) {
	stats, err := s.store.ConversationStats(ctx, s.self, s.opts.Now())
	if err != nil {
		logger.Warn("会话统计拉取失败", zap.Uint("user_id", s.self), zap.Error(err))
		return
	}
	tracked := s.trackedIDs(stats)
	ids := make([]uint, 0, len(tracked))
	for id := range tracked {
		ids = append(ids, id)
	}
	presence, err := s.store.ListPresence(ctx, s.self, ids)
	if err != nil {
		logger.Warn("在线状态拉取失败", zap.Uint("user_id", s.self), zap.Error(err))
	}

	s.mu.Lock()
	s.stats = stats
	s.pruneOthersLocked(tracked)
	for _, p := range presence {
		s.others[p.UserID] = p
	}
	s.mu.Unlock()
	s.emit(UpdateDirectory)
}

// refreshStats 重新拉取会话统计，只为新出现的对方补拉在线状态
func (s *Session) refreshStats(ctx context.Context) {
	stats, err := s.store.ConversationStats(ctx, s.self, s.opts.Now())
	if err != nil {
		logger.Warn("会话统计拉取失败", zap.Uint("user_id", s.self), zap.Error(err))
		return
	}
	tracked := s.trackedIDs(stats)

	s.mu.RLock()
	var missing []uint
	for id := range tracked {
		if _, ok := s.others[id]; !ok {
			missing = append(missing, id)
		}
	}
	s.mu.RUnlock()

	var presence []model.Presence
	if len(missing) > 0 {
		if presence, err = s.store.ListPresence(ctx, s.self, missing); err != nil {
			logger.Warn("在线状态拉取失败", zap.Uint("user_id", s.self), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.stats = stats
	s.pruneOthersLocked(tracked)
	for _, p := range presence {
		s.others[p.UserID] = p
	}
	s.mu.Unlock()
	s.emit(UpdateDirectory)
}

// scheduleStats 合并一批消息事件触发的统计刷新，队列中最多保留一次
// 刷新开始时清除标记，之后到达的事件会再排一次
func (s *Session) scheduleStats() {
	if !s.statsPending.CompareAndSwap(false, true) {
		return
	}
	if !s.loop.post(func() {
		s.statsPending.Store(false)
		s.refreshStats(s.ctx)
	}) {
		s.statsPending.Store(false)
	}
}

// trackedIDs 目录中会出现的用户：有消息的对方、当前会话和已拉黑的用户
func (s *Session) trackedIDs(stats []model.ConversationStat) map[uint]struct{} {
	ids := s.guard.blockedSet()
	for _, st := range stats {
		ids[st.CounterpartID] = struct{}{}
	}
	if sel := s.engine.selected(); sel != 0 {
		ids[sel] = struct{}{}
	}
	delete(ids, s.self)
	return ids
}

// tracksLocked 调用方持有 s.mu
func (s *Session) tracksLocked(id uint) bool {
	if id == s.engine.selected() || s.guard.IsBlocked(id) {
		return true
	}
	for _, st := range s.stats {
		if st.CounterpartID == id {
			return true
		}
	}
	return false
}

func (s *Session) pruneOthersLocked(tracked map[uint]struct{}) {
	for id := range s.others {
		if _, ok := tracked[id]; !ok {
			delete(s.others, id)
		}
	}
}

// ---- 变更事件 ----

// onEvent 在订阅协程上解码事件并转交更新协程
func (s *Session) onEvent(ev feed.Event) error {
	switch ev.Table {
	case feed.TableMessage:
		return s.onMessageEvent(ev)
	case feed.TableReaction:
		var r model.Reaction
		if err := ev.Decode(&r); err != nil {
			return err
		}
		s.loop.post(func() {
			if s.reactions.Apply(ev.Op, r) {
				s.emit(UpdateReactions)
			}
		})
	case feed.TablePresence:
		var p model.Presence
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.UserID == s.self {
			return nil
		}
		s.loop.post(func() {
			s.mu.Lock()
			tracked := s.tracksLocked(p.UserID)
			if tracked {
				s.others[p.UserID] = p
			}
			s.mu.Unlock()
			if tracked {
				s.emit(UpdatePresence)
				s.emit(UpdateDirectory)
			}
		})
	case feed.TableBlock:
		var b model.Block
		if err := ev.Decode(&b); err != nil {
			return err
		}
		if b.BlockerID != s.self {
			return nil
		}
		s.loop.post(func() {
			if s.guard.ApplyEvent(ev.Op, b) {
				s.emit(UpdateBlocks)
				s.emit(UpdateDirectory)
			}
		})
	}
	return nil
}

func (s *Session) onMessageEvent(ev feed.Event) error {
	switch ev.Op {
	case feed.OpUpdate:
		var row model.Message
		if err := ev.Decode(&row); err != nil {
			return err
		}
		if !row.Involves(s.self) {
			return nil
		}
		s.loop.post(func() {
			if s.engine.applyUpdate(row) {
				s.emit(UpdateTranscript)
			}
		})
		s.scheduleStats()
	case feed.OpInsert:
		var ref feed.MessageRef
		if err := ev.Decode(&ref); err != nil {
			return err
		}
		if ref.SenderID != s.self && ref.ReceiverID != s.self {
			return nil
		}
		s.loop.post(func() { s.handleInsert(ref) })
		s.scheduleStats()
	case feed.OpDelete:
		var ref feed.MessageRef
		if err := ev.Decode(&ref); err != nil {
			return err
		}
		if ref.SenderID != s.self && ref.ReceiverID != s.self {
			return nil
		}
		s.loop.post(func() {
			if s.engine.matches(ref) {
				_ = s.resync(s.ctx)
			}
		})
		s.scheduleStats()
	}
	return nil
}

// handleInsert 当前会话的插入：回查完整行后按序插入，收到的消息标记已读
func (s *Session) handleInsert(ref feed.MessageRef) {
	msg, err := s.engine.applyInsert(s.ctx, ref)
	if err != nil {
		logger.Warn("回查新消息失败", zap.Uint("message_id", ref.ID), zap.Error(err))
	}
	if msg != nil {
		s.reactions.Track(msg.ID)
		s.emit(UpdateTranscript)
		if msg.ReceiverID == s.self && !msg.IsRead {
			if err := s.store.MarkRead(s.ctx, s.self, msg.ID); err != nil {
				logger.Warn("标记已读失败", zap.Uint("message_id", msg.ID), zap.Error(err))
			} else if s.engine.markInboundRead(msg.ID) {
				s.emit(UpdateTranscript)
			}
		}
	}
}

// ---- 通知 ----

// fail 把错误投递到通知通道并原样返回
func (s *Session) fail(err error) error {
	if err == nil {
		return nil
	}
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindConflict {
		return err
	}
	if kind == "" {
		kind = apperrors.KindTransient
	}
	n := Notification{Kind: kind, Message: err.Error(), At: s.opts.Now()}
	select {
	case s.notifications <- n:
	default:
		logger.Warn("通知通道已满，丢弃通知", zap.Uint("user_id", s.self), zap.String("message", n.Message))
	}
	return err
}

func (s *Session) emit(kind UpdateKind) {
	select {
	case s.updates <- Update{Kind: kind}:
	default:
	}
}
