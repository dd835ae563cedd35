// Package chat 双人实时聊天核心
//
// 每个登录身份对应一个 Session。所有本地状态的修改（三路变更订阅、乐观更新、重新同步）
// 都在同一个有序更新协程上执行；存储层是唯一可信来源，检测到缺口后本地状态全部重建。
package chat

import (
	"context"
	"io"
	"time"

	"im-chat/internal/feed"
	"im-chat/internal/model"
)

// Store 持久化协作者，所有方法都以 actor 的身份执行并受行级策略约束
type Store interface {
	ListConversation(ctx context.Context, actor, other uint) ([]model.Message, error)
	GetMessage(ctx context.Context, actor, id uint) (*model.Message, error)
	CreateMessage(ctx context.Context, actor uint, msg *model.Message) error
	MarkRead(ctx context.Context, actor, id uint) error
	MarkConversationRead(ctx context.Context, actor, other uint) (int, error)
	DeleteMessage(ctx context.Context, actor, id uint) (*model.Message, error)

	ListReactions(ctx context.Context, actor uint, messageIDs []uint) ([]model.Reaction, error)
	AddReaction(ctx context.Context, actor, messageID uint, emoji string) (*model.Reaction, error)
	RemoveReaction(ctx context.Context, actor, messageID uint, emoji string) error

	ListBlocks(ctx context.Context, actor uint) ([]model.Block, error)
	Block(ctx context.Context, actor, target uint) error
	Unblock(ctx context.Context, actor, target uint) error
	CreateReport(ctx context.Context, actor uint, report *model.Report) error

	UpsertPresence(ctx context.Context, actor uint, p *model.Presence) error
	ListPresence(ctx context.Context, actor uint, userIDs []uint) ([]model.Presence, error)

	ConversationStats(ctx context.Context, actor uint, now time.Time) ([]model.ConversationStat, error)
}

// ObjectStore 附件字节存储，写入和删除限定在上传者的键前缀下
type ObjectStore interface {
	Put(ctx context.Context, owner uint, key string, r io.Reader, size int64, mime string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, owner uint, key string) error
}

// Options 会话参数
type Options struct {
	HeartbeatInterval time.Duration // 心跳周期
	StaleAfter        time.Duration // 在线状态过期时间
	TypingIdle        time.Duration // 停止输入判定时间

	MaxAttachmentSize int64  // 附件上限（字节）
	DocumentProxyURL  string // PDF 预览代理，为空表示不可用
	OfficeProxyURL    string // Office 预览代理，为空表示不可用
	BlobDir           string // 本地预览临时文件目录

	NotificationBuffer int // 通知通道缓冲
	UpdateBuffer       int // 状态变化通道缓冲

	Now func() time.Time // 时钟，测试时替换
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:  30 * time.Second,
		StaleAfter:         60 * time.Second,
		TypingIdle:         2 * time.Second,
		MaxAttachmentSize:  100 << 20,
		NotificationBuffer: 32,
		UpdateBuffer:       64,
		Now:                time.Now,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = def.StaleAfter
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = def.TypingIdle
	}
	if o.MaxAttachmentSize <= 0 {
		o.MaxAttachmentSize = def.MaxAttachmentSize
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = def.NotificationBuffer
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = def.UpdateBuffer
	}
	if o.Now == nil {
		o.Now = def.Now
	}
}

// 订阅的变更表，会话对每张表维护一个订阅
var feedTables = []string{feed.TableMessage, feed.TableReaction, feed.TablePresence, feed.TableBlock}
