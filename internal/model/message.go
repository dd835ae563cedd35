package model

import (
	"time"
)

// Message 单聊消息
// 过期时间为空表示永久消息；设置时必须晚于创建时间，到期后在读取时被过滤
// 附件字段全部为空表示无附件
type Message struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SenderID       uint       `gorm:"not null;index:idx_message_pair,priority:1;comment:发送者ID" json:"sender_id"`
	ReceiverID     uint       `gorm:"not null;index:idx_message_pair,priority:2;index:idx_message_receiver_read,priority:1;comment:接收者ID" json:"receiver_id"`
	Body           string     `gorm:"type:text;comment:消息内容" json:"body"`
	AttachmentURL  string     `gorm:"type:varchar(512);comment:附件公开地址" json:"attachment_url,omitempty"`
	AttachmentName string     `gorm:"type:varchar(255);comment:附件原始文件名" json:"attachment_name,omitempty"`
	AttachmentMime string     `gorm:"type:varchar(128);comment:附件MIME类型" json:"attachment_mime,omitempty"`
	AttachmentKey  string     `gorm:"type:varchar(255);comment:对象存储键" json:"attachment_key,omitempty"`
	AttachmentSize int64      `gorm:"default:0;comment:附件字节数" json:"attachment_size,omitempty"`
	IsRead         bool       `gorm:"default:false;index:idx_message_receiver_read,priority:2;comment:是否已读" json:"is_read"`
	ExpiresAt      *time.Time `gorm:"precision:3;index;comment:过期时间" json:"expires_at,omitempty"`
	CreatedAt      time.Time  `gorm:"precision:3;index;comment:创建时间" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"precision:3;comment:更新时间" json:"updated_at"`
}

func (Message) TableName() string { return "message" }

// Attachment 附件元数据，对象存储保存字节，消息行保存元数据
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Attachment 返回附件，无附件时为 nil
func (m *Message) Attachment() *Attachment {
	if m.AttachmentURL == "" {
		return nil
	}
	return &Attachment{
		URL:  m.AttachmentURL,
		Name: m.AttachmentName,
		Mime: m.AttachmentMime,
		Key:  m.AttachmentKey,
		Size: m.AttachmentSize,
	}
}

// SetAttachment 写入附件元数据，传 nil 清空
func (m *Message) SetAttachment(a *Attachment) {
	if a == nil {
		a = &Attachment{}
	}
	m.AttachmentURL = a.URL
	m.AttachmentName = a.Name
	m.AttachmentMime = a.Mime
	m.AttachmentKey = a.Key
	m.AttachmentSize = a.Size
}

// VisibleAt 在 now 时刻消息是否可见
func (m *Message) VisibleAt(now time.Time) bool {
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// Involves 消息是否属于 userID 参与的会话
func (m *Message) Involves(userID uint) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Counterpart 返回 userID 在该消息中的对方
func (m *Message) Counterpart(userID uint) uint {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// BetweenPair 消息是否属于 a 与 b 之间的会话（无序）
func (m *Message) BetweenPair(a, b uint) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// ConversationStat 目录投影使用的单个对方统计
type ConversationStat struct {
	CounterpartID uint      `json:"counterpart_id"`
	Unread        int       `json:"unread"`
	LastActivity  time.Time `json:"last_activity"`
	LastMessageID uint      `json:"last_message_id"`
}
