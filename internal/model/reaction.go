package model

import "time"

// Reaction 消息表情回应，(message_id, user_id, emoji) 唯一
// 同一用户可在一条消息上添加多个不同表情
type Reaction struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_reaction_key,priority:1;comment:消息ID" json:"message_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_reaction_key,priority:2;comment:用户ID" json:"user_id"`
	Emoji     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_reaction_key,priority:3;comment:表情" json:"emoji"`
	CreatedAt time.Time `gorm:"precision:3;comment:创建时间" json:"created_at"`
}

func (Reaction) TableName() string { return "message_reaction" }

// ReactionKey 表情回应的自然键
type ReactionKey struct {
	MessageID uint
	UserID    uint
	Emoji     string
}

// Key 返回自然键
func (r *Reaction) Key() ReactionKey {
	return ReactionKey{MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji}
}
