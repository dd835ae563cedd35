package model

import "time"

// Presence 在线状态，每个用户一行，首次心跳时创建，之后持续覆盖写入
// TypingTo 为正在输入的对象，同一时间最多一个
type Presence struct {
	UserID        uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Online        bool      `gorm:"not null;comment:是否在线" json:"online"`
	LastHeartbeat time.Time `gorm:"precision:3;index;comment:最近心跳时间" json:"last_heartbeat"`
	TypingTo      *uint     `gorm:"index;comment:正在输入的对象" json:"typing_to,omitempty"`
}

func (Presence) TableName() string { return "presence" }

// FreshAt 在 now 时刻该记录是否仍可信
func (p *Presence) FreshAt(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(p.LastHeartbeat) < staleAfter
}

// OnlineAt 记录在线且未过期
func (p *Presence) OnlineAt(now time.Time, staleAfter time.Duration) bool {
	return p.Online && p.FreshAt(now, staleAfter)
}

// TypingToAt 是否正在向 userID 输入（且记录未过期）
func (p *Presence) TypingToAt(userID uint, now time.Time, staleAfter time.Duration) bool {
	return p.TypingTo != nil && *p.TypingTo == userID && p.OnlineAt(now, staleAfter)
}
