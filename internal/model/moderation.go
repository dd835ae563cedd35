package model

import "time"

// Block 拉黑关系（有向边），每个有序对唯一，仅拉黑者可创建和删除
type Block struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BlockerID uint      `gorm:"not null;uniqueIndex:idx_block_pair,priority:1;comment:拉黑者ID" json:"blocker_id"`
	BlockedID uint      `gorm:"not null;uniqueIndex:idx_block_pair,priority:2;index;comment:被拉黑者ID" json:"blocked_id"`
	CreatedAt time.Time `gorm:"precision:3;comment:创建时间" json:"created_at"`
}

func (Block) TableName() string { return "block_relation" }

// 举报原因
const (
	ReportReasonSpam          = "spam"
	ReportReasonHarassment    = "harassment"
	ReportReasonInappropriate = "inappropriate"
	ReportReasonImpersonation = "impersonation"
	ReportReasonOther         = "other"
)

// 举报状态，状态流转由管理员负责
const (
	ReportStatusPending   = "pending"
	ReportStatusReviewed  = "reviewed"
	ReportStatusDismissed = "dismissed"
)

// ReportDetailMaxLen 举报补充说明最大长度（字符）
const ReportDetailMaxLen = 1000

// ValidReportReason 是否为合法举报原因
func ValidReportReason(reason string) bool {
	switch reason {
	case ReportReasonSpam, ReportReasonHarassment, ReportReasonInappropriate,
		ReportReasonImpersonation, ReportReasonOther:
		return true
	}
	return false
}

// Report 举报记录，举报者只能追加
type Report struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ReporterID uint      `gorm:"not null;index;comment:举报者ID" json:"reporter_id"`
	ReportedID uint      `gorm:"not null;index;comment:被举报者ID" json:"reported_id"`
	Reason     string    `gorm:"type:varchar(32);not null;comment:举报原因" json:"reason"`
	Detail     string    `gorm:"type:text;comment:补充说明" json:"detail"`
	Status     string    `gorm:"type:varchar(32);not null;default:'pending';comment:处理状态" json:"status"`
	CreatedAt  time.Time `gorm:"precision:3;comment:创建时间" json:"created_at"`
	UpdatedAt  time.Time `gorm:"precision:3;comment:更新时间" json:"updated_at"`
}

func (Report) TableName() string { return "report_record" }
