package repository

import (
	"context"

	"im-chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceRepository 在线状态仓储
type PresenceRepository struct {
	db *gorm.DB
}

// NewPresenceRepository 创建PresenceRepository实例
func NewPresenceRepository(db *gorm.DB) *PresenceRepository {
	return &PresenceRepository{db: db}
}

// Upsert 写入在线状态，存在则整体覆盖
func (r *PresenceRepository) Upsert(ctx context.Context, p *model.Presence) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "last_heartbeat", "typing_to"}),
	}).Create(p).Error
}

// ListByUsers 批量获取在线状态，没有记录的用户不返回
func (r *PresenceRepository) ListByUsers(ctx context.Context, userIDs []uint) ([]model.Presence, error) {
	var list []model.Presence
	if len(userIDs) == 0 {
		return list, nil
	}
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&list).Error
	return list, err
}
