package repository

import (
	"context"

	"im-chat/internal/model"

	"gorm.io/gorm"
)

// ReactionRepository 表情回应仓储
type ReactionRepository struct {
	db *gorm.DB
}

// NewReactionRepository 创建ReactionRepository实例
func NewReactionRepository(db *gorm.DB) *ReactionRepository {
	return &ReactionRepository{db: db}
}

// ListVisible 获取 actor 可见消息上的表情回应
func (r *ReactionRepository) ListVisible(ctx context.Context, actorID uint, messageIDs []uint) ([]model.Reaction, error) {
	var reactions []model.Reaction
	if len(messageIDs) == 0 {
		return reactions, nil
	}
	visible := r.db.Model(&model.Message{}).
		Select("id").
		Where("id IN ? AND (sender_id = ? OR receiver_id = ?)", messageIDs, actorID, actorID)
	err := r.db.WithContext(ctx).
		Where("message_id IN (?)", visible).
		Order("id ASC").
		Find(&reactions).Error
	return reactions, err
}

// Create 新增表情回应，唯一键冲突时返回 gorm.ErrDuplicatedKey
func (r *ReactionRepository) Create(ctx context.Context, reaction *model.Reaction) error {
	return r.db.WithContext(ctx).Create(reaction).Error
}

// Find 按自然键查找
func (r *ReactionRepository) Find(ctx context.Context, key model.ReactionKey) (*model.Reaction, error) {
	var reaction model.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", key.MessageID, key.UserID, key.Emoji).
		First(&reaction).Error
	if err != nil {
		return nil, err
	}
	return &reaction, nil
}

// Delete 删除表情回应
func (r *ReactionRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&model.Reaction{}, id).Error
}
