package repository

import (
	"context"
	"errors"
	"time"

	"im-chat/internal/model"

	"gorm.io/gorm"
)

// MessageRepository 消息数据仓储
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create 创建消息
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByID 根据ID获取消息，不存在时返回 gorm.ErrRecordNotFound
func (r *MessageRepository) GetByID(ctx context.Context, id uint) (*model.Message, error) {
	var message model.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

// ListBetween 获取两个用户之间在 now 时刻仍可见的消息（双向），按创建时间升序，时间相同按ID
func (r *MessageRepository) ListBetween(ctx context.Context, a, b uint, now time.Time) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

// counterpartExpr 以 userID 视角取消息的对方
const counterpartExpr = "CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END"

// UnreadRow 按对方聚合的未读数
type UnreadRow struct {
	CounterpartID uint
	Unread        int
}

// CountByCounterpart 按对方分组统计 userID 的可见消息未读数，每个有可见消息的对方一行
func (r *MessageRepository) CountByCounterpart(ctx context.Context, userID uint, now time.Time) ([]UnreadRow, error) {
	var rows []UnreadRow
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Select(counterpartExpr+" AS counterpart_id, "+
			"SUM(CASE WHEN receiver_id = ? AND is_read = ? THEN 1 ELSE 0 END) AS unread", userID, userID, false).
		Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Group("counterpart_id").
		Scan(&rows).Error
	return rows, err
}

// LatestByCounterpart 取 userID 每个会话中最新的一条可见消息（按创建时间，时间相同取ID大者）
func (r *MessageRepository) LatestByCounterpart(ctx context.Context, userID uint, now time.Time) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).Table("message AS m").
		Select("m.id, m.sender_id, m.receiver_id, m.created_at").
		Where("m.sender_id = ? OR m.receiver_id = ?", userID, userID).
		Where("m.expires_at IS NULL OR m.expires_at > ?", now).
		Where(`NOT EXISTS (SELECT 1 FROM message AS n
			WHERE ((n.sender_id = m.sender_id AND n.receiver_id = m.receiver_id)
				OR (n.sender_id = m.receiver_id AND n.receiver_id = m.sender_id))
			AND (n.expires_at IS NULL OR n.expires_at > ?)
			AND (n.created_at > m.created_at OR (n.created_at = m.created_at AND n.id > m.id)))`, now).
		Find(&messages).Error
	return messages, err
}

// MarkAsRead 标记消息为已读，返回是否发生了变化
func (r *MessageRepository) MarkAsRead(ctx context.Context, messageID uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND is_read = ?", messageID, false).
		Updates(map[string]interface{}{"is_read": true, "updated_at": at})
	return res.RowsAffected > 0, res.Error
}

// UnreadFrom 获取 sender 发给 receiver 的未读消息ID
func (r *MessageRepository) UnreadFrom(ctx context.Context, receiverID, senderID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND is_read = ?", receiverID, senderID, false).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// MarkManyAsRead 批量标记已读
func (r *MessageRepository) MarkManyAsRead(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id IN ? AND is_read = ?", ids, false).
		Updates(map[string]interface{}{"is_read": true, "updated_at": at}).Error
}

// ListByIDs 按ID批量获取
func (r *MessageRepository) ListByIDs(ctx context.Context, ids []uint) ([]model.Message, error) {
	var messages []model.Message
	if len(ids) == 0 {
		return messages, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&messages).Error
	return messages, err
}

// Delete 物理删除消息及其表情回应
func (r *MessageRepository) Delete(ctx context.Context, messageID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&model.Reaction{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Message{}, messageID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ListExpired 获取已过期的消息
func (r *MessageRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// DeleteMany 批量物理删除消息及其表情回应
func (r *MessageRepository) DeleteMany(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id IN ?", ids).Delete(&model.Reaction{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&model.Message{}).Error
	})
}

// isNotFound 是否为记录不存在
func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
