package repository

import (
	"context"

	"im-chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ModerationRepository 拉黑与举报仓储
type ModerationRepository struct {
	db *gorm.DB
}

// NewModerationRepository 创建ModerationRepository实例
func NewModerationRepository(db *gorm.DB) *ModerationRepository {
	return &ModerationRepository{db: db}
}

// ListBlocks 获取用户拉黑的全部关系
func (r *ModerationRepository) ListBlocks(ctx context.Context, blockerID uint) ([]model.Block, error) {
	var blocks []model.Block
	err := r.db.WithContext(ctx).
		Where("blocker_id = ?", blockerID).
		Order("id ASC").
		Find(&blocks).Error
	return blocks, err
}

// BlockedEitherWay a 与 b 之间任意方向是否存在拉黑
func (r *ModerationRepository) BlockedEitherWay(ctx context.Context, a, b uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&count).Error
	return count > 0, err
}

// CreateBlock 创建拉黑关系，已存在时不做任何事，返回是否新建
func (r *ModerationRepository) CreateBlock(ctx context.Context, block *model.Block) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blocker_id"}, {Name: "blocked_id"}},
		DoNothing: true,
	}).Create(block)
	return res.RowsAffected > 0, res.Error
}

// FindBlock 查找拉黑关系
func (r *ModerationRepository) FindBlock(ctx context.Context, blockerID, blockedID uint) (*model.Block, error) {
	var block model.Block
	err := r.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		First(&block).Error
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// DeleteBlock 删除拉黑关系
func (r *ModerationRepository) DeleteBlock(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&model.Block{}, id).Error
}

// CreateReport 新增举报
func (r *ModerationRepository) CreateReport(ctx context.Context, report *model.Report) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// ListReports 获取用户提交的举报
func (r *ModerationRepository) ListReports(ctx context.Context, reporterID uint) ([]model.Report, error) {
	var reports []model.Report
	err := r.db.WithContext(ctx).
		Where("reporter_id = ?", reporterID).
		Order("id DESC").
		Find(&reports).Error
	return reports, err
}
