package repository

import (
	"context"

	"github.com/adewale/keyboardia-sub006/model"

	"gorm.io/gorm"
)

// SampleRepository 采样元数据访问接口
type SampleRepository interface {
	Create(ctx context.Context, sample *model.Sample) error
	GetByID(ctx context.Context, id string) (*model.Sample, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*model.Sample, error)
	Delete(ctx context.Context, id string, ownerID int64) error
}

// gormSampleRepository GORM 实现
type gormSampleRepository struct {
	db *gorm.DB
}

// NewGormSampleRepository 创建 GORM 采样仓库
func NewGormSampleRepository(db *gorm.DB) SampleRepository {
	return &gormSampleRepository{db: db}
}

// Create 创建采样记录
func (r *gormSampleRepository) Create(ctx context.Context, sample *model.Sample) error {
	return r.db.WithContext(ctx).Create(sample).Error
}

// GetByID 根据ID获取采样
func (r *gormSampleRepository) GetByID(ctx context.Context, id string) (*model.Sample, error) {
	var sample model.Sample
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sample).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

// ListByOwner 列出用户的采样
func (r *gormSampleRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*model.Sample, error) {
	var samples []*model.Sample
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&samples).Error
	return samples, err
}

// Delete 删除用户自己的采样记录
func (r *gormSampleRepository) Delete(ctx context.Context, id string, ownerID int64) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Delete(&model.Sample{}).Error
}
