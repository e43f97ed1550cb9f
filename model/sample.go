package model

import "time"

// Sample 共享采样（音频文件本体存 MinIO，这里只存元数据）
type Sample struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	OwnerID     int64     `json:"ownerId" gorm:"index;not null"`
	Name        string    `json:"name" gorm:"size:100;not null"`
	ObjectKey   string    `json:"objectKey" gorm:"size:200;not null"`
	ContentType string    `json:"contentType" gorm:"size:50"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Sample) TableName() string {
	return "samples"
}
