package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ImageLock grants one user exclusive edit rights on an image until ExpiresAt.
// The unique index on ImageID is what makes acquisition a single conditional
// insert.
type ImageLock struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	ImageID   string    `json:"image_id" gorm:"type:varchar(64);uniqueIndex;not null"`
	LockedBy  string    `json:"locked_by" gorm:"type:varchar(36);not null;index"`
	LockedAt  time.Time `json:"locked_at" gorm:"not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
}

// BeforeCreate hook generates KSUID before inserting
func (l *ImageLock) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = ksuid.New().String()
	}
	return nil
}

func (ImageLock) TableName() string {
	return "image_locks"
}

// Expired reports whether the lease has run out at now.
func (l *ImageLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// LockInfo is the API view of a lock with the holder's display name resolved.
type LockInfo struct {
	ImageID          string    `json:"image_id"`
	LockedBy         string    `json:"locked_by"`
	LockedByUsername string    `json:"locked_by_username"`
	LockedAt         time.Time `json:"locked_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}
