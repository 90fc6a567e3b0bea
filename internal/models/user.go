package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the identity a bearer token resolves to. Accounts are managed
// elsewhere; this service only reads them (plus the bootstrap admin CLI).
type User struct {
	ID             string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Username       string    `json:"username" gorm:"type:varchar(100);uniqueIndex;not null"`
	Email          string    `json:"email" gorm:"type:varchar(255);index"`
	HashedPassword string    `json:"-" gorm:"type:varchar(255)"`
	IsActive       bool      `json:"is_active" gorm:"not null"`
	IsAdmin        bool      `json:"is_admin" gorm:"not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate hook generates a UUID before inserting
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (User) TableName() string {
	return "users"
}
