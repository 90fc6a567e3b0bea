package services

import (
	"context"
	"time"

	"labelflow/internal/models"
)

// Repository interfaces are declared here, next to their only consumer.
// The gorm implementations in internal/repository return concrete types.

// LockRepository is what the lock service needs from lock storage. Every
// method must be a single conditional write or read.
type LockRepository interface {
	TryAcquire(ctx context.Context, imageID, userID string, now, expiresAt time.Time) (*models.ImageLock, bool, error)
	GetByImageID(ctx context.Context, imageID string) (*models.ImageLock, error)
	ExtendHeldBy(ctx context.Context, imageID, userID string, now, expiresAt time.Time) (bool, error)
	DeleteHeldBy(ctx context.Context, imageID, userID string) (bool, error)
	DeleteIfExpired(ctx context.Context, imageID string, now time.Time) (bool, error)
	Delete(ctx context.Context, imageID string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// UserLookup resolves lock holders to display names.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}
