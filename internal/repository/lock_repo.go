package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelflow/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxAcquireAttempts bounds the insert/take-over/refresh cycle when the row
// keeps disappearing between statements (released by another process).
const maxAcquireAttempts = 3

// LockRepositoryImpl stores image locks. Every mutation is a single
// conditional statement so two processes can never both win the same image.
type LockRepositoryImpl struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) *LockRepositoryImpl {
	return &LockRepositoryImpl{db: db}
}

// TryAcquire grants the lock on imageID to userID when the image is unlocked,
// the current lock has expired, or userID already holds it. It returns the
// resulting lock row and true, or the live lock of another user and false.
func (r *LockRepositoryImpl) TryAcquire(ctx context.Context, imageID, userID string, now, expiresAt time.Time) (*models.ImageLock, bool, error) {
	now, expiresAt = now.UTC(), expiresAt.UTC()

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		lock := &models.ImageLock{
			ImageID:   imageID,
			LockedBy:  userID,
			LockedAt:  now,
			ExpiresAt: expiresAt,
		}

		// 1. No row yet: plain insert, the unique index arbitrates.
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "image_id"}}, DoNothing: true}).
			Create(lock)
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to insert lock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return lock, true, nil
		}

		// 2. Expired row: take it over.
		res = r.db.WithContext(ctx).Model(&models.ImageLock{}).
			Where("image_id = ? AND expires_at < ?", imageID, now).
			Updates(map[string]interface{}{
				"locked_by":  userID,
				"locked_at":  now,
				"expires_at": expiresAt,
			})
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to take over expired lock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return r.mustGet(ctx, imageID)
		}

		// 3. Our own live row: extend it.
		res = r.db.WithContext(ctx).Model(&models.ImageLock{}).
			Where("image_id = ? AND locked_by = ? AND expires_at >= ?", imageID, userID, now).
			Update("expires_at", expiresAt)
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to refresh lock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return r.mustGet(ctx, imageID)
		}

		held, err := r.GetByImageID(ctx, imageID)
		if err != nil {
			return nil, false, err
		}
		if held != nil {
			return held, false, nil
		}
		// Row was deleted between statements; go around again.
	}

	return nil, false, fmt.Errorf("failed to acquire lock on image %s: contention", imageID)
}

func (r *LockRepositoryImpl) mustGet(ctx context.Context, imageID string) (*models.ImageLock, bool, error) {
	lock, err := r.GetByImageID(ctx, imageID)
	if err != nil {
		return nil, false, err
	}
	if lock == nil {
		return nil, false, fmt.Errorf("lock on image %s vanished after write", imageID)
	}
	return lock, true, nil
}

// GetByImageID returns the lock row for imageID, or nil when there is none.
// Expiry is not checked here.
func (r *LockRepositoryImpl) GetByImageID(ctx context.Context, imageID string) (*models.ImageLock, error) {
	var lock models.ImageLock

	err := r.db.WithContext(ctx).First(&lock, "image_id = ?", imageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return &lock, nil
}

// ExtendHeldBy pushes expires_at forward if userID holds a live lock.
func (r *LockRepositoryImpl) ExtendHeldBy(ctx context.Context, imageID, userID string, now, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ImageLock{}).
		Where("image_id = ? AND locked_by = ? AND expires_at >= ?", imageID, userID, now.UTC()).
		Update("expires_at", expiresAt.UTC())
	if res.Error != nil {
		return false, fmt.Errorf("failed to extend lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteHeldBy removes the lock only if userID holds it.
func (r *LockRepositoryImpl) DeleteHeldBy(ctx context.Context, imageID, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("image_id = ? AND locked_by = ?", imageID, userID).
		Delete(&models.ImageLock{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release lock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteIfExpired removes the lock on imageID when its lease ran out before now.
func (r *LockRepositoryImpl) DeleteIfExpired(ctx context.Context, imageID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("image_id = ? AND expires_at < ?", imageID, now.UTC()).
		Delete(&models.ImageLock{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete expired lock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Delete removes the lock regardless of holder. Used for admin overrides.
func (r *LockRepositoryImpl) Delete(ctx context.Context, imageID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("image_id = ?", imageID).
		Delete(&models.ImageLock{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to force release lock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteExpired sweeps every lock whose lease ran out before now.
func (r *LockRepositoryImpl) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&models.ImageLock{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up expired locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteByUser drops every lock held by userID.
func (r *LockRepositoryImpl) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("locked_by = ?", userID).
		Delete(&models.ImageLock{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release user locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
