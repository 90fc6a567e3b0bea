package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"labelflow/internal/middleware"
	"labelflow/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultLockLease is how long an acquire or refresh keeps an image locked.
const DefaultLockLease = 30 * time.Minute

const unknownHolder = "Unknown"

var (
	ErrLockHeld     = errors.New("image is locked by another user")
	ErrNotLockOwner = errors.New("lock is held by another user")
	ErrNoLock       = errors.New("no lock exists")
	ErrForbidden    = errors.New("force release requires admin rights")
)

// LockConflictError is the expected negative outcome of a lock operation.
// Message is meant for display; Err is one of the sentinels above.
type LockConflictError struct {
	Err        error
	Message    string
	HolderID   string
	HolderName string
}

func (e *LockConflictError) Error() string { return e.Message }

func (e *LockConflictError) Unwrap() error { return e.Err }

/*
Lock lifecycle per image:

	Unlocked --Acquire--> Locked(holder, expiresAt) --Release/expiry--> Unlocked
	                                                 --expiry + Acquire(other)--> Locked(other, ...)

Expiry is never acted on by a timer. Every read compares expires_at with the
clock, and expired rows are deleted by whoever notices first.
*/

// LockService grants exclusive, lease-bounded edit rights on images.
type LockService struct {
	locks  LockRepository
	users  UserLookup
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewLockService(locks LockRepository, users UserLookup, lease time.Duration, logger *slog.Logger) *LockService {
	if lease <= 0 {
		lease = DefaultLockLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockService{
		locks:  locks,
		users:  users,
		lease:  lease,
		now:    time.Now,
		logger: logger.With("component", "lock_service"),
	}
}

// SetClock replaces the time source. Tests only.
func (s *LockService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *LockService) Lease() time.Duration {
	return s.lease
}

func (s *LockService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Acquire locks imageID for user. Re-acquiring your own live lock extends it.
// When another user holds a live lock, ok is false, the current lock is
// returned untouched and err is a *LockConflictError wrapping ErrLockHeld.
func (s *LockService) Acquire(ctx context.Context, imageID string, user *models.User) (bool, *models.ImageLock, error) {
	ctx, span := middleware.StartSpan(ctx, "LockService.Acquire",
		attribute.String("image.id", imageID),
		attribute.String("user.id", user.ID),
	)
	defer span.End()

	now := s.clock()
	lock, ok, err := s.locks.TryAcquire(ctx, imageID, user.ID, now, now.Add(s.lease))
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return false, nil, err
	}
	if ok {
		s.logger.Info("lock acquired", "image_id", imageID, "user_id", user.ID, "expires_at", lock.ExpiresAt)
		return true, lock, nil
	}

	name := s.holderName(ctx, lock.LockedBy)
	return false, lock, &LockConflictError{
		Err:        ErrLockHeld,
		Message:    fmt.Sprintf("Image is locked by %s", name),
		HolderID:   lock.LockedBy,
		HolderName: name,
	}
}

// Release drops the lock on imageID. Releasing an image nobody holds
// succeeds. force lets an admin drop another user's lock.
func (s *LockService) Release(ctx context.Context, imageID string, user *models.User, force bool) (bool, error) {
	ctx, span := middleware.StartSpan(ctx, "LockService.Release",
		attribute.String("image.id", imageID),
		attribute.String("user.id", user.ID),
		attribute.Bool("force", force),
	)
	defer span.End()

	lock, err := s.locks.GetByImageID(ctx, imageID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return false, err
	}
	if lock == nil {
		return true, nil
	}

	if lock.Expired(s.clock()) {
		if _, err := s.locks.DeleteIfExpired(ctx, imageID, s.clock()); err != nil {
			return false, err
		}
		return true, nil
	}

	if lock.LockedBy == user.ID {
		deleted, err := s.locks.DeleteHeldBy(ctx, imageID, user.ID)
		if err != nil {
			return false, err
		}
		if deleted {
			s.logger.Info("lock released", "image_id", imageID, "user_id", user.ID)
			return true, nil
		}
		// Lost a race with expiry + takeover; report whoever holds it now.
		if lock, err = s.locks.GetByImageID(ctx, imageID); err != nil {
			return false, err
		}
		if lock == nil {
			return true, nil
		}
	}

	name := s.holderName(ctx, lock.LockedBy)
	if !force {
		return false, &LockConflictError{
			Err:        ErrNotLockOwner,
			Message:    fmt.Sprintf("Cannot unlock - locked by %s", name),
			HolderID:   lock.LockedBy,
			HolderName: name,
		}
	}
	if !user.IsAdmin {
		s.logger.Warn("force release refused", "image_id", imageID, "user_id", user.ID)
		return false, &LockConflictError{
			Err:        ErrForbidden,
			Message:    fmt.Sprintf("Cannot unlock - locked by %s", name),
			HolderID:   lock.LockedBy,
			HolderName: name,
		}
	}

	if _, err := s.locks.Delete(ctx, imageID); err != nil {
		return false, err
	}
	s.logger.Info("lock force released", "image_id", imageID, "admin_id", user.ID, "holder_id", lock.LockedBy)
	return true, nil
}

// Refresh extends the caller's own lock. It never acquires.
func (s *LockService) Refresh(ctx context.Context, imageID string, user *models.User) (bool, error) {
	ctx, span := middleware.StartSpan(ctx, "LockService.Refresh",
		attribute.String("image.id", imageID),
		attribute.String("user.id", user.ID),
	)
	defer span.End()

	now := s.clock()
	extended, err := s.locks.ExtendHeldBy(ctx, imageID, user.ID, now, now.Add(s.lease))
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return false, err
	}
	if extended {
		return true, nil
	}

	lock, err := s.Get(ctx, imageID)
	if err != nil {
		return false, err
	}
	if lock == nil || lock.LockedBy == user.ID {
		// Missing, or ours but already expired and reaped.
		return false, &LockConflictError{Err: ErrNoLock, Message: "No lock exists"}
	}
	name := s.holderName(ctx, lock.LockedBy)
	return false, &LockConflictError{
		Err:        ErrNotLockOwner,
		Message:    "You don't own this lock",
		HolderID:   lock.LockedBy,
		HolderName: name,
	}
}

// Get returns the live lock on imageID, or nil. An expired lock is deleted
// on the way out.
func (s *LockService) Get(ctx context.Context, imageID string) (*models.ImageLock, error) {
	lock, err := s.locks.GetByImageID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, nil
	}

	now := s.clock()
	if lock.Expired(now) {
		if _, err := s.locks.DeleteIfExpired(ctx, imageID, now); err != nil {
			s.logger.Warn("failed to reap expired lock", "image_id", imageID, "error", err)
		}
		return nil, nil
	}
	return lock, nil
}

// CleanupExpired deletes every expired lock and returns how many went.
func (s *LockService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.locks.DeleteExpired(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired locks cleaned up", "count", n)
	}
	return n, nil
}

// ReleaseUserLocks drops every lock held by userID.
func (s *LockService) ReleaseUserLocks(ctx context.Context, userID string) (int64, error) {
	n, err := s.locks.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("user locks released", "user_id", userID, "count", n)
	return n, nil
}

// Describe resolves the holder's display name for API responses.
func (s *LockService) Describe(ctx context.Context, lock *models.ImageLock) *models.LockInfo {
	if lock == nil {
		return nil
	}
	return &models.LockInfo{
		ImageID:          lock.ImageID,
		LockedBy:         lock.LockedBy,
		LockedByUsername: s.holderName(ctx, lock.LockedBy),
		LockedAt:         lock.LockedAt,
		ExpiresAt:        lock.ExpiresAt,
	}
}

func (s *LockService) holderName(ctx context.Context, userID string) string {
	if s.users == nil {
		return unknownHolder
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return unknownHolder
	}
	return user.Username
}
