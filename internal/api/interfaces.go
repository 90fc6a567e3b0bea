package api

import (
	"context"

	"labelflow/internal/models"
	"labelflow/internal/services/collaboration"
)

// Interfaces for what the handlers call, declared here by the consumer.

// LockService is satisfied by services.LockService.
type LockService interface {
	Acquire(ctx context.Context, imageID string, user *models.User) (bool, *models.ImageLock, error)
	Release(ctx context.Context, imageID string, user *models.User, force bool) (bool, error)
	Refresh(ctx context.Context, imageID string, user *models.User) (bool, error)
	Get(ctx context.Context, imageID string) (*models.ImageLock, error)
	CleanupExpired(ctx context.Context) (int64, error)
	ReleaseUserLocks(ctx context.Context, userID string) (int64, error)
	Describe(ctx context.Context, lock *models.ImageLock) *models.LockInfo
}

// Broadcaster is the part of the connection hub the HTTP side uses.
type Broadcaster interface {
	Broadcast(resourceID string, msg any, excluding *collaboration.Connection) int
	ActiveUsers(resourceID string) []models.ActiveUser
	ConnectionCount(resourceID string) int
}

// Pinger is a dependency the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
