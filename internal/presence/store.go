// Package presence tracks which users are viewing which image, independently
// of any single websocket connection. A user can drop and reopen connections
// freely; only an explicit leave or a heartbeat timeout removes them.
package presence

import (
	"context"
	"sort"
	"time"

	"labelflow/internal/models"
)

// DefaultTimeout is how long an entry survives without a heartbeat.
const DefaultTimeout = 30 * time.Second

// Store is the presence authority. Implementations must make every
// operation atomic for a given (resource, user) pair and must treat
// entries with now - lastSeen > timeout as absent on every read path.
type Store interface {
	// Join records userID on resourceID and reports whether this is a new
	// join. An existing entry, stale or not, is refreshed and yields false.
	Join(ctx context.Context, resourceID, userID, displayName string) (bool, error)
	// Leave removes the entry and returns whether it existed and its name.
	// A stale entry not yet swept still counts as present: viewers have not
	// been told it is gone.
	Leave(ctx context.Context, resourceID, userID string) (bool, string, error)
	// Heartbeat refreshes last-seen. It returns false when the user is not
	// tracked (or had already gone stale) so the caller can re-join.
	Heartbeat(ctx context.Context, resourceID, userID string) (bool, error)
	// ActiveUsers lists fresh entries, evicting stale ones on the way.
	ActiveUsers(ctx context.Context, resourceID string) ([]models.ActiveUser, error)
	// CleanupExpired evicts stale entries and reports who was removed.
	CleanupExpired(ctx context.Context, resourceID string) ([]models.ActiveUser, error)
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock overrides the time source used for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sortUsers(users []models.ActiveUser) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].UserID < users[j].UserID
	})
}
