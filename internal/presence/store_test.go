package presence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"labelflow/internal/models"
	"labelflow/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 30 * time.Second

type storeFactory func(t *testing.T, clock *testutil.Clock) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock *testutil.Clock) Store {
			return NewMemoryStore(testTimeout, WithClock(clock.Now))
		},
		"redis": func(t *testing.T, clock *testutil.Clock) Store {
			_, client := testutil.NewRedis(t)
			return NewRedisStore(client, testTimeout, WithClock(clock.Now))
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store, clock *testutil.Clock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := testutil.NewClock(time.Time{})
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestJoinIsIdempotentAcrossReconnects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		isNew, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		assert.True(t, isNew)

		for i := 0; i < 3; i++ {
			clock.Advance(time.Second)
			isNew, err = store.Join(ctx, "img-1", "u-a", "alice")
			require.NoError(t, err)
			assert.False(t, isNew)
		}

		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, []models.ActiveUser{{UserID: "u-a", Username: "alice"}}, users)
	})
}

func TestJoinRefreshesDisplayName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		_, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		_, err = store.Join(ctx, "img-1", "u-a", "Alice L.")
		require.NoError(t, err)

		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "Alice L.", users[0].Username)
	})
}

func TestTimeoutEviction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		_, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		clock.Advance(20 * time.Second)
		_, err = store.Join(ctx, "img-1", "u-b", "bob")
		require.NoError(t, err)

		clock.Advance(testTimeout - 20*time.Second)
		removed, err := store.CleanupExpired(ctx, "img-1")
		require.NoError(t, err)
		assert.Empty(t, removed, "exactly at the timeout the entry is still fresh")

		clock.Advance(time.Millisecond)
		removed, err = store.CleanupExpired(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, []models.ActiveUser{{UserID: "u-a", Username: "alice"}}, removed)

		removed, err = store.CleanupExpired(ctx, "img-1")
		require.NoError(t, err)
		assert.Empty(t, removed, "a removal is reported once")

		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, []models.ActiveUser{{UserID: "u-b", Username: "bob"}}, users)
	})
}

func TestActiveUsersEvictsLazily(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		_, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		clock.Advance(testTimeout + time.Second)

		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		assert.Empty(t, users)

		removed, err := store.CleanupExpired(ctx, "img-1")
		require.NoError(t, err)
		assert.Empty(t, removed, "already evicted by the read")

		isNew, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		assert.True(t, isNew)
	})
}

func TestHeartbeat(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		ok, err := store.Heartbeat(ctx, "img-1", "u-a")
		require.NoError(t, err)
		assert.False(t, ok, "untracked user")

		_, err = store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			clock.Advance(20 * time.Second)
			ok, err = store.Heartbeat(ctx, "img-1", "u-a")
			require.NoError(t, err)
			assert.True(t, ok)
		}

		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		assert.Len(t, users, 1, "heartbeats keep the entry alive past the timeout")

		clock.Advance(testTimeout + time.Second)
		ok, err = store.Heartbeat(ctx, "img-1", "u-a")
		require.NoError(t, err)
		assert.False(t, ok, "stale entry is reaped instead of revived")
	})
}

func TestLeave(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		_, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)

		was, name, err := store.Leave(ctx, "img-1", "u-a")
		require.NoError(t, err)
		assert.True(t, was)
		assert.Equal(t, "alice", name)

		was, _, err = store.Leave(ctx, "img-1", "u-a")
		require.NoError(t, err)
		assert.False(t, was)

		isNew, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		assert.True(t, isNew)
	})
}

func TestLeaveOfStaleEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		_, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)
		clock.Advance(testTimeout + time.Second)

		// Not swept yet, so other viewers still list alice and the leave
		// must be reported for them to hear about it.
		was, name, err := store.Leave(ctx, "img-1", "u-a")
		require.NoError(t, err)
		assert.True(t, was)
		assert.Equal(t, "alice", name)

		removed, err := store.CleanupExpired(ctx, "img-1")
		require.NoError(t, err)
		assert.Empty(t, removed, "the departure is not reported twice")
	})
}

func TestLastWriteWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		_, err := store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)

		// A delayed write stamped earlier must not move last-seen backwards.
		now := clock.Now()
		clock.Set(now.Add(25 * time.Second))
		_, err = store.Heartbeat(ctx, "img-1", "u-a")
		require.NoError(t, err)
		clock.Set(now.Add(time.Second))
		_, err = store.Join(ctx, "img-1", "u-a", "alice")
		require.NoError(t, err)

		clock.Set(now.Add(40 * time.Second))
		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})
}

func TestResourcesAreIsolatedAndSorted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		for _, u := range []models.ActiveUser{{UserID: "u-3", Username: "carol"}, {UserID: "u-1", Username: "alice"}, {UserID: "u-2", Username: "bob"}} {
			_, err := store.Join(ctx, "img-1", u.UserID, u.Username)
			require.NoError(t, err)
		}
		_, err := store.Join(ctx, "img-2", "u-9", "zed")
		require.NoError(t, err)

		users, err := store.ActiveUsers(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, []models.ActiveUser{{UserID: "u-1", Username: "alice"}, {UserID: "u-2", Username: "bob"}, {UserID: "u-3", Username: "carol"}}, users)

		users, err = store.ActiveUsers(ctx, "img-unknown")
		require.NoError(t, err)
		assert.Empty(t, users)
	})
}

func TestConcurrentJoinSingleNewJoin(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, clock *testutil.Clock) {
		ctx := context.Background()

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fresh int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				isNew, err := store.Join(ctx, "img-1", "u-a", "alice")
				assert.NoError(t, err)
				if isNew {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, fresh)
	})
}

func TestRedisStoreErrorsWhenUnavailable(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	store := NewRedisStore(client, testTimeout)
	mr.Close()

	ctx := context.Background()
	_, err := store.Join(ctx, "img-1", "u-a", "alice")
	assert.Error(t, err)
	_, err = store.ActiveUsers(ctx, "img-1")
	assert.Error(t, err)
}

func TestRedisKeysExpire(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	store := NewRedisStore(client, testTimeout)

	_, err := store.Join(context.Background(), "img-1", "u-a", "alice")
	require.NoError(t, err)

	assert.True(t, mr.Exists("presence:image:{img-1}"))
	assert.Equal(t, 2*testTimeout, mr.TTL("presence:image:{img-1}"))
	assert.Equal(t, 2*testTimeout, mr.TTL("presence:image:{img-1}:seen"))
}

func TestRedisKeysShareHashSlot(t *testing.T) {
	ks := keys("img-1")
	require.Len(t, ks, 2)
	assert.Equal(t, "presence:image:{img-1}", ks[0])
	assert.Equal(t, "presence:image:{img-1}:seen", ks[1])

	slot := func(key string) string {
		start := strings.IndexByte(key, '{')
		end := strings.IndexByte(key[start+1:], '}')
		return key[start+1 : start+1+end]
	}
	assert.Equal(t, slot(ks[0]), slot(ks[1]))
}
