package collaboration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"labelflow/internal/models"
	"labelflow/internal/presence"
)

// DefaultSweepInterval is how often an image's presence is checked for
// timed-out viewers.
const DefaultSweepInterval = 10 * time.Second

type sweepTask struct {
	owner  *Connection
	cancel context.CancelFunc
	done   chan struct{}
}

// Sweeper runs at most one presence-expiry loop per watched image. Each loop
// is owned by one connection; when the owner closes, ownership passes to
// another connection on the image, and the loop stops only when none is left.
type Sweeper struct {
	store        presence.Store
	hub          *Hub
	interval     time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*sweepTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(store presence.Store, hub *Hub, interval, storeTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:        store,
		hub:          hub,
		interval:     interval,
		storeTimeout: storeTimeout,
		logger:       logger.With("component", "sweeper"),
		tasks:        make(map[string]*sweepTask),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Ensure starts the loop for resourceID with owner unless one is running.
// It reports whether a new loop was started.
func (s *Sweeper) Ensure(resourceID string, owner *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if _, ok := s.tasks[resourceID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	task := &sweepTask{owner: owner, cancel: cancel, done: make(chan struct{})}
	s.tasks[resourceID] = task

	s.wg.Add(1)
	go s.run(ctx, resourceID, task.done)

	s.logger.Debug("sweep started", "image_id", resourceID, "owner", owner.ID)
	return true
}

// Release is called when conn closes. Non-owners are ignored. An owner hands
// the loop to a connection still on the image, or stops it when there is
// none; in that case Release returns after the loop has exited. conn must
// already be unregistered from the hub.
func (s *Sweeper) Release(resourceID string, conn *Connection) {
	s.mu.Lock()
	task, ok := s.tasks[resourceID]
	if !ok || task.owner != conn {
		s.mu.Unlock()
		return
	}

	for _, next := range s.hub.Connections(resourceID) {
		if next != conn {
			task.owner = next
			s.mu.Unlock()
			s.logger.Debug("sweep handed off", "image_id", resourceID, "owner", next.ID)
			return
		}
	}

	task.cancel()
	delete(s.tasks, resourceID)
	s.mu.Unlock()

	// Wait outside the lock: an in-flight sweep may take up to storeTimeout.
	<-task.done
	s.logger.Debug("sweep stopped", "image_id", resourceID)
}

// Running reports whether a loop exists for resourceID.
func (s *Sweeper) Running(resourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[resourceID]
	return ok
}

// Owner returns the connection currently responsible for resourceID's loop.
func (s *Sweeper) Owner(resourceID string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[resourceID]; ok {
		return task.owner
	}
	return nil
}

// Shutdown stops every loop and waits for them to exit.
func (s *Sweeper) Shutdown() {
	s.mu.Lock()
	s.cancel()
	s.tasks = make(map[string]*sweepTask)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper shut down")
}

func (s *Sweeper) run(ctx context.Context, resourceID string, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, resourceID)
		}
	}
}

// sweepOnce evicts timed-out viewers and broadcasts the new list only if
// somebody was removed. Failures end this iteration, never the loop.
func (s *Sweeper) sweepOnce(ctx context.Context, resourceID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "image_id", resourceID, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	removed, err := s.store.CleanupExpired(ctx, resourceID)
	if err != nil {
		s.logger.Warn("presence sweep failed", "image_id", resourceID, "error", err)
		return
	}
	if len(removed) == 0 {
		return
	}

	users, err := s.store.ActiveUsers(ctx, resourceID)
	if err != nil {
		s.logger.Warn("presence read failed, using connection view", "image_id", resourceID, "error", err)
		users = s.hub.ActiveUsers(resourceID)
	}

	s.logger.Info("viewers timed out", "image_id", resourceID, "removed", len(removed), "remaining", len(users))
	s.hub.Broadcast(resourceID, models.NewActiveUsersMessage(users), nil)
}
