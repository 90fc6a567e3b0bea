package collaboration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"labelflow/internal/models"
)

// ErrNotRegistered is returned by SendTo for connections the hub has dropped.
var ErrNotRegistered = errors.New("connection is not registered")

// ErrSendQueueFull means the peer stopped draining its queue. The hub drops
// such connections.
var ErrSendQueueFull = errors.New("send queue full")

/*
Hub is the per-process fan-out registry: image id -> set of live
connections. It knows nothing about other processes or about presence;
ActiveUsers here is only what this process's sockets say.

Sends never block. A queue that is full (or a connection that is already
gone) counts as a disconnect of that one peer, which is dropped after the
broadcast has reached everybody else.
*/
type Hub struct {
	mu        sync.RWMutex
	resources map[string]map[*Connection]struct{}
	conns     map[*Connection]struct{}
	logger    *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		resources: make(map[string]map[*Connection]struct{}),
		conns:     make(map[*Connection]struct{}),
		logger:    logger.With("component", "hub"),
	}
}

// Register attaches conn to resourceID. Registering the same connection
// again is a no-op.
func (h *Hub) Register(conn *Connection, resourceID, userID, displayName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn]; ok {
		return
	}
	conn.ResourceID = resourceID
	conn.UserID = userID
	conn.DisplayName = displayName

	set, ok := h.resources[resourceID]
	if !ok {
		set = make(map[*Connection]struct{})
		h.resources[resourceID] = set
	}
	set[conn] = struct{}{}
	h.conns[conn] = struct{}{}

	h.logger.Debug("connection registered",
		"connection_id", conn.ID,
		"image_id", resourceID,
		"user_id", userID,
		"connections", len(set),
	)
}

// Unregister detaches conn and closes its send queue. Unknown or already
// removed connections are ignored.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unregisterLocked(conn)
}

func (h *Hub) unregisterLocked(conn *Connection) {
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	close(conn.send)

	set := h.resources[conn.ResourceID]
	delete(set, conn)
	if len(set) == 0 {
		delete(h.resources, conn.ResourceID)
	}

	h.logger.Debug("connection unregistered",
		"connection_id", conn.ID,
		"image_id", conn.ResourceID,
		"user_id", conn.UserID,
		"connections", len(set),
	)
}

// Broadcast queues msg for every connection on resourceID except excluding
// and returns how many connections it reached. msg is JSON-encoded unless it
// is already a []byte.
func (h *Hub) Broadcast(resourceID string, msg any, excluding *Connection) int {
	payload, err := encode(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "image_id", resourceID, "error", err)
		return 0
	}

	var (
		delivered int
		failed    []*Connection
	)

	h.mu.RLock()
	for conn := range h.resources[resourceID] {
		if conn == excluding {
			continue
		}
		select {
		case conn.send <- payload:
			delivered++
		default:
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.dropFailed(failed)
	}
	return delivered
}

// SendTo queues msg for a single connection. A full queue drops the
// connection, as in Broadcast.
func (h *Hub) SendTo(conn *Connection, msg any) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	_, registered := h.conns[conn]
	sent := false
	if registered {
		select {
		case conn.send <- payload:
			sent = true
		default:
		}
	}
	h.mu.RUnlock()

	if !registered {
		return ErrNotRegistered
	}
	if !sent {
		h.dropFailed([]*Connection{conn})
		return ErrSendQueueFull
	}
	return nil
}

func (h *Hub) dropFailed(conns []*Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range conns {
		h.logger.Warn("dropping unresponsive connection",
			"connection_id", conn.ID,
			"image_id", conn.ResourceID,
			"user_id", conn.UserID,
		)
		h.unregisterLocked(conn)
	}
}

// ActiveUsers is the connection-level view: one entry per user with at
// least one socket on resourceID here.
func (h *Hub) ActiveUsers(resourceID string) []models.ActiveUser {
	h.mu.RLock()
	seen := make(map[string]struct{})
	users := []models.ActiveUser{}
	for conn := range h.resources[resourceID] {
		if _, dup := seen[conn.UserID]; dup {
			continue
		}
		seen[conn.UserID] = struct{}{}
		users = append(users, models.ActiveUser{UserID: conn.UserID, Username: conn.DisplayName})
	}
	h.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

func (h *Hub) ConnectionCount(resourceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.resources[resourceID])
}

// Connections returns a snapshot of the connections on resourceID.
func (h *Hub) Connections(resourceID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Connection, 0, len(h.resources[resourceID]))
	for conn := range h.resources[resourceID] {
		out = append(out, conn)
	}
	return out
}

// Annotation events, sent by the annotation endpoints after a successful write.

func (h *Hub) BroadcastAnnotationCreated(resourceID string, annotation any, userID string, excluding *Connection) int {
	return h.Broadcast(resourceID, models.AnnotationMessage{
		Type:       models.MessageTypeAnnotationCreated,
		Annotation: annotation,
		UserID:     userID,
	}, excluding)
}

func (h *Hub) BroadcastAnnotationUpdated(resourceID string, annotation any, userID string, excluding *Connection) int {
	return h.Broadcast(resourceID, models.AnnotationMessage{
		Type:       models.MessageTypeAnnotationUpdated,
		Annotation: annotation,
		UserID:     userID,
	}, excluding)
}

func (h *Hub) BroadcastAnnotationDeleted(resourceID, annotationID, userID string, excluding *Connection) int {
	return h.Broadcast(resourceID, models.AnnotationMessage{
		Type:         models.MessageTypeAnnotationDeleted,
		AnnotationID: annotationID,
		UserID:       userID,
	}, excluding)
}

// Shutdown drops every connection. Their write pumps send a close frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.conns)
	for conn := range h.conns {
		h.unregisterLocked(conn)
	}
	h.logger.Info("hub shut down", "connections_closed", n)
}

func encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case []byte:
		return m, nil
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
		return b, nil
	}
}
