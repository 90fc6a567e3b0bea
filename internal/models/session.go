package models

import (
	"time"
)

// ActiveUser is one viewer of an image as reported to clients.
type ActiveUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// MessageType names a frame in the collaboration protocol.
type MessageType string

const (
	// Client -> server
	MessageTypeHeartbeat  MessageType = "heartbeat"
	MessageTypeLeave      MessageType = "leave"
	MessageTypeCursorMove MessageType = "cursor_move"
	MessageTypePing       MessageType = "ping"

	// Server -> client
	MessageTypePong              MessageType = "pong"
	MessageTypeActiveUsers       MessageType = "active_users"
	MessageTypeAnnotationCreated MessageType = "annotation_created"
	MessageTypeAnnotationUpdated MessageType = "annotation_updated"
	MessageTypeAnnotationDeleted MessageType = "annotation_deleted"
	MessageTypeImageLocked       MessageType = "image_locked"
	MessageTypeImageUnlocked     MessageType = "image_unlocked"
)

// ClientMessage is any inbound frame. Only cursor_move carries a payload.
type ClientMessage struct {
	Type MessageType `json:"type"`
	X    any         `json:"x,omitempty"`
	Y    any         `json:"y,omitempty"`
}

type ActiveUsersMessage struct {
	Type  MessageType  `json:"type"`
	Users []ActiveUser `json:"users"`
}

func NewActiveUsersMessage(users []ActiveUser) ActiveUsersMessage {
	if users == nil {
		users = []ActiveUser{}
	}
	return ActiveUsersMessage{Type: MessageTypeActiveUsers, Users: users}
}

type CursorMoveMessage struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	X        any         `json:"x"`
	Y        any         `json:"y"`
}

type PongMessage struct {
	Type MessageType `json:"type"`
}

// AnnotationMessage carries annotation_created/_updated (Annotation set) and
// annotation_deleted (AnnotationID set).
type AnnotationMessage struct {
	Type         MessageType `json:"type"`
	Annotation   any         `json:"annotation,omitempty"`
	AnnotationID string      `json:"annotation_id,omitempty"`
	UserID       string      `json:"user_id"`
}

type LockEventMessage struct {
	Type       MessageType `json:"type"`
	ImageID    string      `json:"image_id"`
	LockedBy   string      `json:"locked_by,omitempty"`
	UnlockedBy string      `json:"unlocked_by,omitempty"`
	Username   string      `json:"username"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}
