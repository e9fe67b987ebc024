// Package world connects the agent to the shared virtual world. The
// world server owns networking, physics, and rendering; this package
// only mirrors the entity table, relays chat, and forwards the agent's
// pose, animation, and audio.
package world

import (
	"time"

	"github.com/nugget/wonderland-agent/internal/pose"
	"github.com/nugget/wonderland-agent/internal/protocol"
)

// EntityTypeAvatar marks entities controlled by a player or agent.
const EntityTypeAvatar = "avatar"

// Entity is the agent's view of one world entity.
type Entity struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Name     string           `json:"name,omitempty"`
	Position *pose.Vector3    `json:"position,omitempty"`
	Rotation *pose.Quaternion `json:"rotation,omitempty"`
}

// ChatMessage is one line of world chat.
type ChatMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	FromID    string    `json:"fromId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// LifecycleKind names a session lifecycle transition.
type LifecycleKind string

// Lifecycle transitions emitted by a world session.
const (
	EventReady      LifecycleKind = "ready"
	EventKick       LifecycleKind = "kick"
	EventDisconnect LifecycleKind = "disconnect"
	EventDestroy    LifecycleKind = "destroy"
)

// LifecycleEvent is delivered on [Client.Lifecycle].
type LifecycleEvent struct {
	Kind   LifecycleKind
	Reason string
}

// Avatar is the set of setters the coordinator drives.
type Avatar interface {
	// SelfID returns the agent's own entity ID, or "" before ready.
	SelfID() string
	SetAnimation(name string)
	SetPosition(pos pose.Vector3)
	SetRotation(rot pose.Quaternion)
	// PlayAudio plays base64 audio at the given position.
	PlayAudio(data string, at pose.Vector3)
	UpdatePhysics(objects map[string]protocol.PhysicsObject)
}

// Roster exposes entity positions to the proximity watcher.
type Roster interface {
	// Self returns the agent's own entity once the session is ready.
	Self() (Entity, bool)
	// Entities returns a copy of every known entity, self included.
	Entities() []Entity
}
