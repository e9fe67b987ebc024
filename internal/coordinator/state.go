package coordinator

import (
	"time"

	"github.com/nugget/wonderland-agent/internal/pose"
)

// Animation names understood by the avatar.
const (
	AnimIdle     = "idle"
	AnimWalking  = "walking"
	AnimTalking  = "talking"
	AnimThinking = "thinking"
	AnimBrowsing = "browsing"
	AnimWave     = "wave"
	AnimCurious  = "curious"
)

// idleAnimations is the pool the idle behavior picks from.
var idleAnimations = []string{AnimIdle, AnimCurious, AnimThinking}

// SenderUser marks chat entries the agent forwarded on a user's behalf.
const SenderUser = "user"

// ChatEntry is one line of the agent's chat history.
type ChatEntry struct {
	ID        string    `json:"id,omitempty"`
	Sender    string    `json:"sender"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentState is the coordinator's view of the agent. Callers only ever
// see copies.
type AgentState struct {
	Connected         bool            `json:"connected"`
	BackendConnected  bool            `json:"backend_connected"`
	Position          pose.Vector3    `json:"position"`
	Rotation          pose.Quaternion `json:"rotation"`
	Moving            bool            `json:"moving"`
	Speaking          bool            `json:"speaking"`
	Thinking          bool            `json:"thinking"`
	BrowserActive     bool            `json:"browser_active"`
	Animation         string          `json:"animation"`
	ActiveModel       string          `json:"active_model,omitempty"`
	LastInteractionAt time.Time       `json:"last_interaction_at"`
	ChatHistory       []ChatEntry     `json:"chat_history"`
}

func newAgentState() AgentState {
	return AgentState{
		Position:  pose.Origin,
		Rotation:  pose.Identity,
		Animation: AnimIdle,
	}
}

func (s AgentState) clone() AgentState {
	out := s
	out.ChatHistory = append([]ChatEntry(nil), s.ChatHistory...)
	return out
}

// Derive maps the activity flags to the animation they imply. Precedence
// is speaking, thinking, browsing, moving, then idle.
func Derive(moving, speaking, thinking, browsing bool) string {
	switch {
	case speaking:
		return AnimTalking
	case thinking:
		return AnimThinking
	case browsing:
		return AnimBrowsing
	case moving:
		return AnimWalking
	default:
		return AnimIdle
	}
}
