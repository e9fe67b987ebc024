// Package protocol defines the JSON text-frame protocol spoken between
// the agent and the voice backend. Every frame is an object with a
// required "type" discriminator; the remaining fields are the payload
// for that type.
//
// Inbound frames decode into one concrete [Message] variant. Types the
// agent does not understand decode into [Unknown] rather than failing,
// so callers can log and drop them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/wonderland-agent/internal/pose"
)

// Type is the wire discriminator carried in every frame.
type Type string

// Known frame types.
const (
	TypeVoiceInput     Type = "VOICE_INPUT"
	TypeStateUpdate    Type = "STATE_UPDATE"
	TypeAudio          Type = "AUDIO"
	TypeAction         Type = "ACTION"
	TypeBrowserContent Type = "BROWSER_CONTENT"
	TypePhysicsUpdate  Type = "PHYSICS_UPDATE"
)

// Message is the sealed set of frame variants.
type Message interface {
	// Type returns the wire discriminator for the variant.
	Type() Type
	isMessage()
}

// VoiceInput carries a user or synthetic utterance to the backend.
type VoiceInput struct {
	Text string `json:"text"`
}

// StateUpdate is an inbound partial patch of the agent state.
type StateUpdate struct {
	State StatePatch `json:"state"`
}

// StateReport is the outbound STATE_UPDATE carrying the agent's pose
// snapshot. It shares the wire type with [StateUpdate] but has a
// different payload shape.
type StateReport struct {
	State Snapshot `json:"state"`
}

// Audio carries base64-encoded synthesized speech.
type Audio struct {
	Data string `json:"data"`
}

// Action is a generic outbound directive such as "rotate".
type Action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// BrowserContent is opaque browser output. It is only ever logged.
type BrowserContent struct {
	Raw json.RawMessage `json:"-"`
}

// PhysicsUpdate carries simulated object poses keyed by object ID.
type PhysicsUpdate struct {
	Objects map[string]PhysicsObject `json:"objects"`
}

// PhysicsObject is one entry of a [PhysicsUpdate].
type PhysicsObject struct {
	Position *pose.Vector3    `json:"position,omitempty"`
	Rotation *pose.Quaternion `json:"rotation,omitempty"`
}

// Unknown is any frame whose type the agent does not recognize.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

// StatePatch is a partial agent state. A nil pointer (or empty slice)
// means the field was absent from the frame and must be left alone.
type StatePatch struct {
	Position      *pose.Vector3    `json:"position,omitempty"`
	Rotation      *pose.Quaternion `json:"rotation,omitempty"`
	Speaking      *bool            `json:"speaking,omitempty"`
	Thinking      *bool            `json:"thinking,omitempty"`
	BrowserActive *bool            `json:"browser_active,omitempty"`
	CurrentModel  *string          `json:"current_model,omitempty"`
	Animations    []string         `json:"animations,omitempty"`
}

// Snapshot is the pose summary pushed to the backend on (re)connect and
// whenever an interaction starts.
type Snapshot struct {
	Position    pose.Vector3    `json:"position"`
	Rotation    pose.Quaternion `json:"rotation"`
	Animation   string          `json:"animation"`
	Interacting bool            `json:"interacting"`
}

func (VoiceInput) Type() Type     { return TypeVoiceInput }
func (StateUpdate) Type() Type    { return TypeStateUpdate }
func (StateReport) Type() Type    { return TypeStateUpdate }
func (Audio) Type() Type          { return TypeAudio }
func (Action) Type() Type         { return TypeAction }
func (BrowserContent) Type() Type { return TypeBrowserContent }
func (PhysicsUpdate) Type() Type  { return TypePhysicsUpdate }
func (u Unknown) Type() Type      { return Type(u.Kind) }

func (VoiceInput) isMessage()     {}
func (StateUpdate) isMessage()    {}
func (StateReport) isMessage()    {}
func (Audio) isMessage()          {}
func (Action) isMessage()         {}
func (BrowserContent) isMessage() {}
func (PhysicsUpdate) isMessage()  {}
func (Unknown) isMessage()        {}

// ErrMalformed is matched by every [MalformedMessageError].
var ErrMalformed = errors.New("malformed message")

// MalformedMessageError reports an inbound frame that could not be
// parsed. The frame should be logged and dropped.
type MalformedMessageError struct {
	Size int
	Err  error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message (%d bytes): %v", e.Size, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// Is reports ErrMalformed as a match so callers can use errors.Is.
func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformed }

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one inbound frame. Unrecognized types return an
// [Unknown] with a nil error; JSON failures and a missing type return a
// *[MalformedMessageError].
func Decode(frame []byte) (Message, error) {
	malformed := func(err error) error {
		return &MalformedMessageError{Size: len(frame), Err: err}
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, malformed(err)
	}
	if env.Type == "" {
		return nil, malformed(errors.New("missing type"))
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeVoiceInput:
		var m VoiceInput
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeStateUpdate:
		var m StateUpdate
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeAudio:
		var m Audio
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeAction:
		var m Action
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeBrowserContent:
		msg = BrowserContent{Raw: append(json.RawMessage(nil), frame...)}
	case TypePhysicsUpdate:
		var m PhysicsUpdate
		err = json.Unmarshal(frame, &m)
		msg = m
	default:
		msg = Unknown{Kind: string(env.Type), Raw: append(json.RawMessage(nil), frame...)}
	}
	if err != nil {
		return nil, malformed(fmt.Errorf("decode %s: %w", env.Type, err))
	}
	return msg, nil
}

// Encode renders a message as a single text frame.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case VoiceInput:
		return json.Marshal(struct {
			Type Type `json:"type"`
			VoiceInput
		}{m.Type(), m})
	case StateUpdate:
		return json.Marshal(struct {
			Type Type `json:"type"`
			StateUpdate
		}{m.Type(), m})
	case StateReport:
		return json.Marshal(struct {
			Type Type `json:"type"`
			StateReport
		}{m.Type(), m})
	case Audio:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Audio
		}{m.Type(), m})
	case Action:
		if m.Params == nil {
			m.Params = map[string]any{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			Action
		}{m.Type(), m})
	case PhysicsUpdate:
		return json.Marshal(struct {
			Type Type `json:"type"`
			PhysicsUpdate
		}{m.Type(), m})
	case BrowserContent:
		if len(m.Raw) > 0 {
			return m.Raw, nil
		}
		return json.Marshal(envelope{Type: m.Type()})
	case Unknown:
		if len(m.Raw) > 0 {
			return m.Raw, nil
		}
		return json.Marshal(envelope{Type: m.Type()})
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
}
