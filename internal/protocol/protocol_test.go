package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nugget/wonderland-agent/internal/pose"
)

func TestDecode_StateUpdatePartial(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"STATE_UPDATE","state":{"speaking":true,"position":[1,2,3]}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	su, ok := msg.(StateUpdate)
	if !ok {
		t.Fatalf("Decode returned %T, want StateUpdate", msg)
	}
	p := su.State
	if p.Speaking == nil || !*p.Speaking {
		t.Errorf("Speaking = %v, want true", p.Speaking)
	}
	if p.Position == nil || *p.Position != (pose.Vector3{1, 2, 3}) {
		t.Errorf("Position = %v, want [1 2 3]", p.Position)
	}
	if p.Thinking != nil || p.BrowserActive != nil || p.Rotation != nil || p.CurrentModel != nil {
		t.Errorf("absent fields should stay nil, got %+v", p)
	}
	if len(p.Animations) != 0 {
		t.Errorf("Animations = %v, want empty", p.Animations)
	}
}

func TestDecode_FalseIsPresent(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"STATE_UPDATE","state":{"thinking":false}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	p := msg.(StateUpdate).State
	if p.Thinking == nil {
		t.Fatal("thinking:false decoded as absent")
	}
	if *p.Thinking {
		t.Error("thinking = true, want false")
	}
}

func TestDecode_Variants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		frame string
		want  Type
	}{
		{`{"type":"AUDIO","data":"aGVsbG8="}`, TypeAudio},
		{`{"type":"BROWSER_CONTENT","url":"https://example.com"}`, TypeBrowserContent},
		{`{"type":"PHYSICS_UPDATE","objects":{"ball":{"position":[0,1,0]}}}`, TypePhysicsUpdate},
		{`{"type":"VOICE_INPUT","text":"hi"}`, TypeVoiceInput},
		{`{"type":"ACTION","action":"rotate","params":{}}`, TypeAction},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.frame))
		if err != nil {
			t.Errorf("Decode(%s) error: %v", tt.frame, err)
			continue
		}
		if msg.Type() != tt.want {
			t.Errorf("Decode(%s).Type() = %s, want %s", tt.frame, msg.Type(), tt.want)
		}
	}
}

func TestDecode_Unknown(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"TELEPORT","where":"tea party"}`))
	if err != nil {
		t.Fatalf("unknown type should not error, got %v", err)
	}
	u, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("Decode returned %T, want Unknown", msg)
	}
	if u.Kind != "TELEPORT" {
		t.Errorf("Kind = %q, want TELEPORT", u.Kind)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{
		`not json`,
		`{"state":{}}`,
		`{"type":"STATE_UPDATE","state":{"speaking":"yes"}}`,
	} {
		_, err := Decode([]byte(frame))
		if err == nil {
			t.Errorf("Decode(%q) = nil error, want malformed", frame)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) error %v is not ErrMalformed", frame, err)
		}
		var me *MalformedMessageError
		if !errors.As(err, &me) || me.Size != len(frame) {
			t.Errorf("Decode(%q) error = %#v, want *MalformedMessageError with size %d", frame, err, len(frame))
		}
	}
}

func TestEncode_Envelope(t *testing.T) {
	t.Parallel()

	frame, err := Encode(StateReport{State: Snapshot{
		Position:    pose.Vector3{1, 0, 2},
		Rotation:    pose.Identity,
		Animation:   "idle",
		Interacting: true,
	}})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "STATE_UPDATE" {
		t.Errorf("type = %v, want STATE_UPDATE", got["type"])
	}
	state, ok := got["state"].(map[string]any)
	if !ok {
		t.Fatalf("state = %T, want object", got["state"])
	}
	if state["animation"] != "idle" || state["interacting"] != true {
		t.Errorf("state = %v", state)
	}
}

func TestEncode_ActionDefaultsParams(t *testing.T) {
	t.Parallel()

	frame, err := Encode(Action{Action: "wave"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(frame) != `{"type":"ACTION","action":"wave","params":{}}` {
		t.Errorf("frame = %s", frame)
	}
}

func TestEncode_VoiceInput(t *testing.T) {
	t.Parallel()

	frame, err := Encode(VoiceInput{Text: "Curiouser and curiouser!"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(frame) != `{"type":"VOICE_INPUT","text":"Curiouser and curiouser!"}` {
		t.Errorf("frame = %s", frame)
	}
}
