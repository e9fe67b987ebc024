package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wonderland-agent/internal/backend"
	"github.com/nugget/wonderland-agent/internal/character"
	"github.com/nugget/wonderland-agent/internal/events"
	"github.com/nugget/wonderland-agent/internal/pose"
	"github.com/nugget/wonderland-agent/internal/protocol"
	"github.com/nugget/wonderland-agent/internal/world"
)

type fakeWorld struct {
	mu         sync.Mutex
	selfID     string
	animations []string
	positions  []pose.Vector3
	rotations  []pose.Quaternion
	audio      []string
	physics    []map[string]protocol.PhysicsObject
}

func (w *fakeWorld) SelfID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selfID
}

func (w *fakeWorld) SetAnimation(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.animations = append(w.animations, name)
}

func (w *fakeWorld) SetPosition(pos pose.Vector3) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions = append(w.positions, pos)
}

func (w *fakeWorld) SetRotation(rot pose.Quaternion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotations = append(w.rotations, rot)
}

func (w *fakeWorld) PlayAudio(data string, _ pose.Vector3) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audio = append(w.audio, data)
}

func (w *fakeWorld) UpdatePhysics(objects map[string]protocol.PhysicsObject) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.physics = append(w.physics, objects)
}

func (w *fakeWorld) counts() (anims, positions, rotations int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.animations), len(w.positions), len(w.rotations)
}

type fakeLink struct {
	mu         sync.Mutex
	connectErr error
	sent       []protocol.Message
	connects   int
	closed     bool
	handler    backend.Handler
	status     func(bool)
	snapshot   func() protocol.Snapshot
}

func (l *fakeLink) URL() string { return "ws://backend.test" }

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	l.connects++
	err := l.connectErr
	status := l.status
	l.mu.Unlock()
	if err == nil && status != nil {
		status(true)
	}
	return err
}

func (l *fakeLink) Send(msg protocol.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) OnMessage(h backend.Handler)                { l.handler = h }
func (l *fakeLink) OnStatus(f func(bool))                      { l.status = f }
func (l *fakeLink) SetSnapshotFunc(f func() protocol.Snapshot) { l.snapshot = f }

func (l *fakeLink) messages() []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Message(nil), l.sent...)
}

func (l *fakeLink) count(typ protocol.Type) int {
	n := 0
	for _, m := range l.messages() {
		if m.Type() == typ {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastTimings() Timings {
	return Timings{
		MoveDuration:          20 * time.Millisecond,
		GreetingDuration:      20 * time.Millisecond,
		InteractionWindow:     time.Minute,
		IdleAnimationInterval: time.Hour,
		IdleRevert:            20 * time.Millisecond,
		LookAroundInterval:    time.Hour,
	}
}

type harness struct {
	c     *Coordinator
	world *fakeWorld
	link  *fakeLink
	clock *clock
}

func newHarness(t *testing.T, timings Timings) *harness {
	t.Helper()
	w := &fakeWorld{selfID: "self"}
	l := &fakeLink{}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Config{
		Character: &character.Character{Name: "Alice", Greetings: []string{"Hello!"}},
		Timings:   timings,
	}, w, l, nil, quietLogger())
	c.nowFunc = clk.Now
	c.pickFunc = func(int) int { return 0 }
	t.Cleanup(func() { c.Stop() })
	return &harness{c: c, world: w, link: l, clock: clk}
}

// connect simulates the backend link coming up.
func (h *harness) connect() { h.link.status(true) }

func boolPtr(b bool) *bool { return &b }

func TestDerive(t *testing.T) {
	tests := []struct {
		moving, speaking, thinking, browsing bool
		want                                 string
	}{
		{false, false, false, false, AnimIdle},
		{true, false, false, false, AnimWalking},
		{false, false, false, true, AnimBrowsing},
		{true, false, false, true, AnimBrowsing},
		{false, false, true, false, AnimThinking},
		{true, false, true, true, AnimThinking},
		{false, true, false, false, AnimTalking},
		{false, true, true, false, AnimTalking},
		{true, true, true, true, AnimTalking},
		{true, true, false, true, AnimTalking},
	}
	for _, tt := range tests {
		got := Derive(tt.moving, tt.speaking, tt.thinking, tt.browsing)
		if got != tt.want {
			t.Errorf("Derive(moving=%v, speaking=%v, thinking=%v, browsing=%v) = %q, want %q",
				tt.moving, tt.speaking, tt.thinking, tt.browsing, got, tt.want)
		}
	}
}

func TestApplyBackendState_SpeakingOverridesThinking(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.c.ApplyBackendState(protocol.StatePatch{Thinking: boolPtr(true)})
	if got := h.c.Animation(); got != AnimThinking {
		t.Fatalf("animation = %q, want %q", got, AnimThinking)
	}

	h.c.ApplyBackendState(protocol.StatePatch{Speaking: boolPtr(true)})
	st := h.c.State()
	if st.Animation != AnimTalking {
		t.Errorf("animation = %q, want %q", st.Animation, AnimTalking)
	}
	if !st.Thinking {
		t.Error("thinking should stay true until cleared")
	}
}

func TestApplyBackendState_FallsThrough(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.c.ApplyBackendState(protocol.StatePatch{Speaking: boolPtr(true), BrowserActive: boolPtr(true)})
	if got := h.c.Animation(); got != AnimTalking {
		t.Fatalf("animation = %q, want %q", got, AnimTalking)
	}

	h.c.ApplyBackendState(protocol.StatePatch{Speaking: boolPtr(false)})
	if got := h.c.Animation(); got != AnimBrowsing {
		t.Errorf("animation = %q, want %q", got, AnimBrowsing)
	}

	h.c.ApplyBackendState(protocol.StatePatch{BrowserActive: boolPtr(false)})
	if got := h.c.Animation(); got != AnimIdle {
		t.Errorf("animation = %q, want %q", got, AnimIdle)
	}
}

func TestApplyBackendState_AbsentFieldsUntouched(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.c.ApplyBackendState(protocol.StatePatch{Thinking: boolPtr(true)})
	model := "gpt-test"
	h.c.ApplyBackendState(protocol.StatePatch{CurrentModel: &model})

	before := h.c.State()
	anims, positions, rotations := h.world.counts()

	h.c.ApplyBackendState(protocol.StatePatch{})

	if after := h.c.State(); !reflect.DeepEqual(before, after) {
		t.Errorf("state changed by empty patch:\nbefore %+v\nafter  %+v", before, after)
	}
	a2, p2, r2 := h.world.counts()
	if a2 != anims || p2 != positions || r2 != rotations {
		t.Errorf("world calls changed by empty patch: %d/%d/%d -> %d/%d/%d", anims, positions, rotations, a2, p2, r2)
	}
}

func TestApplyBackendState_EqualPoseIsNoop(t *testing.T) {
	h := newHarness(t, fastTimings())

	pos := pose.Origin
	rot := pose.Identity
	h.c.ApplyBackendState(protocol.StatePatch{Position: &pos, Rotation: &rot})

	st := h.c.State()
	if st.Moving {
		t.Error("equal position should not start a move")
	}
	if _, positions, rotations := h.world.counts(); positions != 0 || rotations != 0 {
		t.Errorf("world pose calls = %d/%d, want 0/0", positions, rotations)
	}
}

func TestApplyBackendState_PositionWalksThenIdles(t *testing.T) {
	h := newHarness(t, fastTimings())

	pos := pose.Vector3{1, 0, 2}
	h.c.ApplyBackendState(protocol.StatePatch{Position: &pos})

	st := h.c.State()
	if !st.Moving || st.Animation != AnimWalking {
		t.Fatalf("moving=%v animation=%q, want true/%q", st.Moving, st.Animation, AnimWalking)
	}
	if st.Position != pos {
		t.Errorf("position = %v, want %v", st.Position, pos)
	}

	time.Sleep(80 * time.Millisecond)

	st = h.c.State()
	if st.Moving {
		t.Error("move should have finished")
	}
	if st.Animation != AnimIdle {
		t.Errorf("animation = %q, want %q", st.Animation, AnimIdle)
	}

	// Same position again: nothing new.
	h.c.ApplyBackendState(protocol.StatePatch{Position: &pos})
	if _, positions, _ := h.world.counts(); positions != 1 {
		t.Errorf("SetPosition calls = %d, want 1", positions)
	}
}

func TestMoveToPosition_KeepsTalkingAfterArrival(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.c.MoveToPosition(pose.Vector3{3, 0, 3})
	h.c.ApplyBackendState(protocol.StatePatch{Speaking: boolPtr(true)})

	time.Sleep(80 * time.Millisecond)

	st := h.c.State()
	if st.Moving {
		t.Error("move should have finished")
	}
	if st.Animation != AnimTalking {
		t.Errorf("animation = %q, want %q", st.Animation, AnimTalking)
	}
}

func TestApplyBackendState_ExplicitAnimationOverride(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.c.ApplyBackendState(protocol.StatePatch{Thinking: boolPtr(true), Animations: []string{"dance", "jump"}})
	if got := h.c.Animation(); got != "dance" {
		t.Fatalf("animation = %q, want dance", got)
	}

	h.c.ApplyBackendState(protocol.StatePatch{Speaking: boolPtr(true)})
	if got := h.c.Animation(); got != AnimTalking {
		t.Errorf("animation after flag change = %q, want %q", got, AnimTalking)
	}
}

func TestApplyBackendState_CurrentModel(t *testing.T) {
	h := newHarness(t, fastTimings())

	model := "claude-local"
	h.c.ApplyBackendState(protocol.StatePatch{CurrentModel: &model})
	if got := h.c.State().ActiveModel; got != model {
		t.Errorf("active model = %q, want %q", got, model)
	}

	empty := ""
	h.c.ApplyBackendState(protocol.StatePatch{CurrentModel: &empty})
	if got := h.c.State().ActiveModel; got != model {
		t.Errorf("empty model should be ignored, got %q", got)
	}
}

func TestSetAnimation_Idempotent(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.c.SetAnimation(AnimIdle)
	h.c.SetAnimation(AnimCurious)
	h.c.SetAnimation(AnimCurious)

	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	if !reflect.DeepEqual(h.world.animations, []string{AnimCurious}) {
		t.Errorf("world animations = %v, want [curious]", h.world.animations)
	}
}

func TestOnPlayerNearby_GreetsOnce(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()

	actorA := world.Entity{ID: "a", Name: "Ann", Type: world.EntityTypeAvatar, Position: &pose.Vector3{3, 0, 0}}
	actorB := world.Entity{ID: "b", Name: "Bob", Type: world.EntityTypeAvatar, Position: &pose.Vector3{0, 0, 2}}

	h.c.OnPlayerNearby(actorA, 3)
	h.clock.Advance(10 * time.Second)
	h.c.OnPlayerNearby(actorB, 2)

	if n := h.link.count(protocol.TypeVoiceInput); n != 1 {
		t.Fatalf("VOICE_INPUT sent %d times, want 1", n)
	}
	if n := h.link.count(protocol.TypeAction); n != 1 {
		t.Errorf("ACTION sent %d times, want 1", n)
	}

	want, _ := pose.LookRotation(pose.Origin, *actorA.Position)
	if got := h.c.State().Rotation; got != want {
		t.Errorf("rotation = %v, want %v", got, want)
	}
	if got := h.c.Animation(); got != AnimWave {
		t.Errorf("animation = %q, want %q", got, AnimWave)
	}
	if !h.c.IsInteracting() {
		t.Error("should be interacting after a greeting")
	}

	var voice protocol.VoiceInput
	var report protocol.StateReport
	for _, m := range h.link.messages() {
		switch m := m.(type) {
		case protocol.VoiceInput:
			voice = m
		case protocol.StateReport:
			report = m
		}
	}
	if voice.Text != "Hello!" {
		t.Errorf("greeting = %q, want %q", voice.Text, "Hello!")
	}
	if !report.State.Interacting {
		t.Error("state echo should report interacting")
	}
}

func TestOnPlayerNearby_GreetsAgainAfterWindow(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()

	actor := world.Entity{ID: "a", Position: &pose.Vector3{1, 0, 1}}
	h.c.OnPlayerNearby(actor, 1.4)
	h.clock.Advance(61 * time.Second)
	h.c.OnPlayerNearby(actor, 1.4)

	if n := h.link.count(protocol.TypeVoiceInput); n != 2 {
		t.Errorf("VOICE_INPUT sent %d times, want 2", n)
	}
}

func TestOnPlayerNearby_ResetsToIdle(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()

	h.c.OnPlayerNearby(world.Entity{ID: "a", Position: &pose.Vector3{0, 0, 1}}, 1)
	time.Sleep(80 * time.Millisecond)
	if got := h.c.Animation(); got != AnimIdle {
		t.Errorf("animation = %q, want %q", got, AnimIdle)
	}
}

func TestOnPlayerNearby_StaysTalking(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()

	h.c.OnPlayerNearby(world.Entity{ID: "a", Position: &pose.Vector3{0, 0, 1}}, 1)
	h.c.ApplyBackendState(protocol.StatePatch{Speaking: boolPtr(true)})
	time.Sleep(80 * time.Millisecond)
	if got := h.c.Animation(); got != AnimTalking {
		t.Errorf("animation = %q, want %q", got, AnimTalking)
	}
}

func TestOnPlayerNearby_CoincidentActorSkipsRotation(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()

	h.c.OnPlayerNearby(world.Entity{ID: "a", Position: &pose.Vector3{0, 5, 0}}, 0)

	if n := h.link.count(protocol.TypeAction); n != 0 {
		t.Errorf("ACTION sent %d times, want 0", n)
	}
	if n := h.link.count(protocol.TypeVoiceInput); n != 1 {
		t.Errorf("VOICE_INPUT sent %d times, want 1", n)
	}
}

func TestHandleChat(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()

	h.c.HandleChat(world.ChatMessage{ID: "m0", From: "Alice", FromID: "self", Body: "talking to myself"})
	if n := h.link.count(protocol.TypeVoiceInput); n != 0 {
		t.Fatalf("own chat forwarded %d times", n)
	}

	h.c.HandleChat(world.ChatMessage{ID: "m1", From: "Ann", FromID: "a", Body: "hi alice"})
	h.c.HandleChat(world.ChatMessage{ID: "m2", From: "Bob", FromID: "b", Body: "how are you"})

	hist := h.c.ChatHistory()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].ID != "m1" || hist[0].Text != "hi alice" || hist[0].Sender != SenderUser || hist[0].Author != "Ann" {
		t.Errorf("hist[0] = %+v", hist[0])
	}
	if hist[1].ID != "m2" {
		t.Errorf("hist[1].ID = %q, want m2", hist[1].ID)
	}
	if !hist[0].Timestamp.Equal(h.clock.Now()) {
		t.Errorf("timestamp = %v, want %v", hist[0].Timestamp, h.clock.Now())
	}
	if !h.c.IsInteracting() {
		t.Error("chat should refresh the interaction window")
	}
	if n := h.link.count(protocol.TypeStateUpdate); n != 2 {
		t.Errorf("state echoes = %d, want 2", n)
	}
}

func TestSendVoiceInput_Disconnected(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.c.SendVoiceInput("anyone there?")
	h.c.SendAction("rotate", nil)

	if n := len(h.link.messages()); n != 0 {
		t.Errorf("sent %d messages while disconnected", n)
	}
	if n := len(h.c.ChatHistory()); n != 0 {
		t.Errorf("history length = %d, want 0", n)
	}
}

func TestHandleBackendMessage_Delegates(t *testing.T) {
	h := newHarness(t, fastTimings())

	h.link.handler(protocol.Audio{Data: "AAAA"})
	h.link.handler(protocol.PhysicsUpdate{Objects: map[string]protocol.PhysicsObject{
		"ball": {Position: &pose.Vector3{1, 2, 3}},
	}})
	h.link.handler(protocol.BrowserContent{Raw: []byte(`{"url":"x"}`)})
	h.link.handler(protocol.Unknown{Kind: "NEW_THING"})
	h.link.handler(protocol.StateUpdate{State: protocol.StatePatch{Speaking: boolPtr(true)}})

	h.world.mu.Lock()
	audio, physics := len(h.world.audio), len(h.world.physics)
	h.world.mu.Unlock()
	if audio != 1 || physics != 1 {
		t.Errorf("audio=%d physics=%d, want 1/1", audio, physics)
	}
	if got := h.c.Animation(); got != AnimTalking {
		t.Errorf("animation = %q, want %q", got, AnimTalking)
	}
}

func TestBackendStatus(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	l := &fakeLink{}
	c := New(Config{Character: character.Default()}, &fakeWorld{}, l, bus, quietLogger())

	l.status(true)
	if !c.State().BackendConnected {
		t.Fatal("backend should be connected")
	}
	l.status(false)
	if c.State().BackendConnected {
		t.Fatal("backend should be disconnected")
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatalf("got events %v, want 2", kinds)
		}
	}
	if kinds[0] != events.KindBackendUp || kinds[1] != events.KindBackendDown {
		t.Errorf("events = %v", kinds)
	}

	if got := l.snapshot(); got.Animation != AnimIdle || got.Rotation != pose.Identity {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestIdleAnimationTick(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.c.pickFunc = func(n int) int { return 1 }

	h.c.idleAnimationTick()
	if got := h.c.Animation(); got != AnimCurious {
		t.Fatalf("animation = %q, want %q", got, AnimCurious)
	}
	time.Sleep(80 * time.Millisecond)
	if got := h.c.Animation(); got != AnimIdle {
		t.Errorf("animation = %q, want %q", got, AnimIdle)
	}

	h.c.ApplyBackendState(protocol.StatePatch{Thinking: boolPtr(true)})
	h.c.idleAnimationTick()
	if got := h.c.Animation(); got != AnimThinking {
		t.Errorf("idle tick while thinking changed animation to %q", got)
	}
}

func TestLookAroundTick(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.connect()
	h.c.angleFunc = func() float64 { return 1.0 }

	h.c.lookAroundTick()
	if got, want := h.c.State().Rotation, pose.YawQuaternion(1.0); got != want {
		t.Fatalf("rotation = %v, want %v", got, want)
	}

	h.c.HandleChat(world.ChatMessage{ID: "m", FromID: "a", Body: "hey"})
	h.c.angleFunc = func() float64 { return 2.0 }
	h.c.lookAroundTick()
	if got, want := h.c.State().Rotation, pose.YawQuaternion(1.0); got != want {
		t.Errorf("look-around while interacting rotated to %v", got)
	}
}

func TestStartStop(t *testing.T) {
	timings := fastTimings()
	timings.LookAroundInterval = 5 * time.Millisecond
	h := newHarness(t, timings)

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}

	st := h.c.State()
	if !st.Connected || !st.BackendConnected {
		t.Errorf("connected=%v backend=%v, want true/true", st.Connected, st.BackendConnected)
	}

	// Step past the interaction window Start opens.
	h.clock.Advance(61 * time.Second)
	time.Sleep(40 * time.Millisecond)
	if _, _, rotations := h.world.counts(); rotations == 0 {
		t.Error("look-around never ran")
	}

	// Leave a greeting reset pending across Stop.
	h.c.OnPlayerNearby(world.Entity{ID: "a", Position: &pose.Vector3{0, 0, 1}}, 1)

	if err := h.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, _, rotations := h.world.counts()
	h.link.mu.Lock()
	closed := h.link.closed
	h.link.mu.Unlock()
	if !closed {
		t.Error("Stop should close the link")
	}

	time.Sleep(60 * time.Millisecond)
	if got := h.c.Animation(); got != AnimWave {
		t.Errorf("pending reset ran after Stop: animation = %q", got)
	}
	if _, _, r := h.world.counts(); r != rotations {
		t.Errorf("look-around ran after Stop: %d -> %d rotations", rotations, r)
	}
	if err := h.c.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	h.c.OnPlayerNearby(world.Entity{ID: "b"}, 1)
	if st := h.c.State(); st.Connected || st.BackendConnected {
		t.Errorf("connected=%v backend=%v after Stop", st.Connected, st.BackendConnected)
	}
}

func TestStart_OpensInteractionWindow(t *testing.T) {
	h := newHarness(t, fastTimings())
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !h.c.IsInteracting() {
		t.Error("IsInteracting() = false right after Start")
	}
	actor := world.Entity{ID: "a", Position: &pose.Vector3{0, 0, 1}}
	h.c.OnPlayerNearby(actor, 1)
	if got := h.link.count(protocol.TypeVoiceInput); got != 0 {
		t.Errorf("greetings sent right after Start = %d, want 0", got)
	}
	if got := h.c.Animation(); got != AnimIdle {
		t.Errorf("animation = %q, want %q", got, AnimIdle)
	}

	h.c.idleAnimationTick()
	if got := h.c.Animation(); got != AnimIdle {
		t.Errorf("idle tick during the start window changed animation to %q", got)
	}

	h.clock.Advance(61 * time.Second)
	h.c.OnPlayerNearby(actor, 1)
	if got := h.link.count(protocol.TypeVoiceInput); got != 1 {
		t.Errorf("greetings after the window = %d, want 1", got)
	}
	if got := h.c.Animation(); got != AnimWave {
		t.Errorf("animation = %q, want %q", got, AnimWave)
	}
}

func TestStart_BackendDownIsNotFatal(t *testing.T) {
	h := newHarness(t, fastTimings())
	h.link.connectErr = errors.New("connection refused")

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.c.State().BackendConnected {
		t.Error("backend should be disconnected")
	}
}
