// Package coordinator owns the agent's state and turns backend
// directives, proximity hits, chat, and idle timers into avatar
// animation and pose changes.
//
// Every handler runs to completion under one mutex. Calls into the world
// and the backend link are collected while the lock is held and issued
// in order after it is released, so neither collaborator can deadlock
// against the coordinator by calling back into it.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/wonderland-agent/internal/backend"
	"github.com/nugget/wonderland-agent/internal/character"
	"github.com/nugget/wonderland-agent/internal/events"
	"github.com/nugget/wonderland-agent/internal/pose"
	"github.com/nugget/wonderland-agent/internal/protocol"
	"github.com/nugget/wonderland-agent/internal/world"
)

// Timings collects every delay and period the coordinator uses. Zero
// values take the defaults from [DefaultTimings].
type Timings struct {
	// MoveDuration is the simulated travel time of a move.
	MoveDuration time.Duration `yaml:"move_duration"`
	// GreetingDuration is how long the wave lasts before idling.
	GreetingDuration time.Duration `yaml:"greeting_duration"`
	// InteractionWindow is how long after the last exchange the agent
	// counts as interacting.
	InteractionWindow time.Duration `yaml:"interaction_window"`
	// IdleAnimationInterval is the period of the random idle animation.
	IdleAnimationInterval time.Duration `yaml:"idle_animation_interval"`
	// IdleRevert is how long a random idle animation plays.
	IdleRevert time.Duration `yaml:"idle_revert"`
	// LookAroundInterval is the period of the random look-around.
	LookAroundInterval time.Duration `yaml:"look_around_interval"`
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		MoveDuration:          time.Second,
		GreetingDuration:      3 * time.Second,
		InteractionWindow:     time.Minute,
		IdleAnimationInterval: 30 * time.Second,
		IdleRevert:            3 * time.Second,
		LookAroundInterval:    15 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.MoveDuration <= 0 {
		t.MoveDuration = d.MoveDuration
	}
	if t.GreetingDuration <= 0 {
		t.GreetingDuration = d.GreetingDuration
	}
	if t.InteractionWindow <= 0 {
		t.InteractionWindow = d.InteractionWindow
	}
	if t.IdleAnimationInterval <= 0 {
		t.IdleAnimationInterval = d.IdleAnimationInterval
	}
	if t.IdleRevert <= 0 {
		t.IdleRevert = d.IdleRevert
	}
	if t.LookAroundInterval <= 0 {
		t.LookAroundInterval = d.LookAroundInterval
	}
	return t
}

// Link is the part of the backend link the coordinator drives.
// [*backend.Link] satisfies it.
type Link interface {
	URL() string
	Connect(ctx context.Context) error
	Send(msg protocol.Message)
	Close() error
	OnMessage(h backend.Handler)
	OnStatus(f func(connected bool))
	SetSnapshotFunc(f func() protocol.Snapshot)
}

// Config configures a [Coordinator].
type Config struct {
	// CharacterPath is loaded on Start unless Character is set.
	CharacterPath string
	Character     *character.Character
	Timings       Timings
}

// ErrStarted is returned by Start on a coordinator that has already
// been started.
var ErrStarted = errors.New("coordinator already started")

// Coordinator is the agent's animation state coordinator.
type Coordinator struct {
	cfg     Config
	timings Timings
	world   world.Avatar
	link    Link
	bus     *events.Bus
	logger  *slog.Logger

	// Replaced in tests.
	nowFunc   func() time.Time
	pickFunc  func(n int) int
	angleFunc func() float64

	mu        sync.Mutex
	state     AgentState
	char      *character.Character
	started   bool
	stopped   bool
	timers    map[*time.Timer]struct{}
	moveTimer *time.Timer
	cancel    context.CancelFunc
	loops     sync.WaitGroup

	// fxMu orders side effects across handlers without holding mu.
	fxMu sync.Mutex
}

// New creates a coordinator and registers it as the link's message
// handler, status listener, and snapshot source. bus may be nil.
func New(cfg Config, av world.Avatar, link Link, bus *events.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:       cfg,
		timings:   cfg.Timings.withDefaults(),
		world:     av,
		link:      link,
		bus:       bus,
		logger:    logger.With("component", "coordinator"),
		nowFunc:   time.Now,
		pickFunc:  rand.IntN,
		angleFunc: func() float64 { return rand.Float64() * 2 * math.Pi },
		state:     newAgentState(),
		char:      cfg.Character,
		timers:    make(map[*time.Timer]struct{}),
	}
	link.OnMessage(c.HandleBackendMessage)
	link.OnStatus(c.setBackendConnected)
	link.SetSnapshotFunc(c.Snapshot)
	return c
}

// Start loads the character, connects the backend link, opens the
// interaction window, and starts the idle behaviors. A backend that
// cannot be reached is not an error; the link keeps retrying on its own.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	needChar := c.char == nil
	c.mu.Unlock()

	if needChar {
		ch := character.Load(c.cfg.CharacterPath, c.logger)
		c.mu.Lock()
		c.char = ch
		c.mu.Unlock()
	}

	if err := c.link.Connect(ctx); err != nil {
		c.logger.Warn("backend unavailable, will keep retrying", "url", c.link.URL(), "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.state.Connected = true
	// Joining counts as an interaction: no greetings or idle behaviors
	// for the first window.
	c.state.LastInteractionAt = c.nowFunc()
	c.loops.Add(2)
	go c.every(runCtx, c.timings.IdleAnimationInterval, c.idleAnimationTick)
	go c.every(runCtx, c.timings.LookAroundInterval, c.lookAroundTick)
	c.mu.Unlock()

	c.logger.Info("coordinator started", "character", c.characterName())
	return nil
}

// Stop cancels every pending timer and periodic task, then closes the
// backend link. Callbacks that fire afterwards do nothing. Safe to call
// more than once.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	for t := range c.timers {
		t.Stop()
	}
	clear(c.timers)
	c.moveTimer = nil
	cancel := c.cancel
	c.state.Connected = false
	c.state.BackendConnected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.loops.Wait()

	// The link's read loop may be waiting on mu; Close joins it, so it
	// must run unlocked.
	err := c.link.Close()
	c.logger.Info("coordinator stopped")
	return err
}

// State returns a copy of the agent state.
func (c *Coordinator) State() AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Animation returns the animation currently shown.
func (c *Coordinator) Animation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Animation
}

// ChatHistory returns a copy of the chat history in insertion order.
func (c *Coordinator) ChatHistory() []ChatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatEntry(nil), c.state.ChatHistory...)
}

// IsInteracting reports whether the last exchange is within the
// interaction window.
func (c *Coordinator) IsInteracting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interactingLocked()
}

// Snapshot returns the pose summary echoed to the backend.
func (c *Coordinator) Snapshot() protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// HandleBackendMessage dispatches one decoded backend frame.
func (c *Coordinator) HandleBackendMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.StateUpdate:
		c.ApplyBackendState(m.State)
	case protocol.Audio:
		c.do(func(fx *effects) {
			at := c.state.Position
			c.logger.Debug("audio playback requested", "bytes", len(m.Data))
			fx.add(func() { c.world.PlayAudio(m.Data, at) })
		})
	case protocol.PhysicsUpdate:
		c.logger.Debug("updating physics objects", "count", len(m.Objects))
		c.do(func(fx *effects) {
			fx.add(func() { c.world.UpdatePhysics(m.Objects) })
		})
	case protocol.BrowserContent:
		c.logger.Debug("received browser content", "bytes", len(m.Raw))
	default:
		c.logger.Debug("unhandled backend message", "type", msg.Type())
	}
}

// ApplyBackendState applies a partial state patch. Absent fields are
// left untouched. Position and rotation only take effect when they
// differ from the stored pose. An explicit animation name wins over the
// derived one until the next flag change.
func (c *Coordinator) ApplyBackendState(p protocol.StatePatch) {
	c.do(func(fx *effects) {
		if c.stopped {
			return
		}
		if p.Position != nil && *p.Position != c.state.Position {
			c.moveToLocked(fx, *p.Position)
		}
		if p.Rotation != nil && *p.Rotation != c.state.Rotation {
			c.rotateLocked(fx, *p.Rotation)
		}

		flags := false
		if p.Speaking != nil {
			c.state.Speaking = *p.Speaking
			flags = true
		}
		if p.Thinking != nil {
			c.state.Thinking = *p.Thinking
			flags = true
		}
		if p.BrowserActive != nil {
			c.state.BrowserActive = *p.BrowserActive
			flags = true
		}
		if flags {
			c.deriveLocked(fx)
		}

		if p.CurrentModel != nil && *p.CurrentModel != "" {
			c.state.ActiveModel = *p.CurrentModel
		}
		if len(p.Animations) > 0 && p.Animations[0] != "" {
			c.setAnimationLocked(fx, p.Animations[0])
		}
	})
}

// SetAnimation shows name unless it is already showing.
func (c *Coordinator) SetAnimation(name string) {
	c.do(func(fx *effects) { c.setAnimationLocked(fx, name) })
}

// MoveToPosition walks the avatar to pos. Movement is simulated: the
// avatar is placed immediately and walks for MoveDuration.
func (c *Coordinator) MoveToPosition(pos pose.Vector3) {
	c.do(func(fx *effects) {
		if c.stopped {
			return
		}
		c.moveToLocked(fx, pos)
	})
}

// RotateTo turns the avatar to rot.
func (c *Coordinator) RotateTo(rot pose.Quaternion) {
	c.do(func(fx *effects) { c.rotateLocked(fx, rot) })
}

// SendVoiceInput forwards text to the backend and records it in the chat
// history. Nothing happens while the backend is disconnected.
func (c *Coordinator) SendVoiceInput(text string) {
	c.do(func(fx *effects) { c.sendVoiceInputLocked(fx, text, "", "") })
}

// SendAction forwards a directive to the backend. Nothing happens while
// the backend is disconnected.
func (c *Coordinator) SendAction(action string, params map[string]any) {
	c.do(func(fx *effects) { c.sendActionLocked(fx, action, params) })
}

// OnPlayerNearby greets actor unless the agent is already interacting.
// Calls during the interaction window are ignored.
func (c *Coordinator) OnPlayerNearby(actor world.Entity, distance float64) {
	c.do(func(fx *effects) {
		if c.stopped || c.interactingLocked() {
			return
		}
		c.logger.Info("player nearby", "actor_id", actor.ID, "actor_name", actor.Name, "distance", distance)

		if actor.Position != nil {
			if rot, ok := pose.LookRotation(c.state.Position, *actor.Position); ok {
				c.rotateLocked(fx, rot)
				c.sendActionLocked(fx, "rotate", map[string]any{"rotation": rot})
			}
		}

		c.setAnimationLocked(fx, AnimWave)

		greeting := c.char.Greeting(c.pickFunc)
		c.sendVoiceInputLocked(fx, greeting, "", "")
		c.touchInteractionLocked(fx)
		c.emit(fx, events.KindGreeting, map[string]any{
			"actor_id":   actor.ID,
			"actor_name": actor.Name,
			"distance":   distance,
			"text":       greeting,
		})

		c.afterLocked(c.timings.GreetingDuration, func(fx *effects) {
			if !c.state.Speaking && !c.state.Thinking {
				c.setAnimationLocked(fx, AnimIdle)
			}
		})
	})
}

// HandleChat forwards a world chat line from another participant to the
// backend and refreshes the interaction window. The agent's own lines
// are ignored.
func (c *Coordinator) HandleChat(msg world.ChatMessage) {
	selfID := c.world.SelfID()
	if selfID != "" && msg.FromID == selfID {
		return
	}
	c.do(func(fx *effects) {
		if c.stopped {
			return
		}
		c.logger.Debug("chat received", "from", msg.From, "id", msg.ID)
		c.sendVoiceInputLocked(fx, msg.Body, msg.ID, msg.From)
		c.touchInteractionLocked(fx)
	})
}

func (c *Coordinator) setBackendConnected(up bool) {
	c.do(func(fx *effects) {
		if c.stopped || c.state.BackendConnected == up {
			return
		}
		c.state.BackendConnected = up
		kind := events.KindBackendDown
		if up {
			kind = events.KindBackendUp
		}
		c.emit(fx, kind, map[string]any{"url": c.link.URL()})
	})
}

func (c *Coordinator) idleAnimationTick() {
	c.do(func(fx *effects) {
		if c.stopped || !c.idleLocked() {
			return
		}
		c.setAnimationLocked(fx, idleAnimations[c.pickFunc(len(idleAnimations))])
		c.afterLocked(c.timings.IdleRevert, func(fx *effects) {
			if c.idleLocked() {
				c.setAnimationLocked(fx, AnimIdle)
			}
		})
	})
}

func (c *Coordinator) lookAroundTick() {
	c.do(func(fx *effects) {
		if c.stopped || c.interactingLocked() || c.state.Moving {
			return
		}
		c.rotateLocked(fx, pose.YawQuaternion(c.angleFunc()))
	})
}

// every calls f once per period until ctx ends.
func (c *Coordinator) every(ctx context.Context, period time.Duration, f func()) {
	defer c.loops.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f()
		}
	}
}

func (c *Coordinator) characterName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.char == nil {
		return character.DefaultName
	}
	return c.char.Name
}
