package coordinator

import (
	"time"

	"github.com/nugget/wonderland-agent/internal/events"
	"github.com/nugget/wonderland-agent/internal/pose"
	"github.com/nugget/wonderland-agent/internal/protocol"
)

// effects is the ordered list of outside calls a handler produced.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// do runs f under mu, then runs the effects it collected in order. mu is
// handed over to fxMu before the effects run so that effects from
// successive handlers never interleave.
func (c *Coordinator) do(f func(fx *effects)) {
	c.mu.Lock()
	var fx effects
	f(&fx)
	c.fxMu.Lock()
	c.mu.Unlock()
	defer c.fxMu.Unlock()
	fx.run()
}

// afterLocked schedules f to run as a handler after d. Stop cancels it.
func (c *Coordinator) afterLocked(d time.Duration, f func(fx *effects)) *time.Timer {
	if c.stopped {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.do(func(fx *effects) {
			if _, ok := c.timers[t]; !ok {
				return
			}
			delete(c.timers, t)
			if c.moveTimer == t {
				c.moveTimer = nil
			}
			f(fx)
		})
	})
	c.timers[t] = struct{}{}
	return t
}

func (c *Coordinator) setAnimationLocked(fx *effects, name string) {
	prev := c.state.Animation
	if name == prev {
		return
	}
	c.state.Animation = name
	c.logger.Debug("animation changed", "animation", name, "previous", prev)
	fx.add(func() { c.world.SetAnimation(name) })
	c.emit(fx, events.KindAnimation, map[string]any{"animation": name, "previous": prev})
}

func (c *Coordinator) deriveLocked(fx *effects) {
	s := c.state
	c.setAnimationLocked(fx, Derive(s.Moving, s.Speaking, s.Thinking, s.BrowserActive))
}

func (c *Coordinator) moveToLocked(fx *effects, pos pose.Vector3) {
	c.logger.Debug("moving", "position", pos)
	c.state.Position = pos
	c.state.Moving = true
	c.setAnimationLocked(fx, AnimWalking)
	fx.add(func() { c.world.SetPosition(pos) })
	c.emitPose(fx)

	// A new move restarts the travel time.
	if c.moveTimer != nil {
		c.moveTimer.Stop()
		delete(c.timers, c.moveTimer)
	}
	c.moveTimer = c.afterLocked(c.timings.MoveDuration, func(fx *effects) {
		c.state.Moving = false
		if !c.state.Speaking && !c.state.Thinking && !c.state.BrowserActive {
			c.setAnimationLocked(fx, AnimIdle)
		}
	})
}

func (c *Coordinator) rotateLocked(fx *effects, rot pose.Quaternion) {
	c.logger.Debug("rotating", "rotation", rot)
	c.state.Rotation = rot
	fx.add(func() { c.world.SetRotation(rot) })
	c.emitPose(fx)
}

func (c *Coordinator) sendLocked(fx *effects, msg protocol.Message) {
	fx.add(func() { c.link.Send(msg) })
}

func (c *Coordinator) sendVoiceInputLocked(fx *effects, text, id, author string) {
	if !c.state.BackendConnected {
		c.logger.Debug("cannot send voice input: backend not connected")
		return
	}
	c.logger.Debug("sending voice input", "text", text)
	c.sendLocked(fx, protocol.VoiceInput{Text: text})

	entry := ChatEntry{
		ID:        id,
		Sender:    SenderUser,
		Author:    author,
		Text:      text,
		Timestamp: c.nowFunc(),
	}
	c.state.ChatHistory = append(c.state.ChatHistory, entry)
	c.emit(fx, events.KindChat, map[string]any{
		"id":     entry.ID,
		"sender": entry.Sender,
		"author": entry.Author,
		"text":   entry.Text,
	})
}

func (c *Coordinator) sendActionLocked(fx *effects, action string, params map[string]any) {
	if !c.state.BackendConnected {
		c.logger.Debug("cannot send action: backend not connected", "action", action)
		return
	}
	c.logger.Debug("sending action", "action", action)
	c.sendLocked(fx, protocol.Action{Action: action, Params: params})
}

// touchInteractionLocked refreshes the interaction window and echoes the
// new state to the backend.
func (c *Coordinator) touchInteractionLocked(fx *effects) {
	c.state.LastInteractionAt = c.nowFunc()
	c.sendLocked(fx, protocol.StateReport{State: c.snapshotLocked()})
}

func (c *Coordinator) interactingLocked() bool {
	return c.nowFunc().Sub(c.state.LastInteractionAt) < c.timings.InteractionWindow
}

// idleLocked reports whether nothing is going on that an idle animation
// would interrupt.
func (c *Coordinator) idleLocked() bool {
	s := c.state
	return !c.interactingLocked() && !s.Moving && !s.Speaking && !s.Thinking
}

func (c *Coordinator) snapshotLocked() protocol.Snapshot {
	return protocol.Snapshot{
		Position:    c.state.Position,
		Rotation:    c.state.Rotation,
		Animation:   c.state.Animation,
		Interacting: c.interactingLocked(),
	}
}

func (c *Coordinator) emitPose(fx *effects) {
	c.emit(fx, events.KindPose, map[string]any{
		"position": c.state.Position,
		"rotation": c.state.Rotation,
	})
}

func (c *Coordinator) emit(fx *effects, kind string, data map[string]any) {
	if c.bus == nil {
		return
	}
	fx.add(func() { c.bus.Emit(events.SourceCoordinator, kind, data) })
}
