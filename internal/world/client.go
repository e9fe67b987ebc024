package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/wonderland-agent/internal/buildinfo"
	"github.com/nugget/wonderland-agent/internal/pose"
	"github.com/nugget/wonderland-agent/internal/protocol"
)

// DefaultURL is the world server's WebSocket endpoint unless configured.
const DefaultURL = "ws://localhost:3000/ws"

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Options configures a world session.
type Options struct {
	URL    string
	Name   string
	Avatar string
}

// frame is the world server's JSON envelope. Only the fields relevant
// to a given type are populated.
type frame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Name      string            `json:"name,omitempty"`
	Avatar    string            `json:"avatar,omitempty"`
	ID        string            `json:"id,omitempty"`
	Entities  []json.RawMessage `json:"entities,omitempty"`
	Entity    *Entity           `json:"entity,omitempty"`
	Position  *pose.Vector3     `json:"position,omitempty"`
	Rotation  *pose.Quaternion  `json:"rotation,omitempty"`
	Emote     string            `json:"emote,omitempty"`
	Data      string            `json:"data,omitempty"`
	Message   *ChatMessage      `json:"message,omitempty"`
	Code      string            `json:"code,omitempty"`
}

// Client is a WebSocket session with the world server.
type Client struct {
	logger    *slog.Logger
	sessionID string

	connMu sync.Mutex
	conn   *websocket.Conn

	mu       sync.RWMutex
	selfID   string
	entities map[string]*Entity

	chat      chan ChatMessage
	lifecycle chan LifecycleEvent
	done      chan struct{}

	destroyOnce sync.Once
	readers     sync.WaitGroup
}

// NewClient creates an unconnected world client.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:    logger.With("component", "world"),
		sessionID: uuid.NewString(),
		entities:  make(map[string]*Entity),
		chat:      make(chan ChatMessage, 64),
		lifecycle: make(chan LifecycleEvent, 8),
		done:      make(chan struct{}),
	}
}

// Init connects to the world server and introduces the agent. A failure
// here is unrecoverable for the process. The session becomes ready when
// the server's snapshot arrives (see [Client.Lifecycle]).
func (c *Client) Init(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return fmt.Errorf("parse world URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to world", "url", u.String(), "name", opts.Name, "session_id", c.sessionID)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), http.Header{"User-Agent": {buildinfo.UserAgent()}})
	if err != nil {
		return fmt.Errorf("dial world: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.write(frame{Type: "hello", SessionID: c.sessionID, Name: opts.Name, Avatar: opts.Avatar}); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.readers.Add(1)
	go c.readLoop(conn)
	return nil
}

// SessionID identifies this connection to the world server.
func (c *Client) SessionID() string { return c.sessionID }

// Chat delivers chat lines from other participants. Lines are dropped
// when the consumer falls behind.
func (c *Client) Chat() <-chan ChatMessage { return c.chat }

// Lifecycle delivers ready, kick, disconnect, and destroy transitions.
func (c *Client) Lifecycle() <-chan LifecycleEvent { return c.lifecycle }

// Done is closed when the session is destroyed.
func (c *Client) Done() <-chan struct{} { return c.done }

// SelfID implements [Avatar].
func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Self implements [Roster].
func (c *Client) Self() (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selfID == "" {
		return Entity{}, false
	}
	e, ok := c.entities[c.selfID]
	if !ok {
		return Entity{}, false
	}
	return copyEntity(e), true
}

// Entities implements [Roster]. The result is ordered by ID.
func (c *Client) Entities() []Entity {
	c.mu.RLock()
	out := make([]Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, copyEntity(e))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TeleportActor moves any actor to pos.
func (c *Client) TeleportActor(id string, pos pose.Vector3) {
	c.mu.Lock()
	if e, ok := c.entities[id]; ok {
		p := pos
		e.Position = &p
	}
	c.mu.Unlock()

	c.send(frame{Type: "entityModified", ID: id, Position: &pos})
}

// SetAnimation implements [Avatar].
func (c *Client) SetAnimation(name string) {
	id := c.SelfID()
	if id == "" {
		return
	}
	c.send(frame{Type: "entityModified", ID: id, Emote: name})
}

// SetPosition implements [Avatar].
func (c *Client) SetPosition(pos pose.Vector3) {
	if id := c.SelfID(); id != "" {
		c.TeleportActor(id, pos)
	}
}

// SetRotation implements [Avatar].
func (c *Client) SetRotation(rot pose.Quaternion) {
	id := c.SelfID()
	if id == "" {
		return
	}
	c.mu.Lock()
	if e, ok := c.entities[id]; ok {
		r := rot
		e.Rotation = &r
	}
	c.mu.Unlock()
	c.send(frame{Type: "entityModified", ID: id, Rotation: &rot})
}

// PlayAudio implements [Avatar].
func (c *Client) PlayAudio(data string, at pose.Vector3) {
	c.send(frame{Type: "playAudio", ID: c.SelfID(), Data: data, Position: &at})
}

// UpdatePhysics implements [Avatar] by forwarding each object pose as an
// entity modification.
func (c *Client) UpdatePhysics(objects map[string]protocol.PhysicsObject) {
	for id, obj := range objects {
		if obj.Position == nil && obj.Rotation == nil {
			continue
		}
		c.send(frame{Type: "entityModified", ID: id, Position: obj.Position, Rotation: obj.Rotation})
	}
}

// Destroy closes the session and emits [EventDestroy]. Safe to call more
// than once and from any goroutine except the lifecycle consumer's own
// read of a pending event.
func (c *Client) Destroy() error {
	var err error
	c.destroyOnce.Do(func() {
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent leaving"),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
		c.readers.Wait()

		c.emit(LifecycleEvent{Kind: EventDestroy})
		close(c.done)
		c.logger.Info("world session destroyed")
	})
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.connMu.Lock()
			current := c.conn == conn
			c.connMu.Unlock()
			if !current {
				return // Destroy closed it.
			}

			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Warn("dropping malformed world frame", "error", err)
				continue
			}
			c.logger.Warn("world connection lost", "error", err)
			c.emit(LifecycleEvent{Kind: EventDisconnect, Reason: err.Error()})
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f frame) {
	switch f.Type {
	case "snapshot":
		// One bad entity must not cost the whole snapshot.
		entities := make(map[string]*Entity, len(f.Entities))
		for _, raw := range f.Entities {
			var e Entity
			if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
				c.logger.Warn("skipping malformed snapshot entity", "error", err, "bytes", len(raw))
				continue
			}
			entities[e.ID] = &e
		}
		c.mu.Lock()
		c.selfID = f.ID
		c.entities = entities
		c.mu.Unlock()
		c.logger.Info("world snapshot received", "self_id", f.ID, "entities", len(entities))
		c.emit(LifecycleEvent{Kind: EventReady})

	case "entityAdded":
		if f.Entity == nil || f.Entity.ID == "" {
			return
		}
		e := *f.Entity
		c.mu.Lock()
		c.entities[e.ID] = &e
		c.mu.Unlock()

	case "entityModified":
		c.mu.Lock()
		if e, ok := c.entities[f.ID]; ok {
			if f.Position != nil {
				p := *f.Position
				e.Position = &p
			}
			if f.Rotation != nil {
				r := *f.Rotation
				e.Rotation = &r
			}
		}
		c.mu.Unlock()

	case "entityRemoved":
		c.mu.Lock()
		delete(c.entities, f.ID)
		c.mu.Unlock()

	case "chatAdded":
		if f.Message == nil {
			return
		}
		select {
		case c.chat <- *f.Message:
		default:
			c.logger.Warn("chat channel full, dropping message", "from", f.Message.From)
		}

	case "kick":
		c.logger.Warn("kicked from world", "code", f.Code)
		c.emit(LifecycleEvent{Kind: EventKick, Reason: f.Code})

	default:
		c.logger.Debug("unhandled world frame", "type", f.Type)
	}
}

func (c *Client) emit(ev LifecycleEvent) {
	select {
	case c.lifecycle <- ev:
	default:
		c.logger.Warn("lifecycle channel full, dropping event", "event", ev.Kind)
	}
}

// send writes a frame, logging instead of returning failures; pose and
// animation updates are best effort.
func (c *Client) send(f frame) {
	if err := c.write(f); err != nil {
		c.logger.Debug("world write failed", "type", f.Type, "error", err)
	}
}

func (c *Client) write(f frame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

func copyEntity(e *Entity) Entity {
	out := *e
	if e.Position != nil {
		p := *e.Position
		out.Position = &p
	}
	if e.Rotation != nil {
		r := *e.Rotation
		out.Rotation = &r
	}
	return out
}
