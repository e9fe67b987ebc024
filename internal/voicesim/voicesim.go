// Package voicesim is a stand-in voice backend for local development.
// It speaks the same WebSocket protocol as the real backend: every
// VOICE_INPUT is answered with a thinking phase, a speaking phase with
// an AUDIO frame, and a return to silence. Replies are canned.
package voicesim

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/nugget/wonderland-agent/internal/protocol"
)

// DefaultAddr is where the simulated backend listens.
const DefaultAddr = ":8765"

// DefaultThinkDelay is how long the simulated backend "thinks".
const DefaultThinkDelay = 2 * time.Second

// wordsPerSecond approximates a 150 words-per-minute speaking rate.
const wordsPerSecond = 2.5

// SimulatedAudio stands in for base64 speech audio.
const SimulatedAudio = "simulated_audio_data_base64"

// Config configures a [Server].
type Config struct {
	ThinkDelay time.Duration
	// SpeakScale multiplies the computed speaking duration. Zero means 1.
	SpeakScale float64
}

// Server is an http.Handler that upgrades every request to a simulated
// backend session.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	pick     func(n int) int

	wg sync.WaitGroup
}

// New creates a simulated backend.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.ThinkDelay <= 0 {
		cfg.ThinkDelay = DefaultThinkDelay
	}
	if cfg.SpeakScale <= 0 {
		cfg.SpeakScale = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "voicesim"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pick: rand.IntN,
	}
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(r.Context(), conn)
}

// Wait blocks until every session has ended.
func (s *Server) Wait() { s.wg.Wait() }

// session is one connected agent.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
}

func (ss *session) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		ss.logger.Error("encode failed", "type", msg.Type(), "error", err)
		return
	}
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	ss.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ss.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ss.logger.Debug("write failed", "type", msg.Type(), "error", err)
	}
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	var replies sync.WaitGroup
	defer func() {
		cancel()
		replies.Wait()
		conn.Close()
	}()

	ss := &session{conn: conn, logger: s.logger.With("remote", conn.RemoteAddr().String())}
	ss.logger.Info("agent connected to voice backend")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			ss.logger.Info("agent disconnected from voice backend", "error", err)
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			ss.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.VoiceInput:
			ss.logger.Info("processing voice input", "text", m.Text)
			replies.Add(1)
			go func() {
				defer replies.Done()
				s.reply(ctx, ss, m.Text)
			}()
		case protocol.StateUpdate:
			ss.logger.Debug("state update from agent", "frame", string(frame))
		default:
			ss.logger.Debug("ignoring frame", "type", msg.Type())
		}
	}
}

// reply plays out one exchange: thinking, then speaking with audio, then
// silence. It stops early when ctx ends.
func (s *Server) reply(ctx context.Context, ss *session, input string) {
	yes, no := true, false

	ss.send(protocol.StateUpdate{State: protocol.StatePatch{Thinking: &yes}})
	if !sleepCtx(ctx, s.cfg.ThinkDelay) {
		return
	}

	response := Respond(input, s.pick)
	ss.send(protocol.StateUpdate{State: protocol.StatePatch{Thinking: &no, Speaking: &yes}})
	ss.send(protocol.Audio{Data: SimulatedAudio})
	ss.logger.Debug("speaking", "response", response)

	speak := time.Duration(float64(SpeakingDuration(response)) * s.cfg.SpeakScale)
	if !sleepCtx(ctx, speak) {
		return
	}
	ss.send(protocol.StateUpdate{State: protocol.StatePatch{Speaking: &no}})
}

type rule struct {
	keywords []string
	reply    string
}

var rules = []rule{
	{[]string{"hello", "hi"}, "Hello there! How delightfully unexpected to meet someone new in this digital Wonderland!"},
	{[]string{"name"}, "I'm Alice, of course! I fell through a digital rabbit hole and found myself in this curious world of code and pixels."},
	{[]string{"wonderland"}, "Wonderland is wherever curiosity leads you! This digital realm is my new Wonderland, full of strange logic and wonderful impossibilities."},
	{[]string{"riddle", "puzzle"}, "Why is coding like a tea party? Both get rather wild when too many mad ideas are invited!"},
	{[]string{"queen", "hearts"}, "The Queen of Hearts? Oh dear! Those who shout 'Off with their heads!' the loudest usually have the least to offer above their shoulders!"},
	{[]string{"rabbit", "white"}, "Always chasing that White Rabbit, aren't we? He always leads us to unexpected places!"},
}

var fallbacks = []string{
	"Curiouser and curiouser! That's quite a thought to ponder.",
	"If I had a world of my own, everything would be nonsense. Nothing would be what it is, because everything would be what it isn't!",
	"Sometimes I've believed as many as six impossible things before breakfast!",
	"In this wonderland of code and pixels, even the strangest ideas can come to life.",
	"What a delightfully curious question! It reminds me of the riddles the Caterpillar used to pose.",
}

// Respond picks a canned reply for input. Keywords match whole words,
// case-insensitively, in rule order; otherwise pick chooses a fallback.
func Respond(input string, pick func(n int) int) string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[w] = true
	}
	for _, r := range rules {
		for _, k := range r.keywords {
			if words[k] {
				return r.reply
			}
		}
	}
	return fallbacks[pick(len(fallbacks))]
}

// SpeakingDuration estimates how long text takes to say at 2.5 words
// per second, never less than one second.
func SpeakingDuration(text string) time.Duration {
	seconds := math.Max(1, float64(len(strings.Fields(text)))/wordsPerSecond)
	return time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
