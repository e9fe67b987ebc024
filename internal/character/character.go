// Package character loads the agent's character definition: its name,
// biography, speaking style, and greeting lines. A missing or broken
// definition is never fatal; the built-in Alice is used instead.
package character

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// DefaultName is used when no definition names the character.
const DefaultName = "Alice"

// Character is the JSON character definition.
type Character struct {
	Name      string   `json:"name"`
	Bio       []string `json:"bio,omitempty"`
	Style     Style    `json:"style"`
	Greetings []string `json:"greetings,omitempty"`
}

// Style groups speaking-style hints.
type Style struct {
	All []string `json:"all,omitempty"`
}

// DefaultGreetings are used when the definition supplies none.
var DefaultGreetings = []string{
	"Hello there! Welcome to Wonderland!",
	"Oh! A visitor! How curious and wonderful!",
	"Greetings! Have you fallen down the rabbit hole too?",
}

// Quotes are shown in the startup banner.
var Quotes = []string{
	"Curiouser and curiouser!",
	"Why, sometimes I've believed as many as six impossible things before breakfast.",
	"It's no use going back to yesterday, because I was a different person then.",
	"Begin at the beginning and go on till you come to the end; then stop.",
	"We're all mad here. I'm mad. You're mad.",
}

// Default returns the built-in character.
func Default() *Character {
	return &Character{
		Name: DefaultName,
		Bio: []string{
			"I am Alice, a curious explorer from Wonderland now navigating the digital metaverse with wide-eyed wonder.",
		},
		Style: Style{
			All: []string{"I speak with a sense of wonder and curiosity about everything I encounter."},
		},
	}
}

// ReadError reports a character definition that could not be read or
// parsed.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read character %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// LoadStrict reads the definition at path, returning a *[ReadError] on
// any failure. An empty name is filled with [DefaultName].
func LoadStrict(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	var c Character
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	return &c, nil
}

// Load reads the definition at path and falls back to [Default] with a
// warning when it cannot.
func Load(path string, logger *slog.Logger) *Character {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := LoadStrict(path)
	if err != nil {
		var re *ReadError
		if errors.As(err, &re) && errors.Is(re.Err, os.ErrNotExist) {
			logger.Warn("character definition not found, using default", "path", path)
		} else {
			logger.Warn("character definition unreadable, using default", "path", path, "error", err)
		}
		return Default()
	}
	logger.Debug("character loaded", "path", path, "name", c.Name, "greetings", len(c.Greetings))
	return c
}

// Greeting returns one greeting line. pick(n) must return a value in
// [0, n); pass rand.IntN for a uniform choice.
func (c *Character) Greeting(pick func(n int) int) string {
	lines := DefaultGreetings
	if c != nil && len(c.Greetings) > 0 {
		lines = c.Greetings
	}
	return lines[pick(len(lines))]
}
