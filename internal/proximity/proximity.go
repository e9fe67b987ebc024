// Package proximity polls the world's entity table and reports avatars
// that come close to the agent.
package proximity

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/wonderland-agent/internal/config"
	"github.com/nugget/wonderland-agent/internal/events"
	"github.com/nugget/wonderland-agent/internal/pose"
	"github.com/nugget/wonderland-agent/internal/world"
)

// Defaults for [Config].
const (
	DefaultInterval = time.Second
	DefaultRadius   = 5.0
)

// Config configures a [Watcher]. Zero values take the defaults.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Radius   float64       `yaml:"radius"`
}

// NearbyFunc is called for every avatar inside the radius on every poll.
// It is expected to do its own debouncing.
type NearbyFunc func(actor world.Entity, distance float64)

// Watcher scans the roster once per interval.
type Watcher struct {
	interval time.Duration
	radius   float64
	roster   world.Roster
	nearby   NearbyFunc
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a watcher. bus may be nil.
func New(cfg Config, roster world.Roster, nearby NearbyFunc, bus *events.Bus, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultRadius
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		interval: cfg.Interval,
		radius:   cfg.Radius,
		roster:   roster,
		nearby:   nearby,
		bus:      bus,
		logger:   logger.With("component", "proximity"),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Debug("proximity watcher started", "interval", w.interval, "radius", w.radius)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("proximity watcher stopped")
			return
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan runs one poll and returns how many avatars were in range.
func (w *Watcher) Scan() int {
	self, ok := w.roster.Self()
	if !ok || self.Position == nil {
		return 0
	}

	hits := 0
	for _, e := range w.roster.Entities() {
		if e.ID == self.ID || e.Type != world.EntityTypeAvatar || e.Position == nil {
			continue
		}
		d := pose.PlanarDistance(*self.Position, *e.Position)
		if d >= w.radius {
			continue
		}
		hits++
		w.logger.Log(context.Background(), config.LevelTrace, "avatar in range",
			"actor_id", e.ID, "distance", d)
		w.bus.Emit(events.SourceProximity, events.KindNearby, map[string]any{
			"actor_id": e.ID,
			"distance": d,
		})
		w.nearby(e, d)
	}
	return hits
}
