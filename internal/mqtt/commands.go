package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Command topic suffixes under wonderland/<device>/.
const (
	CommandSay       = "say"
	CommandAnimation = "animation"
)

// commandLimit caps accepted commands per minute.
const commandLimit = 30

// maxSayLength bounds the text accepted by the say command.
const maxSayLength = 500

// CommandHandler executes remote commands. The coordinator satisfies it.
type CommandHandler interface {
	SendVoiceInput(text string)
	SetAnimation(name string)
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.commands == nil {
		return
	}
	subs := []paho.SubscribeOptions{
		{Topic: p.commandTopic(CommandSay), QoS: 1},
		{Topic: p.commandTopic(CommandAnimation), QoS: 1},
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "error", err)
		return
	}
	p.logger.Debug("mqtt command topics subscribed", "count", len(subs))
}

// handleCommand dispatches one inbound message. Unknown topics, empty
// payloads, and anything over the rate limit are dropped.
func (p *Publisher) handleCommand(topic string, payload []byte) {
	if p.commands == nil {
		return
	}
	if !p.limiter.allow() {
		return
	}

	text := strings.TrimSpace(string(payload))
	if text == "" || !utf8.ValidString(text) {
		p.logger.Debug("mqtt command ignored: empty or invalid payload", "topic", topic)
		return
	}

	switch topic {
	case p.commandTopic(CommandSay):
		if len(text) > maxSayLength {
			p.logger.Warn("mqtt say command too long", "length", len(text), "max", maxSayLength)
			return
		}
		p.logger.Info("mqtt say command", "text", text)
		p.commands.SendVoiceInput(text)
	case p.commandTopic(CommandAnimation):
		p.logger.Info("mqtt animation command", "animation", text)
		p.commands.SetAnimation(text)
	default:
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
	}
}

// commandRateLimiter tracks inbound command rates and drops commands
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns when anything was dropped.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one command and reports whether it is within the limit.
func (r *commandRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
