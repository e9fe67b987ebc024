// Package mqtt makes the agent a Home Assistant device. It publishes
// discovery messages and sensor states for the agent's animation,
// backend link, interaction window, model, and chat volume, and it
// accepts a small set of commands (say something, play an animation)
// on per-device command topics.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a birth
// message ("online") to the availability topic, and re-subscribes to
// the command topics. A will message flips availability to "offline"
// on unexpected disconnects.
package mqtt
