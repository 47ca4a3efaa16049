// Package bus defines the message and queue-item types shared between
// channels, the queue manager, and the message processor.
package bus

import (
	"fmt"
	"strings"
	"time"
)

// Direction marks whether a message came from or goes to a channel.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Attachment is a file carried alongside a message.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Path string `json:"path,omitempty"`
}

// Message is an immutable record of one chat message.
// SessionKey has the form "<channelName>:<chatId>" and is the sharding unit.
type Message struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	SessionKey  string            `json:"session_key"`
	UserID      string            `json:"user_id,omitempty"`
	Content     string            `json:"content"`
	Direction   Direction         `json:"direction"`
	Timestamp   time.Time         `json:"timestamp"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// QueueMode controls how newly arrived messages interact with a running turn.
type QueueMode string

const (
	// ModeCollect buffers inbound messages and coalesces them after debounce.
	ModeCollect QueueMode = "collect"
	// ModeSteer skips remaining tool calls mid-turn and replaces the next
	// turn's input with the new message.
	ModeSteer QueueMode = "steer"
	// ModeFollowup buffers like collect but runs as the agent's next
	// self-initiated turn.
	ModeFollowup QueueMode = "followup"
	// ModeInterrupt aborts the current turn and restarts on the new message.
	ModeInterrupt QueueMode = "interrupt"
	// ModeSteerBacklog steers now and preserves the steer message as a
	// followup for the turn after.
	ModeSteerBacklog QueueMode = "steer-backlog"
)

// ParseQueueMode validates a user-supplied mode string.
func ParseQueueMode(s string) (QueueMode, bool) {
	switch QueueMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCollect:
		return ModeCollect, true
	case ModeSteer:
		return ModeSteer, true
	case ModeFollowup:
		return ModeFollowup, true
	case ModeInterrupt:
		return ModeInterrupt, true
	case ModeSteerBacklog:
		return ModeSteerBacklog, true
	}
	return "", false
}

// Payload is the unit of work a lane handler receives: one or more messages
// from a single channel, coalesced into one turn.
type Payload struct {
	Channel  string    `json:"channel"`
	Messages []Message `json:"messages"`
}

// Combined joins the payload messages' content for a single agent turn.
func (p Payload) Combined() string {
	parts := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// QueueItem is one entry in a lane queue. Ordering within a lane is FIFO;
// priority is not used.
type QueueItem struct {
	SessionKey string    `json:"session_key"`
	Payload    Payload   `json:"payload"`
	Mode       QueueMode `json:"mode"`
	// SteerEligible is false for system events (sub-agent results, scheduler
	// injections) so steer middleware never consumes them mid-run.
	SteerEligible bool `json:"steer_eligible"`
}

// BuildSessionKey builds the canonical session key "name:part1:part2".
func BuildSessionKey(channel string, parts ...string) string {
	if len(parts) == 0 {
		return channel
	}
	return fmt.Sprintf("%s:%s", channel, strings.Join(parts, ":"))
}

// SplitSessionKey returns the channel name and chat id from a session key.
func SplitSessionKey(key string) (channel, chatID string) {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}
