package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openpaw/openpaw/internal/bus"
)

// DropPolicy decides which message loses when a session buffer is full.
type DropPolicy string

const (
	DropOld DropPolicy = "old"
	DropNew DropPolicy = "new"
	// DropSummarize drops the oldest message; a Summarizer hook may replace
	// it with a condensed form first.
	DropSummarize DropPolicy = "summarize"
)

// Summarizer optionally condenses messages evicted under DropSummarize.
// It returns a replacement message, or nil to drop outright.
type Summarizer func(evicted bus.Message) *bus.Message

// Config tunes the per-session pre-lane buffers.
type Config struct {
	DefaultMode bus.QueueMode
	DebounceMs  int
	Cap         int
	DropPolicy  DropPolicy
}

// DefaultConfig matches the shipped defaults: collect mode, 800ms debounce,
// 50-message cap, summarize (drop-oldest) policy.
func DefaultConfig() Config {
	return Config{
		DefaultMode: bus.ModeCollect,
		DebounceMs:  800,
		Cap:         50,
		DropPolicy:  DropSummarize,
	}
}

// Pending is one buffered (channel, message) pair returned by ConsumePending.
type Pending struct {
	Channel string
	Message bus.Message
}

// sessionQueue is the pre-lane coalescing buffer for one session.
type sessionQueue struct {
	sessionKey string
	messages   []Pending
	mode       bus.QueueMode
	timer      *time.Timer
}

// Manager owns the per-session buffers and routes flushed batches into the
// lane queue. One Manager per workspace.
type Manager struct {
	lanes *LaneQueue
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*sessionQueue

	summarizer Summarizer

	handlerMu sync.RWMutex
	handlers  map[string]func(item bus.QueueItem) // channelName → flush observer
}

// NewManager creates a queue manager draining into lanes.
func NewManager(lanes *LaneQueue, cfg Config) *Manager {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = bus.ModeCollect
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = DefaultConfig().DebounceMs
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultConfig().Cap
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropSummarize
	}
	return &Manager{
		lanes:    lanes,
		cfg:      cfg,
		sessions: make(map[string]*sessionQueue),
		handlers: make(map[string]func(bus.QueueItem)),
	}
}

// SetSummarizer installs the DropSummarize hook.
func (m *Manager) SetSummarizer(s Summarizer) {
	m.mu.Lock()
	m.summarizer = s
	m.mu.Unlock()
}

// RegisterHandler registers an observer invoked when a batch for the given
// channel is flushed into the lane. Used by tests and channel adapters that
// want flush notifications; lane workers remain the consumers.
func (m *Manager) RegisterHandler(channelName string, handler func(item bus.QueueItem)) {
	m.handlerMu.Lock()
	m.handlers[channelName] = handler
	m.handlerMu.Unlock()
}

func (m *Manager) session(sessionKey string) *sessionQueue {
	if sq, ok := m.sessions[sessionKey]; ok {
		return sq
	}
	sq := &sessionQueue{sessionKey: sessionKey, mode: m.cfg.DefaultMode}
	m.sessions[sessionKey] = sq
	return sq
}

// SetSessionMode switches the session's queue mode.
func (m *Manager) SetSessionMode(sessionKey string, mode bus.QueueMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(sessionKey).mode = mode
}

// SessionMode returns the session's current queue mode.
func (m *Manager) SessionMode(sessionKey string) bus.QueueMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(sessionKey).mode
}

// SubmitOpts overrides routing for one submit.
type SubmitOpts struct {
	// Mode overrides the session's current mode for this message.
	Mode bus.QueueMode
	// SteerEligible defaults to true; system events pass false.
	SteerEligible *bool
}

// Submit routes one inbound message. Steer and interrupt bypass the buffer
// and enter the main lane as a single-message payload; collect and followup
// buffer with debounce.
func (m *Manager) Submit(sessionKey, channelName string, msg bus.Message, opts ...SubmitOpts) {
	steerEligible := true
	var modeOverride bus.QueueMode
	if len(opts) > 0 {
		if opts[0].SteerEligible != nil {
			steerEligible = *opts[0].SteerEligible
		}
		modeOverride = opts[0].Mode
	}

	m.mu.Lock()
	sq := m.session(sessionKey)
	mode := sq.mode
	if modeOverride != "" {
		mode = modeOverride
	}

	if !steerEligible || mode == bus.ModeSteer || mode == bus.ModeInterrupt || mode == bus.ModeSteerBacklog {
		m.mu.Unlock()
		m.lanes.Enqueue(m.makeItem(sessionKey, channelName, []bus.Message{msg}, mode, steerEligible), LaneMain)
		return
	}

	// collect / followup: buffer with cap + debounce.
	if len(sq.messages) >= m.cfg.Cap {
		m.applyDropPolicy(sq, Pending{Channel: channelName, Message: msg})
	} else {
		sq.messages = append(sq.messages, Pending{Channel: channelName, Message: msg})
	}

	if sq.timer != nil {
		sq.timer.Stop()
	}
	key := sessionKey
	sq.timer = time.AfterFunc(time.Duration(m.cfg.DebounceMs)*time.Millisecond, func() {
		m.flush(key)
	})
	m.mu.Unlock()
}

// SubmitSystemEvent enqueues a system message (sub-agent result, scheduler
// injection) directly into the main lane as its own turn. System events are
// never steer-eligible so they cannot redirect an unrelated run.
func (m *Manager) SubmitSystemEvent(sessionKey, channelName string, msg bus.Message) {
	m.lanes.Enqueue(bus.QueueItem{
		SessionKey:    sessionKey,
		Payload:       bus.Payload{Channel: channelName, Messages: []bus.Message{msg}},
		Mode:          bus.ModeCollect,
		SteerEligible: false,
	}, LaneMain)
}

func (m *Manager) applyDropPolicy(sq *sessionQueue, incoming Pending) {
	switch m.cfg.DropPolicy {
	case DropNew:
		slog.Warn("session buffer full, dropping incoming message",
			"session", sq.sessionKey, "cap", m.cfg.Cap)
	case DropSummarize:
		evicted := sq.messages[0]
		sq.messages = sq.messages[1:]
		if m.summarizer != nil {
			if repl := m.summarizer(evicted.Message); repl != nil {
				sq.messages = append([]Pending{{Channel: evicted.Channel, Message: *repl}}, sq.messages...)
				// The summary keeps its slot; make room for the incoming
				// message by dropping the oldest original instead.
				for len(sq.messages) >= m.cfg.Cap && len(sq.messages) > 1 {
					sq.messages = append(sq.messages[:1], sq.messages[2:]...)
				}
			}
		}
		sq.messages = append(sq.messages, incoming)
		slog.Warn("session buffer full, dropped oldest message",
			"session", sq.sessionKey, "cap", m.cfg.Cap)
	default: // DropOld
		sq.messages = append(sq.messages[1:], incoming)
		slog.Warn("session buffer full, dropped oldest message",
			"session", sq.sessionKey, "cap", m.cfg.Cap)
	}
}

// flush moves the buffered messages into the lane, one QueueItem per channel.
// A timer that fires with an empty buffer enqueues nothing.
func (m *Manager) flush(sessionKey string) {
	m.mu.Lock()
	sq, ok := m.sessions[sessionKey]
	if !ok || len(sq.messages) == 0 {
		m.mu.Unlock()
		return
	}
	pending := sq.messages
	sq.messages = nil
	sq.timer = nil
	mode := sq.mode
	m.mu.Unlock()

	// Group by channel, preserving arrival order within each group.
	order := make([]string, 0, 2)
	byChannel := make(map[string][]bus.Message)
	for _, p := range pending {
		if _, seen := byChannel[p.Channel]; !seen {
			order = append(order, p.Channel)
		}
		byChannel[p.Channel] = append(byChannel[p.Channel], p.Message)
	}

	for _, ch := range order {
		item := m.makeItem(sessionKey, ch, byChannel[ch], mode, true)
		m.lanes.Enqueue(item, LaneMain)
		m.notifyHandler(ch, item)
	}
}

func (m *Manager) makeItem(sessionKey, channel string, msgs []bus.Message, mode bus.QueueMode, steerEligible bool) bus.QueueItem {
	return bus.QueueItem{
		SessionKey:    sessionKey,
		Payload:       bus.Payload{Channel: channel, Messages: msgs},
		Mode:          mode,
		SteerEligible: steerEligible,
	}
}

func (m *Manager) notifyHandler(channel string, item bus.QueueItem) {
	m.handlerMu.RLock()
	h := m.handlers[channel]
	m.handlerMu.RUnlock()
	if h != nil {
		h(item)
	}
}

// PeekPending reports whether any message for the session is waiting either
// in the pre-lane buffer or as a steer-eligible lane item. Middleware calls
// this mid-run to detect messages that arrived after the turn started.
func (m *Manager) PeekPending(sessionKey string) bool {
	m.mu.Lock()
	buffered := false
	if sq, ok := m.sessions[sessionKey]; ok {
		buffered = len(sq.messages) > 0
	}
	m.mu.Unlock()
	if buffered {
		return true
	}
	return m.lanes.PeekSessionPending(sessionKey, LaneMain)
}

// ConsumePending cancels the debounce timer, drains the buffer, removes
// steer-eligible lane items, and returns everything buffer-first then
// lane-order. Immediately afterwards PeekPending is false absent new submits.
func (m *Manager) ConsumePending(sessionKey string) []Pending {
	m.mu.Lock()
	var out []Pending
	if sq, ok := m.sessions[sessionKey]; ok {
		if sq.timer != nil {
			sq.timer.Stop()
			sq.timer = nil
		}
		out = append(out, sq.messages...)
		sq.messages = nil
	}
	m.mu.Unlock()

	for _, item := range m.lanes.ConsumeSessionPending(sessionKey, LaneMain) {
		for _, msg := range item.Payload.Messages {
			out = append(out, Pending{Channel: item.Payload.Channel, Message: msg})
		}
	}
	return out
}

// BufferedCount returns the pre-lane buffer depth for a session.
func (m *Manager) BufferedCount(sessionKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sq, ok := m.sessions[sessionKey]; ok {
		return len(sq.messages)
	}
	return 0
}

// Stop cancels all outstanding debounce timers. Buffered messages are left
// in place; they flush on the next submit after a restart.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sq := range m.sessions {
		if sq.timer != nil {
			sq.timer.Stop()
			sq.timer = nil
		}
	}
}
