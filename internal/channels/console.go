package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpaw/openpaw/internal/bus"
)

// ConsoleChannel is a stdin/stdout transport for local development. One
// chat, session key "console:local".
type ConsoleChannel struct {
	in  io.Reader
	out io.Writer

	mu         sync.Mutex
	onMessage  MessageHandler
	onApproval ApprovalHandler
	cancel     context.CancelFunc
}

func NewConsoleChannel() *ConsoleChannel {
	return &ConsoleChannel{in: os.Stdin, out: os.Stdout}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) BuildSessionKey(parts ...string) string {
	if len(parts) == 0 {
		return bus.BuildSessionKey(c.Name(), "local")
	}
	return bus.BuildSessionKey(c.Name(), parts...)
}

func (c *ConsoleChannel) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

func (c *ConsoleChannel) OnApproval(h ApprovalHandler) {
	c.mu.Lock()
	c.onApproval = h
	c.mu.Unlock()
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler == nil {
			continue
		}
		handler(bus.Message{
			ID:         uuid.NewString(),
			Channel:    c.Name(),
			SessionKey: c.BuildSessionKey(),
			UserID:     "local",
			Content:    line,
			Direction:  bus.DirectionInbound,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (c *ConsoleChannel) SendMessage(ctx context.Context, sessionKey, content string) (*bus.Message, error) {
	fmt.Fprintf(c.out, "\n%s\n", content)
	return &bus.Message{
		ID:         uuid.NewString(),
		Channel:    c.Name(),
		SessionKey: sessionKey,
		Content:    content,
		Direction:  bus.DirectionOutbound,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (c *ConsoleChannel) SendApprovalRequest(ctx context.Context, sessionKey, approvalID, toolName, toolArgs string, showArgs bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool '%s' requires approval (id %s).", toolName, approvalID)
	if showArgs && toolArgs != "" {
		fmt.Fprintf(&b, "\nArgs: %s", toolArgs)
	}
	fmt.Fprintf(&b, "\nReply /approve %s or /deny %s.", approvalID, approvalID)
	_, err := c.SendMessage(ctx, sessionKey, b.String())
	return err
}
