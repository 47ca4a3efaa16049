// Package channels defines the transport contract the workspace runtime
// consumes, plus shared helpers (allowlists, outbound rate limiting) and a
// console channel for local development.
package channels

import (
	"context"

	"github.com/openpaw/openpaw/internal/bus"
)

// MessageHandler receives inbound messages.
type MessageHandler func(msg bus.Message)

// ApprovalHandler receives approval resolutions from channel UI or commands.
type ApprovalHandler func(approvalID string, approved bool)

// Channel is a chat transport bound to one workspace.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error

	// SendMessage delivers content to the chat behind sessionKey.
	SendMessage(ctx context.Context, sessionKey, content string) (*bus.Message, error)
	// SendApprovalRequest renders the approval prompt for a gated tool.
	SendApprovalRequest(ctx context.Context, sessionKey, approvalID, toolName, toolArgs string, showArgs bool) error

	OnMessage(handler MessageHandler)
	OnApproval(handler ApprovalHandler)

	// BuildSessionKey builds "name:part1:part2".
	BuildSessionKey(parts ...string) string
}

// FileSender is the optional file-upload capability; feature-test with a
// type assertion before calling.
type FileSender interface {
	SendFile(ctx context.Context, sessionKey string, data []byte, filename, mime, caption string) error
}
