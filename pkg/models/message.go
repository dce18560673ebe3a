// Package models provides the domain types shared across the gateway.
package models

import (
	"time"
)

// ChannelType identifies the surface a conversation arrived on.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelChat     ChannelType = "chat"
	ChannelTerminal ChannelType = "terminal"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
// Messages are immutable once appended to a session.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	Type     string `json:"type"` // image, audio, document
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCall is a model request to execute a tool. Arguments is decoded
// into a map so the sandbox can rewrite path arguments in place before
// the handler runs.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Session represents one logical conversation thread. The session id is
// the lane key: "<channelType>:<channelSpecificId>".
type Session struct {
	ID          string      `json:"id"`
	ChannelType ChannelType `json:"channel_type"`
	Messages    []Message   `json:"messages"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SecurityMode is the gateway-wide trust level.
type SecurityMode string

const (
	// ModeSafe jails filesystem access, enforces the command allowlist,
	// and requires confirmation for flagged tools.
	ModeSafe SecurityMode = "safe"
	// ModeSpicy grants unrestricted tool access. Entering it requires an
	// explicit configuration opt-in.
	ModeSpicy SecurityMode = "spicy"
)

// ConfirmationDecision is a human response to a confirmation prompt.
type ConfirmationDecision string

const (
	ConfirmAllowOnce   ConfirmationDecision = "allow_once"
	ConfirmAllowAlways ConfirmationDecision = "allow_always"
	ConfirmCancel      ConfirmationDecision = "cancel"
)
