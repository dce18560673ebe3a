package models

import (
	"time"
)

// GatewayEventType identifies the kind of gateway event.
type GatewayEventType string

const (
	EventMessageUser  GatewayEventType = "message.user"
	EventMessageStart GatewayEventType = "message.start"
	EventMessageChunk GatewayEventType = "message.chunk"
	EventMessageEnd   GatewayEventType = "message.end"
	EventToolStart    GatewayEventType = "tool.start"
	EventToolEnd      GatewayEventType = "tool.end"
	EventModeChanged  GatewayEventType = "mode.changed"
)

// GatewayEvent is the unified event model published on the gateway bus.
// Exactly one payload pointer is non-nil for a given Type. Sequence is
// monotonic per gateway instance so subscribers can assert ordering.
type GatewayEvent struct {
	Type      GatewayEventType `json:"type"`
	Time      time.Time        `json:"time"`
	Sequence  uint64           `json:"seq"`
	SessionID string           `json:"session_id,omitempty"`

	Message *MessageEventPayload `json:"message,omitempty"`
	Chunk   *ChunkEventPayload   `json:"chunk,omitempty"`
	Tool    *ToolEventPayload    `json:"tool,omitempty"`
	Mode    *ModeEventPayload    `json:"mode,omitempty"`
}

// MessageEventPayload carries a full message for message.user / message.end.
type MessageEventPayload struct {
	Message Message `json:"message"`
}

// ChunkEventPayload carries one streamed text fragment.
type ChunkEventPayload struct {
	Delta string `json:"delta"`
}

// ToolEventPayload describes a tool invocation for tool.start / tool.end.
// Result is set on tool.end, including when the handler failed.
type ToolEventPayload struct {
	Call   ToolCall    `json:"call"`
	Result *ToolResult `json:"result,omitempty"`
}

// ModeEventPayload describes a security mode transition.
type ModeEventPayload struct {
	Previous SecurityMode `json:"previous"`
	Current  SecurityMode `json:"current"`
}
