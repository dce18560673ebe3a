package gateway

import (
	"context"

	"github.com/clawgate/clawgate/pkg/models"
)

// Channel is the surface the gateway drives to reach the human behind a
// conversation. Web and chat adapters implement it; the console channel
// in cmd/clawgate is the reference implementation.
type Channel interface {
	// Send delivers a complete message.
	Send(ctx context.Context, text string) error

	// SendStream consumes text fragments until the channel is closed and
	// delivers them incrementally.
	SendStream(ctx context.Context, fragments <-chan string) error

	// RequestConfirmation blocks until the human responds or the
	// channel's own timeout elapses; a timeout resolves to cancel.
	RequestConfirmation(ctx context.Context, prompt string, details map[string]string) (models.ConfirmationDecision, error)
}

// Brain is the reasoning loop's streaming entry point. StreamReply
// produces the assistant reply for the session's current history as a
// channel of text fragments, closed on completion; errs then yields
// exactly one value, nil on success.
type Brain interface {
	StreamReply(ctx context.Context, session *models.Session) (chunks <-chan string, errs <-chan error)
}
