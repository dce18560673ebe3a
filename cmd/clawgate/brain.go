package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/clawgate/clawgate/internal/codex"
	"github.com/clawgate/clawgate/pkg/models"
)

// codexBrain drives one turn of the reasoning subprocess per message:
// it submits the session history as a turn request and relays the delta
// notifications as stream chunks until the request completes.
//
// The client exposes a single shared notification channel, so turns are
// serialized across sessions: whichever turn is running owns the channel
// and every delta it sees belongs to it. Without that exclusivity, two
// concurrent sessions would consume and discard each other's chunks.
type codexBrain struct {
	client *codex.Client
	logger *slog.Logger

	// turnMu grants the running turn exclusive use of the notification
	// channel.
	turnMu sync.Mutex
}

type turnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type turnParams struct {
	SessionID string        `json:"sessionId"`
	Messages  []turnMessage `json:"messages"`
}

type turnDelta struct {
	SessionID string `json:"sessionId"`
	Delta     string `json:"delta"`
}

func newCodexBrain(client *codex.Client, logger *slog.Logger) *codexBrain {
	return &codexBrain{client: client, logger: logger.With("component", "brain")}
}

func (b *codexBrain) StreamReply(ctx context.Context, session *models.Session) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		errs <- b.stream(ctx, session, chunks)
	}()
	return chunks, errs
}

func (b *codexBrain) stream(ctx context.Context, session *models.Session, chunks chan<- string) error {
	b.turnMu.Lock()
	defer b.turnMu.Unlock()

	if err := b.client.EnsureInitialized(ctx); err != nil {
		return err
	}

	params := turnParams{SessionID: session.ID}
	for _, msg := range session.Messages {
		params.Messages = append(params.Messages, turnMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.client.Request(ctx, "turn/run", params)
		done <- err
	}()

	for {
		select {
		case notif := <-b.client.Notifications():
			b.relayDelta(notif, session.ID, chunks)
		case err := <-done:
			// The subprocess writes its last deltas before answering the
			// turn request, and the read loop preserves line order, so
			// anything still buffered belongs to this turn. Flush it.
			for {
				select {
				case notif := <-b.client.Notifications():
					b.relayDelta(notif, session.ID, chunks)
				default:
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *codexBrain) relayDelta(notif *codex.Notification, sessionID string, chunks chan<- string) {
	if notif.Method != "turn/delta" {
		return
	}
	var delta turnDelta
	if err := json.Unmarshal(notif.Params, &delta); err != nil {
		b.logger.Warn("malformed delta notification", "error", err)
		return
	}
	if delta.SessionID != "" && delta.SessionID != sessionID {
		b.logger.Warn("delta for a different session", "session_id", delta.SessionID)
		return
	}
	chunks <- delta.Delta
}
