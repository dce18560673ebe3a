// Package gateway is the composition root: it owns session state, the
// per-session lane queue, the security mode, and the event bus that
// channels subscribe to.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawgate/clawgate/internal/lanes"
	"github.com/clawgate/clawgate/internal/observability"
	"github.com/clawgate/clawgate/internal/store"
	"github.com/clawgate/clawgate/pkg/models"
)

// SessionKey builds the canonical session id for a channel conversation.
func SessionKey(channel models.ChannelType, channelID string) string {
	return fmt.Sprintf("%s:%s", channel, channelID)
}

// Options configures a Gateway. Store, Brain and Bus are required.
type Options struct {
	Store store.Store
	Brain Brain
	Bus   *Bus

	// SpicyEnabled is the configuration opt-in without which the gateway
	// refuses to ever enter spicy mode.
	SpicyEnabled bool

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Gateway routes inbound messages through their session lanes, drives
// the reasoning loop, and persists the resulting history best-effort.
type Gateway struct {
	store store.Store
	brain Brain
	bus   *Bus
	lanes *lanes.Queue

	metrics *observability.Metrics
	logger  *slog.Logger

	mu           sync.RWMutex // guards mode, spicyEnabled, sessions
	mode         models.SecurityMode
	spicyEnabled bool
	sessions     map[string]*models.Session
}

// New creates a gateway starting in safe mode.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Brain == nil {
		return nil, fmt.Errorf("brain is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:        opts.Store,
		brain:        opts.Brain,
		bus:          opts.Bus,
		lanes:        lanes.NewQueue(),
		metrics:      opts.Metrics,
		logger:       logger.With("component", "gateway"),
		mode:         models.ModeSafe,
		spicyEnabled: opts.SpicyEnabled,
		sessions:     make(map[string]*models.Session),
	}, nil
}

// Mode returns the active security mode. Satisfies the sandbox's mode
// provider.
func (g *Gateway) Mode() models.SecurityMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// SetSecurityMode switches the gateway-wide trust level. Spicy can only
// be entered when the configuration opt-in is set.
func (g *Gateway) SetSecurityMode(mode models.SecurityMode) error {
	if mode != models.ModeSafe && mode != models.ModeSpicy {
		return fmt.Errorf("unknown security mode %q", mode)
	}

	g.mu.Lock()
	if mode == models.ModeSpicy && !g.spicyEnabled {
		g.mu.Unlock()
		return fmt.Errorf("spicy mode is not enabled in configuration")
	}
	previous := g.mode
	if previous == mode {
		g.mu.Unlock()
		return nil
	}
	g.mode = mode
	g.mu.Unlock()

	g.logger.Info("security mode changed", "previous", previous, "current", mode)
	g.bus.Publish(models.GatewayEvent{
		Type: models.EventModeChanged,
		Mode: &models.ModeEventPayload{Previous: previous, Current: mode},
	})
	return nil
}

// SetSpicyEnabled flips the configuration opt-in. Disabling it is
// rejected while the gateway is actively running in spicy mode; drop
// back to safe first.
func (g *Gateway) SetSpicyEnabled(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !enabled && g.mode == models.ModeSpicy {
		return fmt.Errorf("cannot disable the spicy opt-in while running in spicy mode")
	}
	g.spicyEnabled = enabled
	return nil
}

// Subscribe attaches an event consumer to the gateway bus.
func (g *Gateway) Subscribe(buffer int) *Subscription {
	return g.bus.Subscribe(buffer)
}

// ProcessMessage runs the full turn for one inbound message inside the
// session's lane: append to history, stream the reply, persist. It
// returns only enqueue-level failures; everything that goes wrong during
// the turn degrades to an error reply visible to the user.
func (g *Gateway) ProcessMessage(ctx context.Context, sessionID string, channelType models.ChannelType, channel Channel, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	_, err := lanes.Enqueue(g.lanes, sessionID, func(ctx context.Context) (struct{}, error) {
		g.runTurn(ctx, sessionID, channelType, channel, msg)
		return struct{}{}, nil
	}, &lanes.EnqueueOptions{
		Context: ctx,
		OnWait: func(waited time.Duration, queuedAhead int) {
			g.logger.Warn("message waited in lane",
				"session_id", sessionID, "waited", waited, "queued_ahead", queuedAhead)
		},
	})
	return err
}

// runTurn executes one message turn. It runs while holding the session's
// lane, which is the only context in which session history is mutated.
func (g *Gateway) runTurn(ctx context.Context, sessionID string, channelType models.ChannelType, channel Channel, msg *models.Message) {
	session := g.session(ctx, sessionID, channelType)

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	g.appendMessage(ctx, session, msg)

	if g.metrics != nil {
		g.metrics.MessageCounter.WithLabelValues(string(channelType), "inbound").Inc()
	}
	g.bus.Publish(models.GatewayEvent{
		Type:      models.EventMessageUser,
		SessionID: sessionID,
		Message:   &models.MessageEventPayload{Message: *msg},
	})
	g.bus.Publish(models.GatewayEvent{
		Type:      models.EventMessageStart,
		SessionID: sessionID,
	})

	final, streamErr := g.streamReply(ctx, session, channel)
	if streamErr != nil {
		final = fmt.Sprintf("Something went wrong while generating a reply: %v", streamErr)
		g.logger.Error("reasoning stream failed", "session_id", sessionID, "error", streamErr)
		if err := channel.Send(ctx, final); err != nil {
			g.logger.Warn("failed to deliver error reply", "session_id", sessionID, "error", err)
		}
	}

	reply := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   final,
		CreatedAt: time.Now().UTC(),
	}
	g.appendMessage(ctx, session, reply)
	if g.metrics != nil {
		g.metrics.MessageCounter.WithLabelValues(string(channelType), "outbound").Inc()
	}

	g.bus.Publish(models.GatewayEvent{
		Type:      models.EventMessageEnd,
		SessionID: sessionID,
		Message:   &models.MessageEventPayload{Message: *reply},
	})
}

// streamReply drives the brain's chunk stream, teeing each fragment to
// the channel and the event bus while accumulating the full text.
func (g *Gateway) streamReply(ctx context.Context, session *models.Session, channel Channel) (string, error) {
	chunks, errs := g.brain.StreamReply(ctx, session)

	out := make(chan string, 16)
	delivered := make(chan error, 1)
	go func() {
		err := channel.SendStream(ctx, out)
		// A channel that bails early must not wedge the producer.
		for range out {
		}
		delivered <- err
	}()

	var buf strings.Builder
	for chunk := range chunks {
		buf.WriteString(chunk)
		out <- chunk
		g.bus.Publish(models.GatewayEvent{
			Type:      models.EventMessageChunk,
			SessionID: session.ID,
			Chunk:     &models.ChunkEventPayload{Delta: chunk},
		})
	}
	close(out)

	if err := <-delivered; err != nil {
		g.logger.Warn("stream delivery failed", "session_id", session.ID, "error", err)
	}
	return buf.String(), <-errs
}

// session returns the in-memory session for id, hydrating it from the
// store on first sight or creating it fresh.
func (g *Gateway) session(ctx context.Context, id string, channelType models.ChannelType) *models.Session {
	g.mu.Lock()
	if existing, ok := g.sessions[id]; ok {
		g.mu.Unlock()
		return existing
	}
	g.mu.Unlock()

	// Hydration happens outside the map lock; the lane already serializes
	// access per session id, so no second hydration can race this one.
	session, err := g.store.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("session hydration failed", "session_id", id, "error", err)
		}
		now := time.Now().UTC()
		session = &models.Session{
			ID:          id,
			ChannelType: channelType,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := g.store.SaveSession(ctx, session); err != nil {
			g.logger.Warn("session save failed", "session_id", id, "error", err)
		}
	}

	g.mu.Lock()
	g.sessions[id] = session
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveSessions.Inc()
	}
	return session
}

// appendMessage adds msg to the session history and persists it. The
// persistence is best-effort: a storage failure is logged and the turn
// continues.
func (g *Gateway) appendMessage(ctx context.Context, session *models.Session, msg *models.Message) {
	session.Messages = append(session.Messages, *msg)
	session.UpdatedAt = time.Now().UTC()
	if err := g.store.SaveMessage(ctx, session.ID, msg); err != nil {
		g.logger.Warn("message persistence failed", "session_id", session.ID, "error", err)
	}
}

// ClearSession empties a session's history and persists the cleared
// state. The session object and its lane survive, so the next message
// reuses them instead of racing a fresh lane into existence.
func (g *Gateway) ClearSession(ctx context.Context, sessionID string) error {
	_, err := lanes.Enqueue(g.lanes, sessionID, func(ctx context.Context) (struct{}, error) {
		g.mu.Lock()
		session, ok := g.sessions[sessionID]
		g.mu.Unlock()
		if ok {
			session.Messages = nil
			session.UpdatedAt = time.Now().UTC()
		}
		if err := g.store.ClearSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("session clear persistence failed", "session_id", sessionID, "error", err)
		}
		return struct{}{}, nil
	}, &lanes.EnqueueOptions{Context: ctx})
	return err
}

// Session returns the in-memory session for id, if the gateway has seen
// it.
func (g *Gateway) Session(id string) (*models.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	session, ok := g.sessions[id]
	return session, ok
}

// ListSessions returns up to limit sessions ordered by recency.
func (g *Gateway) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	return g.store.ListSessions(ctx, limit)
}
