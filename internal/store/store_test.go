package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawgate/clawgate/pkg/models"
)

// Both implementations must satisfy the same contract.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleSession(id string) *models.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Session{
		ID:          id,
		ChannelType: models.ChannelWeb,
		Messages: []models.Message{
			{ID: "m1", Role: models.RoleUser, Content: "hello", CreatedAt: now},
			{ID: "m2", Role: models.RoleAssistant, Content: "hi", CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_SaveAndGetSession(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := sampleSession("web:abc")

			if err := s.SaveSession(ctx, session); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}

			got, err := s.GetSession(ctx, "web:abc")
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.ChannelType != models.ChannelWeb {
				t.Errorf("channel = %q", got.ChannelType)
			}
			if len(got.Messages) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(got.Messages))
			}
			if got.Messages[0].Content != "hello" || got.Messages[1].Content != "hi" {
				t.Errorf("message order lost: %+v", got.Messages)
			}
		})
	}
}

func TestStore_GetSessionNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetSession(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_SaveMessageAppends(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := sampleSession("web:abc")
			if err := s.SaveSession(ctx, session); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}

			msg := &models.Message{
				ID:        "m3",
				Role:      models.RoleUser,
				Content:   "more",
				CreatedAt: time.Now().UTC(),
			}
			if err := s.SaveMessage(ctx, "web:abc", msg); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}

			got, err := s.GetSession(ctx, "web:abc")
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if len(got.Messages) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(got.Messages))
			}
			if got.Messages[2].Content != "more" {
				t.Errorf("appended message = %+v", got.Messages[2])
			}
		})
	}
}

func TestStore_SaveMessageUnknownSession(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			msg := &models.Message{ID: "m1", Role: models.RoleUser, CreatedAt: time.Now()}
			if err := s.SaveMessage(context.Background(), "missing", msg); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ClearSessionKeepsRow(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.SaveSession(ctx, sampleSession("web:abc")); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
			if err := s.ClearSession(ctx, "web:abc"); err != nil {
				t.Fatalf("ClearSession: %v", err)
			}

			got, err := s.GetSession(ctx, "web:abc")
			if err != nil {
				t.Fatalf("GetSession after clear: %v", err)
			}
			if len(got.Messages) != 0 {
				t.Errorf("expected empty history, got %d messages", len(got.Messages))
			}
		})
	}
}

func TestStore_ListSessionsOrderedAndLimited(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)
			for i, id := range []string{"web:a", "web:b", "web:c"} {
				session := sampleSession(id)
				session.Messages = nil
				session.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
				if err := s.SaveSession(ctx, session); err != nil {
					t.Fatalf("SaveSession %s: %v", id, err)
				}
			}

			got, err := s.ListSessions(ctx, 2)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 sessions, got %d", len(got))
			}
			if got[0].ID != "web:c" || got[1].ID != "web:b" {
				t.Errorf("expected most-recent-first order, got %s, %s", got[0].ID, got[1].ID)
			}
		})
	}
}
