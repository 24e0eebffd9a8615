package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lexrelay/pkg/interfaces"
	"lexrelay/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCase(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, user := range []*types.User{
		{ID: "attorney-1", DisplayName: "Attorney", IsActive: true},
		{ID: "client-1", DisplayName: "Client", IsActive: true},
		{ID: "departed-1", DisplayName: "Departed", IsActive: false},
	} {
		if err := s.CreateUser(ctx, user); err != nil {
			t.Fatalf("Failed to seed user %s: %v", user.ID, err)
		}
	}
	if err := s.CreateConversation(ctx, &types.Conversation{
		ID:             "case-100",
		Title:          "Estate of Harmon",
		ParticipantIDs: []string{"attorney-1", "client-1", "departed-1"},
	}); err != nil {
		t.Fatalf("Failed to seed conversation: %v", err)
	}
}

func TestFindUser(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	user, err := s.FindByID(ctx, "attorney-1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if user.DisplayName != "Attorney" || !user.IsActive {
		t.Errorf("Unexpected user: %+v", user)
	}

	if _, err := s.FindByID(ctx, "nobody"); !errors.Is(err, interfaces.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestConversationLookup(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	conversation, err := s.Conversations().FindByID(ctx, "case-100")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if conversation.Title != "Estate of Harmon" || len(conversation.ParticipantIDs) != 3 {
		t.Errorf("Unexpected conversation: %+v", conversation)
	}

	if _, err := s.Conversations().FindByID(ctx, "case-999"); !errors.Is(err, interfaces.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}

	mine, err := s.FindByParticipant(ctx, "attorney-1")
	if err != nil {
		t.Fatalf("FindByParticipant failed: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "case-100" {
		t.Errorf("Expected one conversation for attorney-1, got %v", mine)
	}

	none, err := s.FindByParticipant(ctx, "outsider-1")
	if err != nil {
		t.Fatalf("FindByParticipant failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no conversations for outsider, got %v", none)
	}
}

func TestHasPermissionRequiresActiveParticipant(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	allowed, err := s.HasPermission(ctx, "case-100", "attorney-1", interfaces.ActionSendMessage)
	if err != nil || !allowed {
		t.Errorf("Active participant should be permitted, got %v %v", allowed, err)
	}

	allowed, err = s.HasPermission(ctx, "case-100", "departed-1", interfaces.ActionSendMessage)
	if err != nil || allowed {
		t.Errorf("Deactivated participant should be denied, got %v %v", allowed, err)
	}

	allowed, err = s.HasPermission(ctx, "case-100", "outsider-1", interfaces.ActionSendMessage)
	if err != nil || allowed {
		t.Errorf("Non-participant should be denied, got %v %v", allowed, err)
	}
}

func TestSaveAndLoadMessage(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err := s.Save(ctx, &types.Message{
		ID:             "m1",
		ConversationID: "case-100",
		SenderID:       "attorney-1",
		Content:        "Signed copy attached",
		Priority:       types.PriorityHigh,
		Attachments: []types.Attachment{
			{FileName: "agreement.pdf", MimeType: "application/pdf", Size: 1024, URL: "https://files.example.com/agreement.pdf"},
		},
		Formatting: []types.FormatRange{{Kind: "bold", Start: 0, End: 6}},
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := s.GetByID(ctx, "m1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if loaded.Content != "Signed copy attached" || loaded.Priority != types.PriorityHigh {
		t.Errorf("Unexpected message: %+v", loaded)
	}
	if !loaded.CreatedAt.Equal(created) {
		t.Errorf("Expected created_at %v, got %v", created, loaded.CreatedAt)
	}
	if len(loaded.Attachments) != 1 || loaded.Attachments[0].FileName != "agreement.pdf" {
		t.Errorf("Unexpected attachments: %+v", loaded.Attachments)
	}
	if len(loaded.Formatting) != 1 || loaded.Formatting[0].Kind != "bold" {
		t.Errorf("Unexpected formatting: %+v", loaded.Formatting)
	}

	if _, err := s.GetByID(ctx, "m9"); !errors.Is(err, interfaces.ErrMessageNotFound) {
		t.Errorf("Expected ErrMessageNotFound, got %v", err)
	}
}

func TestDeliveryAndReadMarksAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	if _, err := s.Save(ctx, &types.Message{
		ID: "m1", ConversationID: "case-100", SenderID: "attorney-1",
		Content: "hello", Priority: types.PriorityNormal, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkDelivered(ctx, "m1", "client-1"); err != nil {
			t.Fatalf("MarkDelivered failed: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.MarkRead(ctx, "m1", "client-1"); err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
	}

	delivered, read, err := s.DeliveryState(ctx, "m1", "client-1")
	if err != nil {
		t.Fatalf("DeliveryState failed: %v", err)
	}
	if !delivered || !read {
		t.Errorf("Expected delivered and read, got delivered=%v read=%v", delivered, read)
	}
}

func TestMarkConversationReadSkipsOwnMessages(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	for _, m := range []*types.Message{
		{ID: "m1", ConversationID: "case-100", SenderID: "attorney-1", Content: "a", Priority: types.PriorityNormal, CreatedAt: time.Now()},
		{ID: "m2", ConversationID: "case-100", SenderID: "client-1", Content: "b", Priority: types.PriorityNormal, CreatedAt: time.Now()},
	} {
		if _, err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if err := s.MarkConversationRead(ctx, "case-100", "client-1"); err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}

	_, read, err := s.DeliveryState(ctx, "m1", "client-1")
	if err != nil || !read {
		t.Errorf("Expected attorney's message read by client, got read=%v err=%v", read, err)
	}
	_, read, err = s.DeliveryState(ctx, "m2", "client-1")
	if err != nil || read {
		t.Errorf("Own message must not receive a read mark, got read=%v err=%v", read, err)
	}
}

func TestReactionsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedCase(t, s)
	ctx := context.Background()

	if _, err := s.Save(ctx, &types.Message{
		ID: "m1", ConversationID: "case-100", SenderID: "attorney-1",
		Content: "hello", Priority: types.PriorityNormal, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.AddReaction(ctx, "m1", "client-1", "👍"); err != nil {
			t.Fatalf("AddReaction failed: %v", err)
		}
	}

	reactions, err := s.Reactions(ctx, "m1")
	if err != nil {
		t.Fatalf("Reactions failed: %v", err)
	}
	if len(reactions["👍"]) != 1 {
		t.Errorf("Duplicate add must store one reaction, got %v", reactions)
	}

	if err := s.RemoveReaction(ctx, "m1", "client-1", "👍"); err != nil {
		t.Fatalf("RemoveReaction failed: %v", err)
	}
	reactions, err = s.Reactions(ctx, "m1")
	if err != nil {
		t.Fatalf("Reactions failed: %v", err)
	}
	if len(reactions) != 0 {
		t.Errorf("Expected no reactions after removal, got %v", reactions)
	}
}
