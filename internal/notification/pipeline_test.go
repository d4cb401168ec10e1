package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/eventlocator/internal/i18n"
	"github.com/hitoshi/eventlocator/internal/model"
)

type pipelineDeps struct {
	repo      *mockNotificationRepo
	resolver  *mockResolver
	publisher *mockPublisher
	realtime  *mockRealtime
	email     *mockEmail
}

func newTestPipeline(t *testing.T, deps *pipelineDeps) *Pipeline {
	t.Helper()
	renderer, err := i18n.New()
	if err != nil {
		t.Fatalf("i18n.New failed: %v", err)
	}
	if deps.repo == nil {
		deps.repo = &mockNotificationRepo{}
	}
	if deps.resolver == nil {
		deps.resolver = &mockResolver{}
	}
	if deps.publisher == nil {
		deps.publisher = &mockPublisher{}
	}
	if deps.realtime == nil {
		deps.realtime = &mockRealtime{}
	}
	if deps.email == nil {
		deps.email = &mockEmail{}
	}
	return NewPipeline(PipelineConfig{
		Notifications: deps.repo,
		Resolver:      deps.resolver,
		Renderer:      renderer,
		Publisher:     deps.publisher,
		Realtime:      deps.realtime,
		Email:         deps.email,
		Logger:        discardLogger(),
		MaxConcurrent: 2,
	})
}

// TestPublishEventUpdate_AssignsMessageID はMessageIDが採番されて発行されることを検証する。
func TestPublishEventUpdate_AssignsMessageID(t *testing.T) {
	deps := &pipelineDeps{}
	p := newTestPipeline(t, deps)

	err := p.PublishEventUpdate(context.Background(), model.EventChange{
		EventID: "e1", Title: "Jazz Night", Category: "music", Changes: "title, time",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps.publisher.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(deps.publisher.published))
	}
	msg := deps.publisher.published[0]
	if msg.channel != ChannelEventUpdates {
		t.Errorf("channel = %q, want %q", msg.channel, ChannelEventUpdates)
	}
	change := msg.payload.(model.EventChange)
	if change.MessageID == "" {
		t.Error("MessageID should be assigned")
	}

	data, _ := json.Marshal(change)
	var wire map[string]any
	json.Unmarshal(data, &wire)
	for _, field := range []string{"message_id", "id", "title", "category", "changes"} {
		if _, ok := wire[field]; !ok {
			t.Errorf("wire format missing %q: %s", field, data)
		}
	}
}

func TestPublishEventUpdate_PublisherError(t *testing.T) {
	deps := &pipelineDeps{publisher: &mockPublisher{err: errors.New("redis down")}}
	p := newTestPipeline(t, deps)

	if err := p.PublishEventUpdate(context.Background(), model.EventChange{EventID: "e1"}); err == nil {
		t.Error("expected error")
	}
}

// TestHandleEventUpdate_RendersPerRecipientLocale は受信者ごとの言語で本文が作られることを検証する。
func TestHandleEventUpdate_RendersPerRecipientLocale(t *testing.T) {
	deps := &pipelineDeps{
		resolver: &mockResolver{
			recipients: []model.Recipient{
				{UserID: "u-en", Language: "en"},
				{UserID: "u-es", Language: "es"},
				{UserID: "u-fr", Language: "fr"},
			},
			emails: map[string]string{"u-en": "en@example.com"},
		},
	}
	p := newTestPipeline(t, deps)

	p.HandleEventUpdate(context.Background(), model.EventChange{
		MessageID: "m1", EventID: "e1", Title: "Jazz Night", Category: "music", Changes: "title, time",
	})

	want := map[string]string{
		"u-en": "Event Jazz Night has been updated: title, time changed",
		"u-es": "El evento Jazz Night ha sido actualizado: title, time cambiados",
		"u-fr": "L'événement Jazz Night a été mis à jour: title, time modifiés",
	}
	for userID, msg := range want {
		got := deps.repo.createdFor(userID)
		if len(got) != 1 {
			t.Errorf("%s: %d notifications, want 1", userID, len(got))
			continue
		}
		if got[0].Message != msg {
			t.Errorf("%s: Message = %q, want %q", userID, got[0].Message, msg)
		}
		if got[0].Type != model.NotificationEventUpdate {
			t.Errorf("%s: Type = %q", userID, got[0].Type)
		}
		if got[0].EventID == nil || *got[0].EventID != "e1" {
			t.Errorf("%s: EventID = %v", userID, got[0].EventID)
		}
	}
	if len(deps.realtime.pushed) != 3 {
		t.Errorf("pushed = %v, want 3 users", deps.realtime.pushed)
	}
	// メールアドレスのあるユーザーのみメールを送る
	if len(deps.email.sent) != 1 || deps.email.sent[0].To != "en@example.com" {
		t.Errorf("emails = %+v", deps.email.sent)
	}
	if deps.email.sent[0].Subject != "Event update: Jazz Night" {
		t.Errorf("Subject = %q", deps.email.sent[0].Subject)
	}
}

// TestHandleEventUpdate_Cancelled は中止がEVENT_DELETEとして配信されることを検証する。
func TestHandleEventUpdate_Cancelled(t *testing.T) {
	deps := &pipelineDeps{
		resolver: &mockResolver{recipients: []model.Recipient{{UserID: "u1", Language: "es"}}},
	}
	p := newTestPipeline(t, deps)

	p.HandleEventUpdate(context.Background(), model.EventChange{
		MessageID: "m1", EventID: "e1", Title: "Jazz Night", Changes: "cancelled",
	})

	got := deps.repo.createdFor("u1")
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].Type != model.NotificationEventDelete {
		t.Errorf("Type = %q, want EVENT_DELETE", got[0].Type)
	}
	if got[0].Message != "El evento Jazz Night ha sido cancelado" {
		t.Errorf("Message = %q", got[0].Message)
	}
}

// TestHandleEventUpdate_FailureIsolated は1人の配信失敗が他の受信者を妨げないことを検証する。
func TestHandleEventUpdate_FailureIsolated(t *testing.T) {
	repo := &mockNotificationRepo{
		createFn: func(_ context.Context, n *model.Notification) (bool, error) {
			if n.UserID == "u-bad-db" {
				return false, errors.New("insert failed")
			}
			return true, nil
		},
	}
	deps := &pipelineDeps{
		repo: repo,
		resolver: &mockResolver{recipients: []model.Recipient{
			{UserID: "u1", Language: "en"},
			{UserID: "u-bad-db", Language: "en"},
			{UserID: "u-bad-push", Language: "en"},
			{UserID: "u2", Language: "en"},
		}},
		realtime: &mockRealtime{failFor: map[string]bool{"u-bad-push": true}},
	}
	p := newTestPipeline(t, deps)

	p.HandleEventUpdate(context.Background(), model.EventChange{
		MessageID: "m1", EventID: "e1", Title: "Jazz Night", Changes: "title",
	})

	for _, userID := range []string{"u1", "u-bad-push", "u2"} {
		if len(repo.createdFor(userID)) != 1 {
			t.Errorf("%s should have a persisted notification", userID)
		}
	}
	pushed := map[string]bool{}
	for _, u := range deps.realtime.pushed {
		pushed[u] = true
	}
	// 永続化に失敗したユーザーにもリアルタイム配信は行う
	for _, userID := range []string{"u1", "u-bad-db", "u2"} {
		if !pushed[userID] {
			t.Errorf("pushed = %v, want %s", deps.realtime.pushed, userID)
		}
	}
}

// TestHandleEventUpdate_PersistFailureStillDispatches は保存に失敗してもリアルタイム配信とメール配信が行われることを検証する。
func TestHandleEventUpdate_PersistFailureStillDispatches(t *testing.T) {
	deps := &pipelineDeps{
		repo: &mockNotificationRepo{
			createFn: func(context.Context, *model.Notification) (bool, error) {
				return false, errors.New("db down")
			},
		},
		resolver: &mockResolver{
			recipients: []model.Recipient{{UserID: "u1", Language: "en"}},
			emails:     map[string]string{"u1": "u1@example.com"},
		},
	}
	p := newTestPipeline(t, deps)

	p.HandleEventUpdate(context.Background(), model.EventChange{
		MessageID: "m1", EventID: "e1", Title: "Jazz Night", Changes: "title",
	})

	if len(deps.realtime.pushed) != 1 || deps.realtime.pushed[0] != "u1" {
		t.Errorf("pushed = %v, want [u1]", deps.realtime.pushed)
	}
	if len(deps.email.sent) != 1 || deps.email.sent[0].To != "u1@example.com" {
		t.Errorf("emails = %+v, want one to u1@example.com", deps.email.sent)
	}
}

// TestSendDirectNotification_PersistFailureStillPushes は保存に失敗してもリアルタイム配信し、エラーを返すことを検証する。
func TestSendDirectNotification_PersistFailureStillPushes(t *testing.T) {
	deps := &pipelineDeps{
		repo: &mockNotificationRepo{
			createFn: func(context.Context, *model.Notification) (bool, error) {
				return false, errors.New("db down")
			},
		},
	}
	p := newTestPipeline(t, deps)

	n, err := p.SendDirectNotification(context.Background(), "u1", model.NotificationSystem, "hello", nil)
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if n != nil {
		t.Errorf("notification = %+v, want nil", n)
	}
	if len(deps.realtime.pushed) != 1 || deps.realtime.pushed[0] != "u1" {
		t.Errorf("pushed = %v, want [u1]", deps.realtime.pushed)
	}
}

// TestHandleEventUpdate_DuplicateMessageSkipped は同じメッセージを2回受信しても通知が1件のみであることを検証する。
// 複数インスタンスが同じブロードキャストを受信した状況に相当する。
func TestHandleEventUpdate_DuplicateMessageSkipped(t *testing.T) {
	deps := &pipelineDeps{
		resolver: &mockResolver{recipients: []model.Recipient{{UserID: "u1", Language: "en"}}},
	}
	p := newTestPipeline(t, deps)
	change := model.EventChange{MessageID: "m1", EventID: "e1", Title: "Jazz Night", Changes: "title"}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.HandleEventUpdate(context.Background(), change)
		}()
	}
	wg.Wait()

	if got := len(deps.repo.createdFor("u1")); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
	if len(deps.realtime.pushed) != 1 {
		t.Errorf("pushed = %d, want 1", len(deps.realtime.pushed))
	}
}

func TestHandleEventUpdate_ResolverErrorIsSwallowed(t *testing.T) {
	deps := &pipelineDeps{resolver: &mockResolver{findErr: errors.New("db down")}}
	p := newTestPipeline(t, deps)

	p.HandleEventUpdate(context.Background(), model.EventChange{EventID: "e1", Changes: "title"})

	if len(deps.repo.created) != 0 {
		t.Error("no notifications should be created")
	}
}

// TestHandleEventReminder_UsesUserLanguage はリマインダーが各ユーザーの言語で配信されることを検証する。
func TestHandleEventReminder_UsesUserLanguage(t *testing.T) {
	deps := &pipelineDeps{
		resolver: &mockResolver{languages: map[string]string{"u-fr": "fr"}},
	}
	p := newTestPipeline(t, deps)

	start := time.Date(2026, 11, 1, 20, 0, 0, 0, time.UTC)
	p.HandleEventReminder(context.Background(), model.EventReminder{
		ReminderID: "r1", EventID: "e1", Title: "Jazz Night", StartTime: start,
		UserIDs: []string{"u-fr", "u-en"},
	})

	fr := deps.repo.createdFor("u-fr")
	if len(fr) != 1 || fr[0].Message != "Rappel: Jazz Night commence à 2026-11-01 20:00 UTC" {
		t.Errorf("fr = %+v", fr)
	}
	en := deps.repo.createdFor("u-en")
	if len(en) != 1 || en[0].Message != "Reminder: Jazz Night is starting at 2026-11-01 20:00 UTC" {
		t.Errorf("en = %+v", en)
	}
	if en[0].Type != model.NotificationEventReminder {
		t.Errorf("Type = %q", en[0].Type)
	}
}

func TestSendDirectNotification(t *testing.T) {
	deps := &pipelineDeps{}
	p := newTestPipeline(t, deps)

	eventID := "e1"
	n, err := p.SendDirectNotification(context.Background(), "u1", model.NotificationSystem, "hello", &eventID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID == "" || n.UserID != "u1" || n.Message != "hello" {
		t.Errorf("notification = %+v", n)
	}
	if len(deps.realtime.pushed) != 1 {
		t.Errorf("pushed = %v", deps.realtime.pushed)
	}
	if len(deps.email.sent) != 0 {
		t.Error("direct notifications should not be emailed")
	}
}

func TestSendDirectNotification_InvalidType(t *testing.T) {
	p := newTestPipeline(t, &pipelineDeps{})

	_, err := p.SendDirectNotification(context.Background(), "u1", "BOGUS", "hello", nil)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
		t.Errorf("err = %v, want validation error", err)
	}
}

// TestHandlers_DecodeAndDispatch はチャネル別ハンドラーがJSONをデコードして処理することを検証する。
func TestHandlers_DecodeAndDispatch(t *testing.T) {
	deps := &pipelineDeps{
		resolver: &mockResolver{recipients: []model.Recipient{{UserID: "u1", Language: "en"}}},
	}
	p := newTestPipeline(t, deps)
	handlers := p.Handlers()

	handlers[ChannelEventUpdates](context.Background(),
		[]byte(`{"message_id":"m1","id":"e1","title":"Jazz Night","category":"music","changes":"price"}`))
	handlers[ChannelEventUpdates](context.Background(), []byte(`not json`))

	if got := len(deps.repo.createdFor("u1")); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}
