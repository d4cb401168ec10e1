package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/hitoshi/eventlocator/internal/model"
)

// --- モック定義 ---
// パイプラインは受信者ごとに並列で呼び出すため、記録はすべてmutexで保護する。

type mockNotificationRepo struct {
	mu      sync.Mutex
	created []*model.Notification
	seen    map[string]bool

	createFn         func(ctx context.Context, n *model.Notification) (bool, error)
	listByUserFn     func(ctx context.Context, userID string, limit, offset int) ([]model.Notification, error)
	countUnreadFn    func(ctx context.Context, userID string) (int, error)
	markAsReadFn     func(ctx context.Context, userID, id string) (bool, error)
	markManyAsReadFn func(ctx context.Context, userID string, ids []string) (int64, error)
	markAllAsReadFn  func(ctx context.Context, userID string) (int64, error)
	deleteFn         func(ctx context.Context, userID, id string) (bool, error)
}

// Create はcreateFnが未設定の場合、DedupeKeyで重複排除しながら記録する。
func (m *mockNotificationRepo) Create(ctx context.Context, n *model.Notification) (bool, error) {
	if m.createFn != nil {
		ok, err := m.createFn(ctx, n)
		if ok {
			m.mu.Lock()
			m.created = append(m.created, n)
			m.mu.Unlock()
		}
		return ok, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if n.DedupeKey != nil {
		key := n.UserID + "/" + *n.DedupeKey
		if m.seen[key] {
			return false, nil
		}
		m.seen[key] = true
	}
	m.created = append(m.created, n)
	return true, nil
}

func (m *mockNotificationRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Notification, error) {
	return m.listByUserFn(ctx, userID, limit, offset)
}

func (m *mockNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	return m.countUnreadFn(ctx, userID)
}

func (m *mockNotificationRepo) MarkAsRead(ctx context.Context, userID, id string) (bool, error) {
	return m.markAsReadFn(ctx, userID, id)
}

func (m *mockNotificationRepo) MarkManyAsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	return m.markManyAsReadFn(ctx, userID, ids)
}

func (m *mockNotificationRepo) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	return m.markAllAsReadFn(ctx, userID)
}

func (m *mockNotificationRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	return m.deleteFn(ctx, userID, id)
}

func (m *mockNotificationRepo) createdFor(userID string) []*model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Notification
	for _, n := range m.created {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

type mockResolver struct {
	recipients []model.Recipient
	findErr    error
	languages  map[string]string
	emails     map[string]string
}

func (m *mockResolver) FindInterestedUsers(context.Context, string, string) ([]model.Recipient, error) {
	return m.recipients, m.findErr
}

func (m *mockResolver) UserLanguage(_ context.Context, userID string) string {
	if lang, ok := m.languages[userID]; ok {
		return lang
	}
	return model.DefaultLanguage
}

func (m *mockResolver) UserEmail(_ context.Context, userID string) (string, error) {
	return m.emails[userID], nil
}

type publishedMessage struct {
	channel string
	payload any
}

type mockPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, channel string, payload any) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{channel: channel, payload: payload})
	return nil
}

// mockRealtime はfailFor に含まれるユーザーへの配信を失敗させる。
type mockRealtime struct {
	mu      sync.Mutex
	pushed  []string
	failFor map[string]bool
}

func (m *mockRealtime) Push(_ context.Context, userID string, _ *model.Notification) error {
	if m.failFor[userID] {
		return errors.New("push failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, userID)
	return nil
}

type mockEmail struct {
	mu   sync.Mutex
	sent []EmailMessage
}

func (m *mockEmail) Send(_ context.Context, msg EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
