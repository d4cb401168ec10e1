package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/eventlocator/internal/event"
	"github.com/hitoshi/eventlocator/internal/middleware"
	"github.com/hitoshi/eventlocator/internal/model"
)

// --- モック定義 ---

// mockEventService はEventServiceInterfaceのモック実装。
type mockEventService struct {
	getFn        func(ctx context.Context, id string) (*model.Event, error)
	listFn       func(ctx context.Context, filter model.EventFilter) (*event.ListResult, error)
	listMineFn   func(ctx context.Context, principal model.Principal, filter model.EventFilter) (*event.ListResult, error)
	nearbyFn     func(ctx context.Context, q model.NearbyQuery) (*event.NearbyResult, error)
	categoriesFn func(ctx context.Context) ([]string, error)
	createFn     func(ctx context.Context, principal model.Principal, in event.CreateInput) (*model.Event, error)
	updateFn     func(ctx context.Context, principal model.Principal, id string, patch model.EventPatch) (*model.Event, error)
	deleteFn     func(ctx context.Context, principal model.Principal, id string) error
}

func (m *mockEventService) Get(ctx context.Context, id string) (*model.Event, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewEventNotFoundError(id)
}

func (m *mockEventService) List(ctx context.Context, filter model.EventFilter) (*event.ListResult, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return &event.ListResult{Limit: 20}, nil
}

func (m *mockEventService) ListMine(ctx context.Context, principal model.Principal, filter model.EventFilter) (*event.ListResult, error) {
	if m.listMineFn != nil {
		return m.listMineFn(ctx, principal, filter)
	}
	return &event.ListResult{Limit: 20}, nil
}

func (m *mockEventService) Nearby(ctx context.Context, q model.NearbyQuery) (*event.NearbyResult, error) {
	if m.nearbyFn != nil {
		return m.nearbyFn(ctx, q)
	}
	return &event.NearbyResult{Latitude: q.Latitude, Longitude: q.Longitude, RadiusKm: q.RadiusKm}, nil
}

func (m *mockEventService) Categories(ctx context.Context) ([]string, error) {
	if m.categoriesFn != nil {
		return m.categoriesFn(ctx)
	}
	return nil, nil
}

func (m *mockEventService) Create(ctx context.Context, principal model.Principal, in event.CreateInput) (*model.Event, error) {
	if m.createFn != nil {
		return m.createFn(ctx, principal, in)
	}
	return &model.Event{ID: "event-1", CreatedBy: principal.ID}, nil
}

func (m *mockEventService) Update(ctx context.Context, principal model.Principal, id string, patch model.EventPatch) (*model.Event, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, principal, id, patch)
	}
	return &model.Event{ID: id}, nil
}

func (m *mockEventService) Delete(ctx context.Context, principal model.Principal, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, principal, id)
	}
	return nil
}

// mockNotificationService はNotificationServiceInterfaceのモック実装。
type mockNotificationService struct {
	listFn           func(ctx context.Context, userID string, page, limit int) (*model.NotificationPage, error)
	unreadCountFn    func(ctx context.Context, userID string) (int, error)
	markAsReadFn     func(ctx context.Context, userID, notificationID string) error
	markManyAsReadFn func(ctx context.Context, userID string, ids []string) (int64, error)
	markAllAsReadFn  func(ctx context.Context, userID string) (int64, error)
	deleteFn         func(ctx context.Context, userID, notificationID string) error
}

func (m *mockNotificationService) List(ctx context.Context, userID string, page, limit int) (*model.NotificationPage, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, page, limit)
	}
	return &model.NotificationPage{Page: page, Limit: 10}, nil
}

func (m *mockNotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	if m.unreadCountFn != nil {
		return m.unreadCountFn(ctx, userID)
	}
	return 0, nil
}

func (m *mockNotificationService) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	if m.markAsReadFn != nil {
		return m.markAsReadFn(ctx, userID, notificationID)
	}
	return nil
}

func (m *mockNotificationService) MarkManyAsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if m.markManyAsReadFn != nil {
		return m.markManyAsReadFn(ctx, userID, ids)
	}
	return int64(len(ids)), nil
}

func (m *mockNotificationService) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	if m.markAllAsReadFn != nil {
		return m.markAllAsReadFn(ctx, userID)
	}
	return 0, nil
}

func (m *mockNotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, notificationID)
	}
	return nil
}

// mockDirectNotifier はDirectNotifierのモック実装。送信内容を記録する。
type mockDirectNotifier struct {
	sendFn func(ctx context.Context, userID string, typ model.NotificationType, message string, eventID *string) (*model.Notification, error)
	sent   []model.Notification
}

func (m *mockDirectNotifier) SendDirectNotification(ctx context.Context, userID string, typ model.NotificationType, message string, eventID *string) (*model.Notification, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, userID, typ, message, eventID)
	}
	n := model.Notification{ID: "notif-1", UserID: userID, Type: typ, Message: message, EventID: eventID}
	m.sent = append(m.sent, n)
	return &n, nil
}

// stubRenderer はキーと言語をそのまま連結して返す。
type stubRenderer struct{}

func (stubRenderer) Render(key, locale string, args ...any) string {
	return locale + ":" + key
}

// --- テストヘルパー ---

const (
	testUserID         = "9b2f9d1e-8c1a-4c55-9f4e-0f1c2d3e4a5b"
	testNotificationID = "1d6c2f3a-5b4e-4a7d-8c9b-2e3f4a5b6c7d"
	testEventID        = "4f0e7c2b-1a3d-4e5f-9a8b-7c6d5e4f3a2b"
)

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withPrincipal はテスト用にリクエストコンテキストに呼び出し元を注入するヘルパー。
func withPrincipal(r *http.Request, p model.Principal) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), p))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeJSON はレスポンスボディを任意の型にデコードするヘルパー。
func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (body=%s)", err, w.Body.String())
	}
	return v
}
