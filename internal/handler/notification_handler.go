package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/eventlocator/internal/i18n"
	"github.com/hitoshi/eventlocator/internal/middleware"
	"github.com/hitoshi/eventlocator/internal/model"
)

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
type NotificationServiceInterface interface {
	List(ctx context.Context, userID string, page, limit int) (*model.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, userID, notificationID string) error
	MarkManyAsRead(ctx context.Context, userID string, notificationIDs []string) (int64, error)
	MarkAllAsRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, notificationID string) error
}

// DirectNotifier は1人のユーザーへ直接通知を送る。
type DirectNotifier interface {
	SendDirectNotification(ctx context.Context, userID string, typ model.NotificationType, message string, eventID *string) (*model.Notification, error)
}

// MessageRenderer はメッセージキーを指定言語でレンダリングする。
type MessageRenderer interface {
	Render(key, locale string, args ...any) string
}

// NotificationHandler は通知管理のHTTPハンドラー。
type NotificationHandler struct {
	service  NotificationServiceInterface
	notifier DirectNotifier
	renderer MessageRenderer
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(service NotificationServiceInterface, notifier DirectNotifier, renderer MessageRenderer) *NotificationHandler {
	return &NotificationHandler{service: service, notifier: notifier, renderer: renderer}
}

type notificationPagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

type notificationListResponse struct {
	Notifications []model.Notification   `json:"notifications"`
	UnreadCount   int                    `json:"unread_count"`
	Pagination    notificationPagination `json:"pagination"`
}

type markManyRequest struct {
	NotificationIDs []string `json:"notification_ids"`
}

type testNotificationRequest struct {
	UserID  string                 `json:"user_id"`
	Type    model.NotificationType `json:"type"`
	Message string                 `json:"message"`
	EventID *string                `json:"event_id"`
}

// ListNotifications は呼び出し元の通知を新しい順に返す。
// GET /api/notifications?page=1&limit=10
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	result, err := h.service.List(r.Context(), userID, page, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	notifications := result.Notifications
	if notifications == nil {
		notifications = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationListResponse{
		Notifications: notifications,
		UnreadCount:   result.UnreadCount,
		Pagination: notificationPagination{
			Page:    result.Page,
			Limit:   result.Limit,
			HasMore: result.HasMore,
		},
	})
}

// UnreadCount は呼び出し元の未読通知数を返す。
// GET /api/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// MarkAsRead は通知を既読にする。
// PATCH /api/notifications/{id}/read
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		writeAPIErrorResponse(w, r, http.StatusNotFound, model.NewNotificationNotFoundError(id))
		return
	}
	if err := h.service.MarkAsRead(r.Context(), userID, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_read": true})
}

// MarkManyAsRead は指定した通知をまとめて既読にする。
// PATCH /api/notifications/read
func (h *NotificationHandler) MarkManyAsRead(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req markManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w, r)
		return
	}
	ids := make([]string, 0, len(req.NotificationIDs))
	for _, id := range req.NotificationIDs {
		if isUUID(id) {
			ids = append(ids, id)
		}
	}
	if len(req.NotificationIDs) > 0 && len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]int64{"updated": 0})
		return
	}

	updated, err := h.service.MarkManyAsRead(r.Context(), userID, ids)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// MarkAllAsRead は呼び出し元の通知をすべて既読にする。
// PATCH /api/notifications/read-all
func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	updated, err := h.service.MarkAllAsRead(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// DeleteNotification は通知を削除する。
// DELETE /api/notifications/{id}
func (h *NotificationHandler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		writeAPIErrorResponse(w, r, http.StatusNotFound, model.NewNotificationNotFoundError(id))
		return
	}
	if err := h.service.Delete(r.Context(), userID, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// CreateTestNotification は指定ユーザーに直接通知を送る。管理者のみ。
// typeの既定はSYSTEM、messageの既定はリクエスト言語のテスト文言。
// POST /api/notifications/test
func (h *NotificationHandler) CreateTestNotification(w http.ResponseWriter, r *http.Request) {
	var req testNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w, r)
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewMissingFieldsError("user_id"))
		return
	}
	if !isUUID(req.UserID) {
		writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewValidationError("user_id must be a UUID"))
		return
	}
	if req.EventID != nil && !isUUID(*req.EventID) {
		writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewValidationError("event_id must be a UUID"))
		return
	}
	if req.Type == "" {
		req.Type = model.NotificationSystem
	}
	if strings.TrimSpace(req.Message) == "" {
		req.Message = h.renderer.Render(i18n.KeyTestNotification, middleware.LocaleFromContext(r.Context()))
	}

	n, err := h.notifier.SendDirectNotification(r.Context(), req.UserID, req.Type, req.Message, req.EventID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
