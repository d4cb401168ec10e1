package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/eventlocator/internal/model"
	"github.com/hitoshi/eventlocator/internal/repository"
)

// 通知一覧のページング
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Service は通知の参照と既読管理を行う。
// 他ユーザーの通知は存在しないものとして扱う。
type Service struct {
	repo   repository.NotificationRepository
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(repo repository.NotificationRepository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// List はユーザーの通知を新しい順に1ページ分返す。
// pageは1始まり。limitは1〜100に丸める。
func (s *Service) List(ctx context.Context, userID string, page, limit int) (*model.NotificationPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := (page - 1) * limit

	// 1件多く取得して次ページの有無を判定する
	notifications, err := s.repo.ListByUser(ctx, userID, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	hasMore := len(notifications) > limit
	if hasMore {
		notifications = notifications[:limit]
	}

	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}

	return &model.NotificationPage{
		Notifications: notifications,
		UnreadCount:   unread,
		Page:          page,
		Limit:         limit,
		HasMore:       hasMore,
	}, nil
}

// UnreadCount はユーザーの未読通知数を返す。
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MarkAsRead は通知を既読にする。ユーザーの通知でない場合はNotFoundを返す。
func (s *Service) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	ok, err := s.repo.MarkAsRead(ctx, userID, notificationID)
	if err != nil {
		return fmt.Errorf("通知の既読化に失敗しました: %w", err)
	}
	if !ok {
		return model.NewNotificationNotFoundError(notificationID)
	}
	return nil
}

// MarkManyAsRead は指定した通知をまとめて既読にし、更新件数を返す。
func (s *Service) MarkManyAsRead(ctx context.Context, userID string, notificationIDs []string) (int64, error) {
	if len(notificationIDs) == 0 {
		return 0, model.NewMissingFieldsError("notification_ids")
	}
	updated, err := s.repo.MarkManyAsRead(ctx, userID, notificationIDs)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗しました: %w", err)
	}
	return updated, nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	updated, err := s.repo.MarkAllAsRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読化に失敗しました: %w", err)
	}
	s.logger.Info("全通知を既読にしました",
		slog.String("user_id", userID),
		slog.Int64("updated", updated),
	)
	return updated, nil
}

// Delete は通知を削除する。ユーザーの通知でない場合はNotFoundを返す。
func (s *Service) Delete(ctx context.Context, userID, notificationID string) error {
	ok, err := s.repo.Delete(ctx, userID, notificationID)
	if err != nil {
		return fmt.Errorf("通知の削除に失敗しました: %w", err)
	}
	if !ok {
		return model.NewNotificationNotFoundError(notificationID)
	}
	return nil
}
