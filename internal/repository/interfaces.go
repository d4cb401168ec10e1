// Package repository はデータ永続化のインターフェースとPostgreSQL実装を定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/eventlocator/internal/model"
)

// EventRepository はイベント（空間ストア）の永続化インターフェース。
// 中止済みイベントは一覧・取得・近傍検索のいずれにも含めない。
type EventRepository interface {
	// Create はイベントを作成し、保存後のレコードを返す。
	Create(ctx context.Context, event *model.Event) (*model.Event, error)

	// FindByID は指定IDのイベントを取得する。見つからない場合・中止済みの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Event, error)

	// List はフィルタ条件に一致するイベントを開始時刻の昇順で返す。
	List(ctx context.Context, filter model.EventFilter) ([]model.Event, error)

	// Count はListと同じ条件でページングなしの件数を返す。
	Count(ctx context.Context, filter model.EventFilter) (int, error)

	// FindNearby は中心から半径RadiusKm以内のイベントを距離の昇順（同距離はID順）で返す。
	FindNearby(ctx context.Context, q model.NearbyQuery) ([]model.NearbyEvent, error)

	// Update は指定フィールドのみ更新し、更新後のレコードを返す。見つからない場合はnilを返す。
	// 経度・緯度が両方指定された場合のみ位置を再計算する。updated_atは常に更新する。
	Update(ctx context.Context, id string, patch model.EventPatch) (*model.Event, error)

	// Delete はイベントを中止（論理削除）する。
	// 既に中止済み・存在しない場合はfalseを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// Categories は中止済みを除くイベントのカテゴリを重複なしで昇順に返す。
	Categories(ctx context.Context) ([]string, error)

	// ListEndedActive は終了時刻を過ぎたactiveなイベントを返す。
	ListEndedActive(ctx context.Context, before time.Time, limit int) ([]model.Event, error)
}

// NotificationRepository は通知の永続化インターフェース。
// 書き込みは通知パイプラインのみが行う。
type NotificationRepository interface {
	// Create は通知を作成する。
	// DedupeKeyが同一ユーザーで既に存在する場合は作成せずfalseを返す。
	Create(ctx context.Context, n *model.Notification) (bool, error)

	// ListByUser はユーザーの通知を作成日時の降順で返す。
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Notification, error)

	// CountUnread はユーザーの未読通知数を返す。
	CountUnread(ctx context.Context, userID string) (int, error)

	// MarkAsRead は通知を既読にする。ユーザーの通知でない場合はfalseを返す。
	MarkAsRead(ctx context.Context, userID, id string) (bool, error)

	// MarkManyAsRead は指定した通知をまとめて既読にし、更新件数を返す。
	MarkManyAsRead(ctx context.Context, userID string, ids []string) (int64, error)

	// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
	MarkAllAsRead(ctx context.Context, userID string) (int64, error)

	// Delete は通知を削除する。ユーザーの通知でない場合はfalseを返す。
	Delete(ctx context.Context, userID, id string) (bool, error)
}

// UserRepository は認証サブシステムが所有するユーザー情報の参照インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindLanguage はユーザーの言語設定を返す。見つからない場合は空文字を返す。
	FindLanguage(ctx context.Context, id string) (string, error)
}

// InterestRepository はイベントに関心を持つユーザーの検索インターフェース。
type InterestRepository interface {
	// FindInterestedUsers は次のいずれかに該当するactiveなユーザーを重複なしで返す。
	//   - categoryを嗜好カテゴリに含む
	//   - eventIDに参加登録している
	//   - eventIDの作成者である
	FindInterestedUsers(ctx context.Context, eventID, category string) ([]model.Recipient, error)
}

// ReminderRepository はリマインダー予約の永続化インターフェース。
type ReminderRepository interface {
	// ReplacePending はイベントの保留中リマインダーを中止し、新しいリマインダーを同一トランザクションで作成する。
	// 中止した件数を返す。
	ReplacePending(ctx context.Context, reminder *model.Reminder) (int64, error)

	// CancelPending はイベントの保留中リマインダーをすべて中止し、中止した件数を返す。
	CancelPending(ctx context.Context, eventID string) (int64, error)

	// FindByID は指定IDのリマインダーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Reminder, error)

	// MarkFired は保留中のリマインダーを発火済みにする。
	// 既に発火済み・中止済みの場合はfalseを返す（二重発火の防止）。
	MarkFired(ctx context.Context, id string) (bool, error)

	// MarkCancelled は保留中のリマインダーを中止する。
	MarkCancelled(ctx context.Context, id string) (bool, error)

	// ListDuePending は発火時刻を過ぎた保留中リマインダーを発火時刻順に返す。
	ListDuePending(ctx context.Context, before time.Time, limit int) ([]*model.Reminder, error)
}
