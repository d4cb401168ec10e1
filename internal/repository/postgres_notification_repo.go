package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/eventlocator/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sqlx.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sqlx.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// Create は通知を作成し、採番されたタイムスタンプをnに反映する。
// 同一ユーザー・同一DedupeKeyの通知が既にある場合は何もせずfalseを返す。
// 複数インスタンスが同じ更新イベントを受信しても通知は1件だけ作成される。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification) (bool, error) {
	rows, err := r.db.NamedQueryContext(ctx,
		`INSERT INTO notifications (id, user_id, type, message, event_id, dedupe_key, is_read)
		 VALUES (:id, :user_id, :type, :message, :event_id, :dedupe_key, :is_read)
		 ON CONFLICT (user_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		 RETURNING created_at, updated_at`,
		n,
	)
	if err != nil {
		return false, fmt.Errorf("通知の作成に失敗しました: %w", translateConstraintError(err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("通知の作成に失敗しました: %w", err)
		}
		return false, nil
	}
	if err := rows.Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return false, fmt.Errorf("通知の作成結果の読み取りに失敗しました: %w", err)
	}
	return true, nil
}

// ListByUser はユーザーの通知を作成日時の降順で返す。
func (r *PostgresNotificationRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Notification, error) {
	notifications := []model.Notification{}
	err := r.db.SelectContext(ctx, &notifications,
		`SELECT id, user_id, type, message, event_id, dedupe_key, is_read, created_at, updated_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	return notifications, nil
}

// CountUnread はユーザーの未読通知数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = false`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MarkAsRead は通知を既読にする。ユーザーの通知でない場合はfalseを返す。
func (r *PostgresNotificationRepo) MarkAsRead(ctx context.Context, userID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = true, updated_at = clock_timestamp()
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("通知の既読化に失敗しました: %w", err)
	}
	return affected(result)
}

// MarkManyAsRead は指定した通知をまとめて既読にし、更新件数を返す。
// 他ユーザーの通知IDは無視する。
func (r *PostgresNotificationRepo) MarkManyAsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		`UPDATE notifications SET is_read = true, updated_at = clock_timestamp()
		 WHERE user_id = ? AND is_read = false AND id IN (?)`,
		userID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = true, updated_at = clock_timestamp()
		 WHERE user_id = $1 AND is_read = false`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読化に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// Delete は通知を削除する。ユーザーの通知でない場合はfalseを返す。
func (r *PostgresNotificationRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("通知の削除に失敗しました: %w", err)
	}
	return affected(result)
}

// affected は1行以上更新されたかを返す。
func affected(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// isNoRows はsql.ErrNoRowsかどうかを返す。
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
