package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/eventlocator/internal/model"
)

// PostgresReminderRepo はPostgreSQLを使用したリマインダーリポジトリ。
type PostgresReminderRepo struct {
	db *sql.DB
}

// NewPostgresReminderRepo はPostgresReminderRepoを生成する。
func NewPostgresReminderRepo(db *sql.DB) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

// ReplacePending はイベントの保留中リマインダーを中止し、新しいリマインダーを同一トランザクションで作成する。
// 開始時刻の変更で再スケジュールされたイベントに、古いリマインダーが残らないようにする。
// 保留中リマインダーはイベントごとに1件までで、uq_reminders_event_pending が最終的に保証する。
func (r *PostgresReminderRepo) ReplacePending(ctx context.Context, reminder *model.Reminder) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 1. イベント行をロックし、同じイベントの再スケジュールを直列化する
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM events WHERE id = $1 FOR UPDATE`, reminder.EventID).Scan(&locked)
	if err != nil {
		return 0, fmt.Errorf("リマインダー対象イベントのロックに失敗しました: %w", err)
	}

	// 2. 同じイベントの保留中リマインダーを中止
	result, err := tx.ExecContext(ctx,
		`UPDATE reminders SET status = 'cancelled', updated_at = now()
		 WHERE event_id = $1 AND status = 'pending'`,
		reminder.EventID,
	)
	if err != nil {
		return 0, fmt.Errorf("保留中リマインダーの中止に失敗しました: %w", err)
	}
	cancelled, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}

	// 3. 新しいリマインダーを作成
	err = tx.QueryRowContext(ctx,
		`INSERT INTO reminders (id, event_id, fire_at, recipients, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		reminder.ID, reminder.EventID, reminder.FireAt, pq.Array(reminder.Recipients), string(reminder.Status),
	).Scan(&reminder.CreatedAt, &reminder.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("リマインダーの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return cancelled, nil
}

// CancelPending はイベントの保留中リマインダーをすべて中止し、中止した件数を返す。
func (r *PostgresReminderRepo) CancelPending(ctx context.Context, eventID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reminders SET status = 'cancelled', updated_at = now()
		 WHERE event_id = $1 AND status = 'pending'`,
		eventID,
	)
	if err != nil {
		return 0, fmt.Errorf("保留中リマインダーの中止に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// FindByID は指定IDのリマインダーを取得する。見つからない場合はnilを返す。
func (r *PostgresReminderRepo) FindByID(ctx context.Context, id string) (*model.Reminder, error) {
	reminder := &model.Reminder{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, event_id, fire_at, recipients, status, created_at, updated_at
		 FROM reminders WHERE id = $1`,
		id,
	).Scan(
		&reminder.ID, &reminder.EventID, &reminder.FireAt, pq.Array(&reminder.Recipients),
		&status, &reminder.CreatedAt, &reminder.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リマインダーの取得に失敗しました: %w", err)
	}
	reminder.Status = model.ReminderStatus(status)
	return reminder, nil
}

// MarkFired は保留中のリマインダーを発火済みにする。
// 既に発火済み・中止済みの場合はfalseを返す。
func (r *PostgresReminderRepo) MarkFired(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, model.ReminderFired)
}

// MarkCancelled は保留中のリマインダーを中止する。
func (r *PostgresReminderRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, model.ReminderCancelled)
}

func (r *PostgresReminderRepo) transition(ctx context.Context, id string, to model.ReminderStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reminders SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, string(to),
	)
	if err != nil {
		return false, fmt.Errorf("リマインダーの状態更新に失敗しました: %w", err)
	}
	return affected(result)
}

// ListDuePending は発火時刻を過ぎた保留中リマインダーを発火時刻順に返す。
func (r *PostgresReminderRepo) ListDuePending(ctx context.Context, before time.Time, limit int) ([]*model.Reminder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_id, fire_at, recipients, status, created_at, updated_at
		 FROM reminders
		 WHERE status = 'pending' AND fire_at <= $1
		 ORDER BY fire_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("期限到来リマインダーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var reminders []*model.Reminder
	for rows.Next() {
		reminder := &model.Reminder{}
		var status string
		if err := rows.Scan(
			&reminder.ID, &reminder.EventID, &reminder.FireAt, pq.Array(&reminder.Recipients),
			&status, &reminder.CreatedAt, &reminder.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("リマインダーの読み取りに失敗しました: %w", err)
		}
		reminder.Status = model.ReminderStatus(status)
		reminders = append(reminders, reminder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リマインダーの読み取りに失敗しました: %w", err)
	}
	return reminders, nil
}

// compile-time interface check
var _ ReminderRepository = (*PostgresReminderRepo)(nil)
