// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// 既読の通知と、発火済み・取消済みのリマインダーを日次バッチで削除する。
// 未読の通知と待機中のリマインダーは対象外。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sqlx.DB、*sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DefaultRetentionDays は既読通知・処理済みリマインダーの既定の保持日数。
const DefaultRetentionDays = 90

// target は削除対象のテーブルとクエリ。
type target struct {
	name  string
	query string
}

var targets = []target{
	{
		name:  "notifications",
		query: `DELETE FROM notifications WHERE is_read = true AND created_at < now() - $1::interval`,
	},
	{
		name:  "reminders",
		query: `DELETE FROM reminders WHERE status IN ('fired', 'cancelled') AND updated_at < now() - $1::interval`,
	},
}

// CleanupJob は保持期間を過ぎたデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合は DefaultRetentionDays を使う。
func NewCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を過ぎた既読通知と処理済みリマインダーを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	attrs := []any{slog.Int("retention_days", j.RetentionDays)}
	for _, t := range targets {
		result, err := j.db.ExecContext(ctx, t.query, interval)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
				slog.Int("retention_days", j.RetentionDays),
			)
			return fmt.Errorf("%sのクリーンアップの実行に失敗: %w", t.name, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("削除件数の取得に失敗しました",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		attrs = append(attrs, slog.Int64(t.name+"_deleted", deleted))
	}

	attrs = append(attrs, slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())))
	j.logger.Info("クリーンアップジョブが完了しました", attrs...)
	return nil
}
