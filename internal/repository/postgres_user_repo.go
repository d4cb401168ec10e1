package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/eventlocator/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザー参照リポジトリ。
// usersテーブルは認証サブシステムが所有するため、読み取りのみを行う。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var lon, lat sql.NullFloat64
	var status string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, language,
		        ST_X(location::geometry), ST_Y(location::geometry),
		        preferred_categories, status, role
		 FROM users WHERE id = $1`,
		id,
	).Scan(
		&user.ID, &user.Email, &user.Language,
		&lon, &lat,
		pq.Array(&user.PreferredCategories), &status, &user.Role,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	user.Status = model.UserStatus(status)
	if lon.Valid && lat.Valid {
		user.Longitude = &lon.Float64
		user.Latitude = &lat.Float64
	}
	return user, nil
}

// FindLanguage はユーザーの言語設定を返す。見つからない場合は空文字を返す。
func (r *PostgresUserRepo) FindLanguage(ctx context.Context, id string) (string, error) {
	var language string
	err := r.db.QueryRowContext(ctx,
		`SELECT language FROM users WHERE id = $1`,
		id,
	).Scan(&language)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ユーザーの言語設定の取得に失敗しました: %w", err)
	}
	return language, nil
}

// FindInterestedUsers はイベントに関心を持つactiveなユーザーを重複なしで返す。
// 嗜好カテゴリ・参加登録・作成者のいずれかに該当すれば対象とする。
func (r *PostgresUserRepo) FindInterestedUsers(ctx context.Context, eventID, category string) ([]model.Recipient, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT u.id, u.language
		 FROM users u
		 WHERE u.status = 'active'
		   AND (
		         $2 = ANY(u.preferred_categories)
		      OR EXISTS (SELECT 1 FROM event_registrations er
		                 WHERE er.event_id = $1 AND er.user_id = u.id)
		      OR EXISTS (SELECT 1 FROM events e
		                 WHERE e.id = $1 AND e.created_by = u.id)
		   )
		 ORDER BY u.id`,
		eventID, category,
	)
	if err != nil {
		return nil, fmt.Errorf("通知対象ユーザーの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var rc model.Recipient
		if err := rows.Scan(&rc.UserID, &rc.Language); err != nil {
			return nil, fmt.Errorf("通知対象ユーザーの読み取りに失敗しました: %w", err)
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知対象ユーザーの読み取りに失敗しました: %w", err)
	}
	return recipients, nil
}

// compile-time interface check
var (
	_ UserRepository     = (*PostgresUserRepo)(nil)
	_ InterestRepository = (*PostgresUserRepo)(nil)
)
