package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/eventlocator/internal/model"
)

// eventColumns はイベントのSELECT列。位置はgeographyから経度・緯度に展開する。
const eventColumns = `id, title, description,
	ST_X(location::geometry) AS longitude, ST_Y(location::geometry) AS latitude,
	address, start_time, end_time, category, created_by, ticket_price, status,
	created_at, updated_at`

// PostgresEventRepo はPostGISを使用したイベントリポジトリ。
type PostgresEventRepo struct {
	db *sqlx.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sqlx.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// Create はイベントを作成し、保存後のレコードを返す。
// 位置は(経度, 緯度)からSRID 4326のgeographyとして保存する。
func (r *PostgresEventRepo) Create(ctx context.Context, event *model.Event) (*model.Event, error) {
	created := &model.Event{}
	err := r.db.GetContext(ctx, created,
		`INSERT INTO events (id, title, description, location, address, start_time, end_time,
		                     category, created_by, ticket_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography, $6, $7, $8,
		         $9, $10, $11, $12, $13, $13)
		 RETURNING `+eventColumns,
		event.ID, event.Title, event.Description, event.Longitude, event.Latitude,
		event.Address, event.StartTime, event.EndTime,
		event.Category, event.CreatedBy, event.TicketPrice, event.Status, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの作成に失敗しました: %w", translateConstraintError(err))
	}
	return created, nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合・中止済みの場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.Event, error) {
	event := &model.Event{}
	err := r.db.GetContext(ctx, event,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 AND status != 'cancelled'`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	return event, nil
}

// List はフィルタ条件に一致するイベントを開始時刻の昇順で返す。
func (r *PostgresEventRepo) List(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	where, args := buildEventFilter(filter, nil)
	query := `SELECT ` + eventColumns + ` FROM events WHERE status != 'cancelled'` + where +
		` ORDER BY start_time ASC, id ASC`
	query, args = appendPaging(query, args, filter.Limit, filter.Offset)

	events := []model.Event{}
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	return events, nil
}

// Count はListと同じ条件でページングなしの件数を返す。
func (r *PostgresEventRepo) Count(ctx context.Context, filter model.EventFilter) (int, error) {
	where, args := buildEventFilter(filter, nil)

	var count int
	if err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM events WHERE status != 'cancelled'`+where, args...); err != nil {
		return 0, fmt.Errorf("イベント件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// FindNearby は中心から半径RadiusKm以内のイベントを距離の昇順（同距離はID順）で返す。
// 距離は球面近似（use_spheroid=false）で計算し、geo.DistanceBetweenと一致する。
func (r *PostgresEventRepo) FindNearby(ctx context.Context, q model.NearbyQuery) ([]model.NearbyEvent, error) {
	args := []any{q.Longitude, q.Latitude, q.RadiusKm * 1000}
	where, args := buildEventFilter(q.Filter, args)

	query := `WITH center AS (
			SELECT ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography AS point
		)
		SELECT ` + eventColumns + `,
		       ST_Distance(location, center.point, false) / 1000 AS distance_km
		FROM events, center
		WHERE status != 'cancelled'
		  AND ST_DWithin(location, center.point, $3, false)` + where + `
		ORDER BY distance_km ASC, id ASC`
	query, args = appendPaging(query, args, q.Filter.Limit, q.Filter.Offset)

	events := []model.NearbyEvent{}
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("近傍イベントの検索に失敗しました: %w", err)
	}
	return events, nil
}

// Update は指定フィールドのみ更新し、更新後のレコードを返す。見つからない場合はnilを返す。
func (r *PostgresEventRepo) Update(ctx context.Context, id string, patch model.EventPatch) (*model.Event, error) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Address != nil {
		set("address", *patch.Address)
	}
	if patch.StartTime != nil {
		set("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		set("end_time", *patch.EndTime)
	}
	if patch.Category != nil {
		set("category", *patch.Category)
	}
	if patch.TicketPrice != nil {
		set("ticket_price", *patch.TicketPrice)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.HasLocation() {
		args = append(args, *patch.Longitude, *patch.Latitude)
		sets = append(sets, fmt.Sprintf(
			"location = ST_SetSRID(ST_MakePoint($%d, $%d), 4326)::geography", len(args)-1, len(args)))
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE events SET %s WHERE id = $%d AND status != 'cancelled' RETURNING `+eventColumns,
		strings.Join(sets, ", "), len(args),
	)

	updated := &model.Event{}
	err := r.db.GetContext(ctx, updated, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの更新に失敗しました: %w", translateConstraintError(err))
	}
	return updated, nil
}

// Delete はactiveなイベントを中止（論理削除）する。
// 既に中止済み・終了済み・存在しない場合はfalseを返す。
func (r *PostgresEventRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE events SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("イベントの削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// Categories は中止済みを除くイベントのカテゴリを重複なしで昇順に返す。
func (r *PostgresEventRepo) Categories(ctx context.Context) ([]string, error) {
	categories := []string{}
	if err := r.db.SelectContext(ctx, &categories,
		`SELECT DISTINCT category FROM events WHERE status != 'cancelled' ORDER BY category`); err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の取得に失敗しました: %w", err)
	}
	return categories, nil
}

// ListEndedActive は終了時刻を過ぎたactiveなイベントを終了時刻順に返す。
func (r *PostgresEventRepo) ListEndedActive(ctx context.Context, before time.Time, limit int) ([]model.Event, error) {
	events := []model.Event{}
	if err := r.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM events
		 WHERE status = 'active' AND end_time < $1
		 ORDER BY end_time ASC, id ASC
		 LIMIT $2`,
		before, limit,
	); err != nil {
		return nil, fmt.Errorf("終了済みイベントの取得に失敗しました: %w", err)
	}
	return events, nil
}

// buildEventFilter はフィルタ条件のWHERE句（" AND ..."の連結）と引数を組み立てる。
// プレースホルダ番号は既存の引数の後ろから振る。
func buildEventFilter(f model.EventFilter, args []any) (string, []any) {
	var b strings.Builder
	add := func(clause string, value any) {
		args = append(args, value)
		fmt.Fprintf(&b, " AND "+clause, len(args))
	}

	if f.Name != "" {
		add("title ILIKE $%d", "%"+escapeLike(f.Name)+"%")
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.StartDate != nil {
		add("start_time >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("end_time <= $%d", *f.EndDate)
	}
	if f.Address != "" {
		add("address ILIKE $%d", "%"+escapeLike(f.Address)+"%")
	}
	if f.CreatedBy != "" {
		add("created_by = $%d", f.CreatedBy)
	}
	return b.String(), args
}

// appendPaging はLIMIT/OFFSET句を追加する。limitが0以下の場合はページングしない。
func appendPaging(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 {
		return query, args
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	return query + fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}

// escapeLike はILIKEパターン中のワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// translateConstraintError はDB制約違反をValidationErrorに変換する。
func translateConstraintError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23514": // check_violation
		return model.NewValidationError(pqErr.Constraint)
	case "23503": // foreign_key_violation
		return model.NewValidationError("referenced row does not exist: " + pqErr.Constraint)
	case "23505": // unique_violation
		return model.NewConflictError(pqErr.Constraint)
	}
	return err
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
