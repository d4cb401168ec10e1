// Package event はイベントの作成・検索・更新・中止のドメインロジックを提供する。
//
// 読み取りはキャッシュアサイド。書き込みは空間ストアへの書き込みが返った後にキャッシュを無効化し、
// 変更概要を通知パイプラインに発行する。
package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/eventlocator/internal/cache"
	"github.com/hitoshi/eventlocator/internal/clock"
	"github.com/hitoshi/eventlocator/internal/i18n"
	"github.com/hitoshi/eventlocator/internal/metrics"
	"github.com/hitoshi/eventlocator/internal/model"
	"github.com/hitoshi/eventlocator/internal/repository"
	"github.com/hitoshi/eventlocator/internal/security"
)

// ChangeNotifier はイベントの変更を通知パイプラインに渡す。
type ChangeNotifier interface {
	PublishEventUpdate(ctx context.Context, change model.EventChange) error
	SendDirectNotification(ctx context.Context, userID string, typ model.NotificationType, message string, eventID *string) (*model.Notification, error)
}

// ReminderScheduler はイベントのリマインダーを予約・中止する。
type ReminderScheduler interface {
	Schedule(ctx context.Context, event *model.Event) (*model.Reminder, error)
	Cancel(ctx context.Context, eventID string) (int64, error)
}

// MessageRenderer はキーと言語から本文を組み立てる。
type MessageRenderer interface {
	Render(key, locale string, args ...any) string
}

// LanguageLookup はユーザーの言語設定を返す。
type LanguageLookup interface {
	UserLanguage(ctx context.Context, userID string) string
}

// TTLs はキャッシュの保持期間。
type TTLs struct {
	Item       time.Duration
	List       time.Duration
	Nearby     time.Duration
	Categories time.Duration
}

// DefaultTTLs は既定のキャッシュ保持期間を返す。
func DefaultTTLs() TTLs {
	return TTLs{
		Item:       15 * time.Minute,
		List:       15 * time.Minute,
		Nearby:     15 * time.Minute,
		Categories: 30 * time.Minute,
	}
}

// ListResult はイベント一覧の1ページ分の結果。
type ListResult struct {
	Events  []model.Event `json:"events"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
}

// NearbyResult は近傍検索の結果。
type NearbyResult struct {
	Events    []model.NearbyEvent `json:"events"`
	Latitude  float64             `json:"latitude"`
	Longitude float64             `json:"longitude"`
	RadiusKm  float64             `json:"radius_km"`
}

// Config はServiceの生成パラメータ。
type Config struct {
	Events    repository.EventRepository
	Cache     cache.Cache
	Notifier  ChangeNotifier
	Reminders ReminderScheduler
	Renderer  MessageRenderer
	Languages LanguageLookup
	Sanitizer security.ContentSanitizerService
	Clock     clock.Clock
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
	TTLs      TTLs
}

// Service はイベントのサービス層。
type Service struct {
	events    repository.EventRepository
	cache     cache.Cache
	notifier  ChangeNotifier
	reminders ReminderScheduler
	renderer  MessageRenderer
	languages LanguageLookup
	sanitizer security.ContentSanitizerService
	clock     clock.Clock
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	ttl       TTLs
}

// NewService はServiceを生成する。
// TTLのゼロ値のフィールドは既定値を使用する。
func NewService(cfg Config) *Service {
	def := DefaultTTLs()
	if cfg.TTLs.Item <= 0 {
		cfg.TTLs.Item = def.Item
	}
	if cfg.TTLs.List <= 0 {
		cfg.TTLs.List = def.List
	}
	if cfg.TTLs.Nearby <= 0 {
		cfg.TTLs.Nearby = def.Nearby
	}
	if cfg.TTLs.Categories <= 0 {
		cfg.TTLs.Categories = def.Categories
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopCollector{}
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewContentSanitizer()
	}
	return &Service{
		events:    cfg.Events,
		cache:     cfg.Cache,
		notifier:  cfg.Notifier,
		reminders: cfg.Reminders,
		renderer:  cfg.Renderer,
		languages: cfg.Languages,
		sanitizer: cfg.Sanitizer,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		ttl:       cfg.TTLs,
	}
}

// Get は指定IDのイベントを返す。中止済み・存在しない場合はNotFoundを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Event, error) {
	if !isUUID(id) {
		return nil, model.NewEventNotFoundError(id)
	}

	key := cache.EventKey(id)
	var cached model.Event
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	event, err := s.events.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	if event == nil {
		return nil, model.NewEventNotFoundError(id)
	}

	s.cache.Set(ctx, key, event, s.ttl.Item)
	return event, nil
}

// List はフィルタ条件に一致するイベントを開始時刻順に返す。
func (s *Service) List(ctx context.Context, filter model.EventFilter) (*ListResult, error) {
	filter = normalizeFilter(filter)

	key := cache.EventListKey(filter)
	var cached ListResult
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	events, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("イベント一覧の取得に失敗しました: %w", err)
	}
	total, err := s.events.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("イベント件数の取得に失敗しました: %w", err)
	}

	result := &ListResult{
		Events:  events,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(events) < total,
	}
	s.cache.Set(ctx, key, result, s.ttl.List)
	return result, nil
}

// ListMine は呼び出し元が作成したイベントを返す。
func (s *Service) ListMine(ctx context.Context, principal model.Principal, filter model.EventFilter) (*ListResult, error) {
	filter.CreatedBy = principal.ID
	return s.List(ctx, filter)
}

// Nearby は中心から半径内のイベントを近い順に返す。
// 半径が0の場合は既定値（10km）を使用する。
func (s *Service) Nearby(ctx context.Context, q model.NearbyQuery) (*NearbyResult, error) {
	q, err := validateNearby(q)
	if err != nil {
		return nil, err
	}

	key := cache.EventNearbyKey(q)
	var cached NearbyResult
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	events, err := s.events.FindNearby(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("近傍イベントの検索に失敗しました: %w", err)
	}

	result := &NearbyResult{
		Events:    events,
		Latitude:  q.Latitude,
		Longitude: q.Longitude,
		RadiusKm:  q.RadiusKm,
	}
	s.cache.Set(ctx, key, result, s.ttl.Nearby)
	return result, nil
}

// Categories は中止済みを除くイベントのカテゴリを昇順で返す。
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	var cached []string
	if s.cache.Get(ctx, cache.CategoriesKey, &cached) {
		return cached, nil
	}

	categories, err := s.events.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の取得に失敗しました: %w", err)
	}
	s.cache.Set(ctx, cache.CategoriesKey, categories, s.ttl.Categories)
	return categories, nil
}

// Create はイベントを作成する。
// 作成後にキャッシュを無効化し、開始前であればリマインダーを予約する。
func (s *Service) Create(ctx context.Context, principal model.Principal, in CreateInput) (*model.Event, error) {
	// 1. 入力の検証・サニタイズ
	in = in.sanitize(s.sanitizer)
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	event := &model.Event{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Longitude:   *in.Longitude,
		Latitude:    *in.Latitude,
		Address:     in.Address,
		StartTime:   in.StartTime.UTC(),
		EndTime:     in.EndTime.UTC(),
		Category:    in.Category,
		CreatedBy:   principal.ID,
		Status:      model.EventStatusActive,
		CreatedAt:   now,
	}
	if in.TicketPrice != nil {
		event.TicketPrice = *in.TicketPrice
	}
	if in.Status != nil {
		event.Status = *in.Status
	}

	// 2. 永続化
	created, err := s.events.Create(ctx, event)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordEventMutation("create")

	// 3. キャッシュ無効化（書き込み完了後）
	cache.InvalidateEvent(ctx, s.cache, created.ID, created.Category)

	// 4. リマインダー予約
	s.scheduleReminder(ctx, created)

	s.logger.Info("イベントを作成しました",
		slog.String("event_id", created.ID),
		slog.String("created_by", created.CreatedBy),
		slog.String("category", created.Category),
	)
	return created, nil
}

// Update はイベントの指定フィールドを更新する。作成者または管理者のみ実行できる。
// 変更があれば関心ユーザーに通知し、作成者に確認通知を送る。
// 状態をcancelled・completedに変更した場合はライフサイクル遷移として扱う。
func (s *Service) Update(ctx context.Context, principal model.Principal, id string, patch model.EventPatch) (*model.Event, error) {
	// 1. 既存イベントの取得と権限確認
	before, err := s.findForWrite(ctx, principal, id)
	if err != nil {
		return nil, err
	}

	// 2. 入力の検証・サニタイズ
	patch = sanitizePatch(patch, s.sanitizer)
	if err := validatePatch(before, patch); err != nil {
		return nil, err
	}

	// 3. 永続化
	after, err := s.events.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, model.NewEventNotFoundError(id)
	}
	s.metrics.RecordEventMutation("update")

	// 4. キャッシュ無効化（旧カテゴリと新カテゴリ）
	cache.InvalidateEvent(ctx, s.cache, id, before.Category, after.Category)

	// 5. 通知・リマインダー
	if after.Status != before.Status {
		s.afterLifecycle(ctx, principal, after)
		return after, nil
	}

	changes := model.ChangedFields(*before, *after)
	if len(changes) == 0 {
		return after, nil
	}
	joined := model.JoinChanges(changes)
	s.publishChange(ctx, after, joined)
	if !before.StartTime.Equal(after.StartTime) {
		s.rescheduleReminder(ctx, after)
	}
	s.notifyCreator(ctx, principal, after, model.NotificationEventUpdate, i18n.KeyCreatorUpdated, after.Title, joined)

	return after, nil
}

// Delete はイベントを中止（論理削除）する。作成者または管理者のみ実行できる。
// 保留中のリマインダーを中止し、関心ユーザーと作成者に中止を通知する。
func (s *Service) Delete(ctx context.Context, principal model.Principal, id string) error {
	event, err := s.findForWrite(ctx, principal, id)
	if err != nil {
		return err
	}

	deleted, err := s.events.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return model.NewEventNotFoundError(id)
	}
	s.metrics.RecordEventMutation("delete")

	cache.InvalidateEvent(ctx, s.cache, id, event.Category)

	event.Status = model.EventStatusCancelled
	s.afterLifecycle(ctx, principal, event)
	return nil
}

// CompleteEnded は終了時刻を過ぎたactiveなイベントを終了済みにし、処理件数を返す。
// ワーカーが定期的に呼び出す。個々の失敗はログに記録して次に進む。
func (s *Service) CompleteEnded(ctx context.Context) (int, error) {
	events, err := s.events.ListEndedActive(ctx, s.clock.Now(), completeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("終了済みイベントの取得に失敗しました: %w", err)
	}

	completed := model.EventStatusCompleted
	count := 0
	for _, e := range events {
		after, err := s.events.Update(ctx, e.ID, model.EventPatch{Status: &completed})
		if err != nil {
			s.logger.Error("イベントの終了処理に失敗しました",
				slog.String("event_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if after == nil {
			continue
		}
		s.metrics.RecordEventMutation("complete")
		cache.InvalidateEvent(ctx, s.cache, e.ID, e.Category)
		s.cancelReminders(ctx, e.ID)
		s.publishChange(ctx, after, string(model.EventStatusCompleted))
		count++
	}
	return count, nil
}

// findForWrite は更新対象のイベントを取得し、呼び出し元が変更できるかを確認する。
// キャッシュは使わない。
func (s *Service) findForWrite(ctx context.Context, principal model.Principal, id string) (*model.Event, error) {
	if !isUUID(id) {
		return nil, model.NewEventNotFoundError(id)
	}
	event, err := s.events.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	if event == nil {
		return nil, model.NewEventNotFoundError(id)
	}
	if !principal.CanModify(event) {
		return nil, model.NewForbiddenError()
	}
	return event, nil
}

// afterLifecycle は中止・終了への遷移後の通知とリマインダー中止を行う。
func (s *Service) afterLifecycle(ctx context.Context, principal model.Principal, event *model.Event) {
	s.cancelReminders(ctx, event.ID)
	s.publishChange(ctx, event, string(event.Status))
	if event.Status == model.EventStatusCancelled {
		s.notifyCreator(ctx, principal, event, model.NotificationEventDelete, i18n.KeyCreatorCancelled, event.Title)
	}
}

// publishChange は変更概要を発行する。発行の失敗はログのみ。
func (s *Service) publishChange(ctx context.Context, event *model.Event, changes string) {
	err := s.notifier.PublishEventUpdate(ctx, model.EventChange{
		EventID:  event.ID,
		Title:    event.Title,
		Category: event.Category,
		Changes:  changes,
	})
	if err != nil {
		s.logger.Error("イベント変更の発行に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("changes", changes),
			slog.String("error", err.Error()),
		)
	}
}

// notifyCreator は作成者に確認通知を送る。
// 呼び出し元が作成者であればリクエストの言語、そうでなければ作成者の言語設定で本文を組み立てる。
// リクエストのキャンセルに影響されないよう、切り離したコンテキストで送る。
func (s *Service) notifyCreator(
	ctx context.Context,
	principal model.Principal,
	event *model.Event,
	typ model.NotificationType,
	key string,
	args ...any,
) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), creatorNotifyTimeout)
	defer cancel()

	locale := principal.Locale
	if principal.ID != event.CreatedBy || locale == "" {
		locale = s.languages.UserLanguage(ctx, event.CreatedBy)
	}

	eventID := event.ID
	message := s.renderer.Render(key, locale, args...)
	if _, err := s.notifier.SendDirectNotification(ctx, event.CreatedBy, typ, message, &eventID); err != nil {
		s.logger.Error("作成者への通知に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("user_id", event.CreatedBy),
			slog.String("error", err.Error()),
		)
	}
}

// rescheduleReminder は開始時刻の変更に合わせてリマインダーを置き換える。
// 新しい開始時刻が過去の場合は、以前の開始時刻で予約されたリマインダーを中止する。
func (s *Service) rescheduleReminder(ctx context.Context, event *model.Event) {
	if !event.StartTime.After(s.clock.Now()) {
		s.cancelReminders(ctx, event.ID)
		return
	}
	s.scheduleReminder(ctx, event)
}

// scheduleReminder はactiveで開始前のイベントのリマインダーを予約する。失敗はログのみ。
func (s *Service) scheduleReminder(ctx context.Context, event *model.Event) {
	if event.Status != model.EventStatusActive || !event.StartTime.After(s.clock.Now()) {
		return
	}
	if _, err := s.reminders.Schedule(ctx, event); err != nil {
		s.logger.Error("リマインダーの予約に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) cancelReminders(ctx context.Context, eventID string) {
	if _, err := s.reminders.Cancel(ctx, eventID); err != nil {
		s.logger.Error("リマインダーの中止に失敗しました",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}
