// Package reminder はイベント開始前のリマインダーの予約と発火を行う。
//
// 予約はremindersテーブルに永続化し、発火はasynqの遅延タスクで行う。
// タスクが失われた場合も、ワーカーの定期sweepが期限切れの保留中リマインダーを発火させる。
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/eventlocator/internal/clock"
	"github.com/hitoshi/eventlocator/internal/metrics"
	"github.com/hitoshi/eventlocator/internal/model"
	"github.com/hitoshi/eventlocator/internal/repository"
)

// デフォルト値
const (
	// DefaultSweepGrace は発火時刻を過ぎてからsweepの対象にするまでの猶予。
	// 通常はasynqのタスクが先に発火する。
	DefaultSweepGrace = time.Minute
	// DefaultSweepBatch はsweep 1回で処理する最大件数。
	DefaultSweepBatch = 100
)

// Enqueuer はリマインダーの発火タスクを予約するインターフェース。
type Enqueuer interface {
	// EnqueueReminder はfireAtにreminderIDの発火タスクを予約する。
	EnqueueReminder(ctx context.Context, reminderID string, fireAt time.Time) error
}

// RecipientFinder はリマインダーの受信者を解決する。
type RecipientFinder interface {
	FindInterestedUsers(ctx context.Context, eventID, category string) ([]model.Recipient, error)
}

// ReminderPublisher は発火したリマインダーを配信チャネルに発行する。
type ReminderPublisher interface {
	PublishEventReminder(ctx context.Context, reminder model.EventReminder) error
}

// Scheduler はリマインダーの予約・中止・発火を行う。
type Scheduler struct {
	reminders repository.ReminderRepository
	events    repository.EventRepository
	resolver  RecipientFinder
	enqueuer  Enqueuer
	publisher ReminderPublisher
	clock     clock.Clock
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	lead      time.Duration
}

// SchedulerConfig はSchedulerの生成パラメータ。
type SchedulerConfig struct {
	Reminders repository.ReminderRepository
	Events    repository.EventRepository
	Resolver  RecipientFinder
	Enqueuer  Enqueuer
	Publisher ReminderPublisher
	Clock     clock.Clock
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
	// Lead はイベント開始の何時間前に発火するか。0以下の場合は24時間。
	Lead time.Duration
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Lead <= 0 {
		cfg.Lead = model.DefaultReminderLead
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopCollector{}
	}
	return &Scheduler{
		reminders: cfg.Reminders,
		events:    cfg.Events,
		resolver:  cfg.Resolver,
		enqueuer:  cfg.Enqueuer,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		lead:      cfg.Lead,
	}
}

// Schedule はイベントのリマインダーを予約する。
// 受信者は予約時点で1回だけ解決する。既存の保留中リマインダーは中止して置き換える。
// 発火時刻（開始時刻 - lead）が現在以前の場合は即座に発火する。
func (s *Scheduler) Schedule(ctx context.Context, event *model.Event) (*model.Reminder, error) {
	// 1. 受信者を解決
	recipients, err := s.resolver.FindInterestedUsers(ctx, event.ID, event.Category)
	if err != nil {
		return nil, fmt.Errorf("リマインダー受信者の解決に失敗しました: %w", err)
	}
	userIDs := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		userIDs = append(userIDs, rc.UserID)
	}

	// 2. 保留中のリマインダーを置き換えて永続化
	reminder := &model.Reminder{
		ID:         uuid.NewString(),
		EventID:    event.ID,
		FireAt:     event.StartTime.Add(-s.lead).UTC(),
		Recipients: userIDs,
		Status:     model.ReminderPending,
	}
	cancelled, err := s.reminders.ReplacePending(ctx, reminder)
	if err != nil {
		return nil, fmt.Errorf("リマインダーの保存に失敗しました: %w", err)
	}
	s.metrics.RecordReminderCancelled(int(cancelled))
	s.metrics.RecordReminderScheduled()

	// 3. 発火時刻を過ぎていれば即時発火
	if !reminder.FireAt.After(s.clock.Now()) {
		if err := s.Fire(ctx, reminder.ID); err != nil {
			return reminder, fmt.Errorf("リマインダーの即時発火に失敗しました: %w", err)
		}
		return reminder, nil
	}

	// 4. 発火タスクを予約
	// 予約に失敗しても行は残るため、sweepが発火時刻後に拾う
	if err := s.enqueuer.EnqueueReminder(ctx, reminder.ID, reminder.FireAt); err != nil {
		s.logger.Warn("リマインダータスクの予約に失敗しました。sweepで発火します",
			slog.String("reminder_id", reminder.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("リマインダーを予約しました",
		slog.String("event_id", event.ID),
		slog.String("reminder_id", reminder.ID),
		slog.Time("fire_at", reminder.FireAt),
		slog.Int("recipient_count", len(userIDs)),
		slog.Int64("replaced", cancelled),
	)
	return reminder, nil
}

// Cancel はイベントの保留中リマインダーをすべて中止する。
// 予約済みのタスクは発火時に中止済みを検出して何もしない。
func (s *Scheduler) Cancel(ctx context.Context, eventID string) (int64, error) {
	cancelled, err := s.reminders.CancelPending(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("リマインダーの中止に失敗しました: %w", err)
	}
	s.metrics.RecordReminderCancelled(int(cancelled))
	return cancelled, nil
}

// Fire はリマインダーを発火し、配信チャネルに発行する。
// 保留中でないリマインダーは何もしない。イベントが公開中でなくなっていれば中止する。
// 発行に失敗した場合はエラーを返し、状態は保留中のまま残す（タスクの再試行・sweepで再発火する）。
// 重複して発火しても、通知はリマインダーIDで重複排除される。
func (s *Scheduler) Fire(ctx context.Context, reminderID string) error {
	reminder, err := s.reminders.FindByID(ctx, reminderID)
	if err != nil {
		return fmt.Errorf("リマインダーの取得に失敗しました: %w", err)
	}
	if reminder == nil || reminder.Status != model.ReminderPending {
		return nil
	}

	event, err := s.events.FindByID(ctx, reminder.EventID)
	if err != nil {
		return fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	if event == nil || event.Status != model.EventStatusActive {
		if _, err := s.reminders.MarkCancelled(ctx, reminder.ID); err != nil {
			return fmt.Errorf("リマインダーの中止に失敗しました: %w", err)
		}
		s.metrics.RecordReminderCancelled(1)
		s.logger.Info("公開中でないイベントのリマインダーを中止しました",
			slog.String("reminder_id", reminder.ID),
			slog.String("event_id", reminder.EventID),
		)
		return nil
	}

	if err := s.publisher.PublishEventReminder(ctx, model.EventReminder{
		ReminderID: reminder.ID,
		EventID:    event.ID,
		Title:      event.Title,
		StartTime:  event.StartTime,
		UserIDs:    reminder.Recipients,
	}); err != nil {
		return err
	}

	fired, err := s.reminders.MarkFired(ctx, reminder.ID)
	if err != nil {
		return fmt.Errorf("リマインダーの状態更新に失敗しました: %w", err)
	}
	if fired {
		s.metrics.RecordReminderFired()
	}
	return nil
}

// Sweep は発火時刻を猶予以上過ぎた保留中リマインダーを発火させ、発火を試みた件数を返す。
// 個々の失敗はログに記録して次に進む。
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.reminders.ListDuePending(ctx, s.clock.Now().Add(-DefaultSweepGrace), DefaultSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("期限切れリマインダーの取得に失敗しました: %w", err)
	}

	for _, reminder := range due {
		if err := s.Fire(ctx, reminder.ID); err != nil {
			s.logger.Error("リマインダーの発火に失敗しました",
				slog.String("reminder_id", reminder.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(due) > 0 {
		s.logger.Info("期限切れリマインダーを処理しました",
			slog.Int("count", len(due)),
		)
	}
	return len(due), nil
}
