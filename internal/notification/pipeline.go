package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/eventlocator/internal/i18n"
	"github.com/hitoshi/eventlocator/internal/metrics"
	"github.com/hitoshi/eventlocator/internal/model"
	"github.com/hitoshi/eventlocator/internal/repository"
)

// デフォルト値
const (
	DefaultMaxConcurrent   = 10
	DefaultDeliveryTimeout = 10 * time.Second
)

// ReminderTimeLayout はリマインダー本文に埋め込む開始時刻の書式。
const ReminderTimeLayout = "2006-01-02 15:04 MST"

// RecipientResolver は通知対象ユーザーと、その言語・メールアドレスを解決する。
type RecipientResolver interface {
	FindInterestedUsers(ctx context.Context, eventID, category string) ([]model.Recipient, error)
	UserLanguage(ctx context.Context, userID string) string
	UserEmail(ctx context.Context, userID string) (string, error)
}

// MessageRenderer はキーと言語から本文を組み立てる。
type MessageRenderer interface {
	Render(key, locale string, args ...any) string
}

// Pipeline は通知の発行・受信後の配信を行う。
type Pipeline struct {
	notifications   repository.NotificationRepository
	resolver        RecipientResolver
	renderer        MessageRenderer
	publisher       Publisher
	realtime        RealtimePusher
	email           EmailSender
	metrics         metrics.MetricsCollector
	logger          *slog.Logger
	maxConcurrent   int
	deliveryTimeout time.Duration
}

// PipelineConfig はPipelineの生成パラメータ。
type PipelineConfig struct {
	Notifications   repository.NotificationRepository
	Resolver        RecipientResolver
	Renderer        MessageRenderer
	Publisher       Publisher
	Realtime        RealtimePusher
	Email           EmailSender
	Metrics         metrics.MetricsCollector
	Logger          *slog.Logger
	MaxConcurrent   int
	DeliveryTimeout time.Duration
}

// NewPipeline はPipelineを生成する。
// MaxConcurrent・DeliveryTimeoutが0以下の場合はデフォルト値を使用する。
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopCollector{}
	}
	return &Pipeline{
		notifications:   cfg.Notifications,
		resolver:        cfg.Resolver,
		renderer:        cfg.Renderer,
		publisher:       cfg.Publisher,
		realtime:        cfg.Realtime,
		email:           cfg.Email,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		maxConcurrent:   cfg.MaxConcurrent,
		deliveryTimeout: cfg.DeliveryTimeout,
	}
}

// PublishEventUpdate はイベントの変更概要をブロードキャストチャネルに発行する。
// MessageIDが空の場合は採番する。MessageIDは受信側で通知の重複排除に使われる。
func (p *Pipeline) PublishEventUpdate(ctx context.Context, change model.EventChange) error {
	if change.MessageID == "" {
		change.MessageID = uuid.NewString()
	}
	if err := p.publisher.Publish(ctx, ChannelEventUpdates, change); err != nil {
		return fmt.Errorf("イベント更新の発行に失敗しました: %w", err)
	}
	return nil
}

// PublishEventReminder はリマインダーの発火をチャネルに発行する。
func (p *Pipeline) PublishEventReminder(ctx context.Context, reminder model.EventReminder) error {
	if err := p.publisher.Publish(ctx, ChannelEventReminders, reminder); err != nil {
		return fmt.Errorf("リマインダーの発行に失敗しました: %w", err)
	}
	return nil
}

// SendDirectNotification は1人のユーザーに通知を作成し、リアルタイム配信する。
// 永続化に失敗してもリアルタイム配信は試み、永続化のエラーを返す。リアルタイム配信の失敗はログのみ。
func (p *Pipeline) SendDirectNotification(
	ctx context.Context,
	userID string,
	typ model.NotificationType,
	message string,
	eventID *string,
) (*model.Notification, error) {
	if !typ.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("unknown notification type: %s", typ))
	}

	n := &model.Notification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    typ,
		Message: message,
		EventID: eventID,
	}
	_, persistErr := p.notifications.Create(ctx, n)
	if persistErr != nil {
		p.metrics.RecordNotificationFailed(DeliveryPersisted)
	} else {
		p.metrics.RecordNotificationDelivered(DeliveryPersisted)
	}

	p.pushRealtime(ctx, n)
	if persistErr != nil {
		return nil, fmt.Errorf("通知の保存に失敗しました: %w", persistErr)
	}
	return n, nil
}

// HandleEventUpdate は受信したイベント変更を関心ユーザーに配信する。
// 受信者ごとに独立して並列に処理し、1人の失敗は他の受信者に影響しない。
// 失敗はすべてログに記録し、エラーは返さない。
func (p *Pipeline) HandleEventUpdate(ctx context.Context, change model.EventChange) {
	recipients, err := p.resolver.FindInterestedUsers(ctx, change.EventID, change.Category)
	if err != nil {
		p.logger.Error("通知対象ユーザーの解決に失敗しました",
			slog.String("event_id", change.EventID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(recipients) == 0 {
		return
	}

	typ, key, args := updateMessage(change)
	eventID := change.EventID
	var dedupeKey *string
	if change.MessageID != "" {
		dedupeKey = &change.MessageID
	}

	p.fanOut(ctx, len(recipients), func(ctx context.Context, i int) {
		rc := recipients[i]
		n := &model.Notification{
			ID:        uuid.NewString(),
			UserID:    rc.UserID,
			Type:      typ,
			Message:   p.renderer.Render(key, rc.Language, args...),
			EventID:   &eventID,
			DedupeKey: dedupeKey,
		}
		subject := p.renderer.Render(i18n.KeyEmailUpdateSubject, rc.Language, change.Title)
		p.deliver(ctx, n, subject)
	})

	p.logger.Info("イベント更新通知を配信しました",
		slog.String("event_id", change.EventID),
		slog.String("changes", change.Changes),
		slog.Int("recipient_count", len(recipients)),
	)
}

// HandleEventReminder は発火したリマインダーを受信者ごとの言語で配信する。
func (p *Pipeline) HandleEventReminder(ctx context.Context, reminder model.EventReminder) {
	if len(reminder.UserIDs) == 0 {
		return
	}

	eventID := reminder.EventID
	dedupeKey := "reminder:" + reminder.ReminderID
	startTime := reminder.StartTime.UTC().Format(ReminderTimeLayout)

	p.fanOut(ctx, len(reminder.UserIDs), func(ctx context.Context, i int) {
		userID := reminder.UserIDs[i]
		language := p.resolver.UserLanguage(ctx, userID)
		n := &model.Notification{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      model.NotificationEventReminder,
			Message:   p.renderer.Render(i18n.KeyEventReminder, language, reminder.Title, startTime),
			EventID:   &eventID,
			DedupeKey: &dedupeKey,
		}
		subject := p.renderer.Render(i18n.KeyEmailReminderSubject, language, reminder.Title)
		p.deliver(ctx, n, subject)
	})

	p.logger.Info("リマインダーを配信しました",
		slog.String("event_id", reminder.EventID),
		slog.String("reminder_id", reminder.ReminderID),
		slog.Int("recipient_count", len(reminder.UserIDs)),
	)
}

// Handlers は購読ループに渡すチャネル別のハンドラーを返す。
func (p *Pipeline) Handlers() map[string]MessageHandler {
	return map[string]MessageHandler{
		ChannelEventUpdates: func(ctx context.Context, payload []byte) {
			var change model.EventChange
			if err := json.Unmarshal(payload, &change); err != nil {
				p.logger.Warn("イベント更新メッセージのデコードに失敗しました",
					slog.String("error", err.Error()),
				)
				return
			}
			p.HandleEventUpdate(ctx, change)
		},
		ChannelEventReminders: func(ctx context.Context, payload []byte) {
			var reminder model.EventReminder
			if err := json.Unmarshal(payload, &reminder); err != nil {
				p.logger.Warn("リマインダーメッセージのデコードに失敗しました",
					slog.String("error", err.Error()),
				)
				return
			}
			p.HandleEventReminder(ctx, reminder)
		},
	}
}

// fanOut はn件の処理をsemaphoreで並列数を制限しながら実行し、全件の完了を待つ。
// 各処理には配信タイムアウト付きのコンテキストを渡す。
func (p *Pipeline) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	sem := make(chan struct{}, p.maxConcurrent)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			defer func() {
				if rec := recover(); rec != nil {
					p.logger.Error("通知配信中にpanicが発生しました",
						slog.Any("panic", rec),
					)
				}
			}()

			attemptCtx, cancel := context.WithTimeout(ctx, p.deliveryTimeout)
			defer cancel()
			fn(attemptCtx, i)
		}(i)
	}

	wg.Wait()
}

// deliver は1人の受信者に対して永続化・リアルタイム配信・メール配信を行う。
// 各チャネルは独立しており、永続化に失敗してもリアルタイム配信とメール配信は試みる。
// DedupeKeyが既に存在する（他のインスタンスが処理済み）場合のみ何もしない。
func (p *Pipeline) deliver(ctx context.Context, n *model.Notification, subject string) {
	// 1. 永続化
	created, err := p.notifications.Create(ctx, n)
	switch {
	case err != nil:
		p.metrics.RecordNotificationFailed(DeliveryPersisted)
		p.logger.Error("通知の保存に失敗しました",
			slog.String("user_id", n.UserID),
			slog.String("error", err.Error()),
		)
	case !created:
		p.logger.Debug("処理済みの通知のためスキップします",
			slog.String("user_id", n.UserID),
		)
		return
	default:
		p.metrics.RecordNotificationDelivered(DeliveryPersisted)
	}

	// 2. リアルタイム配信
	p.pushRealtime(ctx, n)

	// 3. メール配信
	p.sendEmail(ctx, n, subject)
}

func (p *Pipeline) pushRealtime(ctx context.Context, n *model.Notification) {
	if p.realtime == nil {
		return
	}
	if err := p.realtime.Push(ctx, n.UserID, n); err != nil {
		p.metrics.RecordNotificationFailed(DeliveryRealtime)
		p.logger.Warn("リアルタイム通知の配信に失敗しました",
			slog.String("user_id", n.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.metrics.RecordNotificationDelivered(DeliveryRealtime)
}

func (p *Pipeline) sendEmail(ctx context.Context, n *model.Notification, subject string) {
	if p.email == nil {
		return
	}
	to, err := p.resolver.UserEmail(ctx, n.UserID)
	if err != nil {
		p.metrics.RecordNotificationFailed(DeliveryEmail)
		p.logger.Warn("メールアドレスの取得に失敗しました",
			slog.String("user_id", n.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	if to == "" {
		return
	}

	if err := p.email.Send(ctx, EmailMessage{To: to, Subject: subject, Text: n.Message}); err != nil {
		p.metrics.RecordNotificationFailed(DeliveryEmail)
		p.logger.Warn("メール通知の送信に失敗しました",
			slog.String("user_id", n.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	p.metrics.RecordNotificationDelivered(DeliveryEmail)
}

// updateMessage は変更概要から通知種別・本文キー・本文の引数を決める。
func updateMessage(change model.EventChange) (model.NotificationType, string, []any) {
	switch change.Changes {
	case string(model.EventStatusCancelled):
		return model.NotificationEventDelete, i18n.KeyEventCancelled, []any{change.Title}
	case string(model.EventStatusCompleted):
		return model.NotificationEventUpdate, i18n.KeyEventCompleted, []any{change.Title}
	default:
		return model.NotificationEventUpdate, i18n.KeyEventUpdated, []any{change.Title, change.Changes}
	}
}
