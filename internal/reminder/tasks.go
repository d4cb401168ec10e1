package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeFire はリマインダー発火タスクの種別。
const TaskTypeFire = "reminder:fire"

// firePayload は発火タスクのペイロード。
type firePayload struct {
	ReminderID string `json:"reminder_id"`
}

// NewFireTask はリマインダー発火タスクを生成する。
func NewFireTask(reminderID string) (*asynq.Task, error) {
	payload, err := json.Marshal(firePayload{ReminderID: reminderID})
	if err != nil {
		return nil, fmt.Errorf("タスクペイロードのエンコードに失敗しました: %w", err)
	}
	return asynq.NewTask(TaskTypeFire, payload), nil
}

// AsynqEnqueuer はasynqの遅延タスクでリマインダーを予約するEnqueuer。
type AsynqEnqueuer struct {
	client   *asynq.Client
	maxRetry int
}

// NewAsynqEnqueuer はAsynqEnqueuerを生成する。
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, maxRetry: 5}
}

// EnqueueReminder はfireAtに発火タスクを予約する。
// タスクIDにリマインダーIDを使うため、同じリマインダーの二重予約は成功扱いにする。
func (e *AsynqEnqueuer) EnqueueReminder(ctx context.Context, reminderID string, fireAt time.Time) error {
	task, err := NewFireTask(reminderID)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID(reminderID),
		asynq.ProcessAt(fireAt),
		asynq.MaxRetry(e.maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("リマインダータスクの予約に失敗しました: %w", err)
	}
	return nil
}

// ProcessTask はasynqのHandlerを実装し、発火タスクを処理する。
// エラーを返すとasynqが再試行する。
func (s *Scheduler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload firePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// 再試行しても解決しないためスキップする
		return fmt.Errorf("タスクペイロードのデコードに失敗しました: %v: %w", err, asynq.SkipRetry)
	}
	return s.Fire(ctx, payload.ReminderID)
}

// RegisterHandlers はワーカーのServeMuxに発火タスクのハンドラーを登録する。
func (s *Scheduler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.Handle(TaskTypeFire, s)
}

// compile-time interface check
var (
	_ Enqueuer      = (*AsynqEnqueuer)(nil)
	_ asynq.Handler = (*Scheduler)(nil)
)
