package model

import "time"

// ReminderStatus はリマインダーの状態を表す。
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderFired     ReminderStatus = "fired"
	ReminderCancelled ReminderStatus = "cancelled"
)

// DefaultReminderLead はイベント開始の何時間前にリマインダーを送るかのデフォルト値。
const DefaultReminderLead = 24 * time.Hour

// Reminder は永続化されたリマインダー予約。
// プロセス再起動後もsweepとジョブキューから再開できる。
type Reminder struct {
	ID         string
	EventID    string
	FireAt     time.Time
	Recipients []string
	Status     ReminderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
