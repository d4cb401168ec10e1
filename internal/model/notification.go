package model

import "time"

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	NotificationEventUpdate   NotificationType = "EVENT_UPDATE"
	NotificationEventReminder NotificationType = "EVENT_REMINDER"
	NotificationEventDelete   NotificationType = "EVENT_DELETE"
	NotificationSystem        NotificationType = "SYSTEM"
)

// Valid は定義済みの種別かどうかを返す。
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationEventUpdate, NotificationEventReminder, NotificationEventDelete, NotificationSystem:
		return true
	}
	return false
}

// Notification はユーザーごとに永続化される通知を表す。
// Messageは作成時点で受信者の言語にレンダリング済み。作成後は既読状態のみ変化する。
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Message   string           `db:"message" json:"message"`
	EventID   *string          `db:"event_id" json:"event_id,omitempty"`
	DedupeKey *string          `db:"dedupe_key" json:"-"`
	IsRead    bool             `db:"is_read" json:"is_read"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// NotificationPage は通知一覧の1ページ分の結果。
type NotificationPage struct {
	Notifications []Notification
	UnreadCount   int
	Page          int
	Limit         int
	HasMore       bool
}

// EventChange はイベント更新チャネルに配信される変更概要。
// Changesは変更フィールドのカンマ区切り、またはライフサイクル遷移の "cancelled" / "completed"。
type EventChange struct {
	MessageID string `json:"message_id"`
	EventID   string `json:"id"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Changes   string `json:"changes"`
}

// IsLifecycle はライフサイクル遷移（中止・終了）による変更かどうかを返す。
func (c EventChange) IsLifecycle() bool {
	return c.Changes == string(EventStatusCancelled) || c.Changes == string(EventStatusCompleted)
}

// EventReminder はリマインダーチャネルに配信される発火通知。
type EventReminder struct {
	ReminderID string    `json:"reminder_id"`
	EventID    string    `json:"event_id"`
	Title      string    `json:"title"`
	StartTime  time.Time `json:"start_time"`
	UserIDs    []string  `json:"user_ids"`
}
