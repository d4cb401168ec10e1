// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// EventStatus はイベントのライフサイクル状態を表す。
type EventStatus string

const (
	// EventStatusActive は公開中のイベント。
	EventStatusActive EventStatus = "active"
	// EventStatusCancelled は中止（論理削除）されたイベント。
	EventStatusCancelled EventStatus = "cancelled"
	// EventStatusCompleted は終了したイベント。
	EventStatusCompleted EventStatus = "completed"
)

// Valid は定義済みの状態かどうかを返す。
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusActive, EventStatusCancelled, EventStatusCompleted:
		return true
	}
	return false
}

// CanTransitionTo は状態遷移が許可されているかを返す。
// active → cancelled / completed のみ許可し、復活は認めない。
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	if s == next {
		return true
	}
	return s == EventStatusActive && (next == EventStatusCancelled || next == EventStatusCompleted)
}

// Event は地理座標を持つイベントを表す。
// 位置はSRID 4326のgeographyとして保存され、Longitude/Latitudeはその展開値。
type Event struct {
	ID          string      `db:"id" json:"id"`
	Title       string      `db:"title" json:"title"`
	Description string      `db:"description" json:"description"`
	Longitude   float64     `db:"longitude" json:"longitude"`
	Latitude    float64     `db:"latitude" json:"latitude"`
	Address     string      `db:"address" json:"address"`
	StartTime   time.Time   `db:"start_time" json:"start_time"`
	EndTime     time.Time   `db:"end_time" json:"end_time"`
	Category    string      `db:"category" json:"category"`
	CreatedBy   string      `db:"created_by" json:"created_by"`
	TicketPrice float64     `db:"ticket_price" json:"ticket_price"`
	Status      EventStatus `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// NearbyEvent は近傍検索の結果で、検索中心からの距離（km）を伴う。
type NearbyEvent struct {
	Event
	DistanceKm float64 `db:"distance_km" json:"distance_km"`
}

// EventFilter はイベント一覧・近傍検索の共通フィルタ。
// ゼロ値のフィールドは条件に含めない。
type EventFilter struct {
	Name      string     // タイトルの部分一致（大文字小文字を区別しない）
	Category  string     // カテゴリの完全一致
	StartDate *time.Time // start_time >= StartDate
	EndDate   *time.Time // end_time <= EndDate
	Address   string     // 住所の部分一致
	CreatedBy string     // 作成者ID
	Limit     int
	Offset    int
}

// NearbyQuery は近傍検索の条件。
type NearbyQuery struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	Filter    EventFilter
}

// EventPatch はイベントの部分更新内容。nilのフィールドは変更しない。
type EventPatch struct {
	Title       *string
	Description *string
	Longitude   *float64
	Latitude    *float64
	Address     *string
	StartTime   *time.Time
	EndTime     *time.Time
	Category    *string
	TicketPrice *float64
	Status      *EventStatus
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (p EventPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Longitude == nil && p.Latitude == nil &&
		p.Address == nil && p.StartTime == nil && p.EndTime == nil && p.Category == nil &&
		p.TicketPrice == nil && p.Status == nil
}

// HasLocation は経度・緯度が両方指定されているかを返す。
// 片方のみの指定では位置を再計算しない。
func (p EventPatch) HasLocation() bool {
	return p.Longitude != nil && p.Latitude != nil
}

// Apply はパッチをイベントのコピーに適用した結果を返す。
func (p EventPatch) Apply(e Event) Event {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.HasLocation() {
		e.Longitude = *p.Longitude
		e.Latitude = *p.Latitude
	}
	if p.Address != nil {
		e.Address = *p.Address
	}
	if p.StartTime != nil {
		e.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		e.EndTime = *p.EndTime
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.TicketPrice != nil {
		e.TicketPrice = *p.TicketPrice
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	return e
}

// 変更フィールド名（通知文中で利用する）
const (
	ChangeTitle       = "title"
	ChangeDescription = "description"
	ChangeTime        = "time"
	ChangeLocation    = "location"
	ChangeCategory    = "category"
	ChangePrice       = "price"
)

// ChangedFields は更新前後のイベントを比較し、変更されたフィールド名を返す。
// 同じ名前は1回だけ含める。
func ChangedFields(before, after Event) []string {
	var changes []string
	add := func(name string) {
		for _, c := range changes {
			if c == name {
				return
			}
		}
		changes = append(changes, name)
	}

	if before.Title != after.Title {
		add(ChangeTitle)
	}
	if before.Description != after.Description {
		add(ChangeDescription)
	}
	if !before.StartTime.Equal(after.StartTime) || !before.EndTime.Equal(after.EndTime) {
		add(ChangeTime)
	}
	if before.Address != after.Address || before.Longitude != after.Longitude || before.Latitude != after.Latitude {
		add(ChangeLocation)
	}
	if before.Category != after.Category {
		add(ChangeCategory)
	}
	if before.TicketPrice != after.TicketPrice {
		add(ChangePrice)
	}
	return changes
}

// JoinChanges は変更フィールド名をカンマ区切りで連結する。
func JoinChanges(changes []string) string {
	return strings.Join(changes, ", ")
}
