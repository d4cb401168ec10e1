package event

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/eventlocator/internal/geo"
	"github.com/hitoshi/eventlocator/internal/model"
	"github.com/hitoshi/eventlocator/internal/security"
)

// ページング・検索の既定値と上限
const (
	DefaultListLimit     = 20
	MaxListLimit         = 100
	DefaultRadiusKm      = 10.0
	MaxRadiusKm          = 20000.0
	completeBatchSize    = 100
	creatorNotifyTimeout = 10 * time.Second
)

// CreateInput はイベント作成の入力。
// 必須項目はポインタ・空文字で未指定を判別する。
type CreateInput struct {
	Title       string
	Description string
	Longitude   *float64
	Latitude    *float64
	Address     string
	StartTime   *time.Time
	EndTime     *time.Time
	Category    string
	TicketPrice *float64
	Status      *model.EventStatus
}

// validate は必須項目・値の範囲を検証する。
// 不足している必須項目はまとめて1つのエラーで返す。
func (in CreateInput) validate() error {
	var missing []string
	if in.Title == "" {
		missing = append(missing, "title")
	}
	if in.Address == "" {
		missing = append(missing, "address")
	}
	if in.StartTime == nil {
		missing = append(missing, "start_time")
	}
	if in.EndTime == nil {
		missing = append(missing, "end_time")
	}
	if in.Category == "" {
		missing = append(missing, "category")
	}
	if in.Longitude == nil {
		missing = append(missing, "longitude")
	}
	if in.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if len(missing) > 0 {
		return model.NewMissingFieldsError(missing...)
	}

	if err := geo.ValidateCoordinates(*in.Latitude, *in.Longitude); err != nil {
		return model.NewInvalidCoordinatesError(err.Error())
	}
	if !in.EndTime.After(*in.StartTime) {
		return model.NewValidationError("end_time must be after start_time")
	}
	if in.TicketPrice != nil && !validPrice(*in.TicketPrice) {
		return model.NewValidationError("ticket_price must be a non-negative number")
	}
	if in.Status != nil && *in.Status != model.EventStatusActive && *in.Status != model.EventStatusCompleted {
		return model.NewValidationError("status must be active or completed")
	}
	return nil
}

// sanitize はマークアップを除去した入力を返す。
func (in CreateInput) sanitize(s security.ContentSanitizerService) CreateInput {
	in.Title = s.SanitizeText(in.Title)
	in.Description = s.SanitizeDescription(in.Description)
	in.Address = s.SanitizeText(in.Address)
	in.Category = s.SanitizeText(in.Category)
	return in
}

// sanitizePatch はパッチの文字列フィールドからマークアップを除去する。
func sanitizePatch(p model.EventPatch, s security.ContentSanitizerService) model.EventPatch {
	clean := func(v *string, fn func(string) string) *string {
		if v == nil {
			return nil
		}
		out := fn(*v)
		return &out
	}
	p.Title = clean(p.Title, s.SanitizeText)
	p.Description = clean(p.Description, s.SanitizeDescription)
	p.Address = clean(p.Address, s.SanitizeText)
	p.Category = clean(p.Category, s.SanitizeText)
	return p
}

// validatePatch はパッチ適用後のイベントが不変条件を満たすかを検証する。
func validatePatch(before *model.Event, p model.EventPatch) error {
	if p.IsEmpty() {
		return model.NewValidationError("no fields to update")
	}
	if p.Title != nil && *p.Title == "" {
		return model.NewMissingFieldsError("title")
	}
	if p.Address != nil && *p.Address == "" {
		return model.NewMissingFieldsError("address")
	}
	if p.Category != nil && *p.Category == "" {
		return model.NewMissingFieldsError("category")
	}
	if p.HasLocation() {
		if err := geo.ValidateCoordinates(*p.Latitude, *p.Longitude); err != nil {
			return model.NewInvalidCoordinatesError(err.Error())
		}
	}
	if p.TicketPrice != nil && !validPrice(*p.TicketPrice) {
		return model.NewValidationError("ticket_price must be a non-negative number")
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return model.NewValidationError("unknown status: " + string(*p.Status))
		}
		if !before.Status.CanTransitionTo(*p.Status) {
			return model.NewInvalidTransitionError(before.Status, *p.Status)
		}
	}

	after := p.Apply(*before)
	if !after.EndTime.After(after.StartTime) {
		return model.NewValidationError("end_time must be after start_time")
	}
	return nil
}

// normalizeFilter はページングの既定値と上限を適用する。
func normalizeFilter(f model.EventFilter) model.EventFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	f.Limit = min(f.Limit, MaxListLimit)
	f.Offset = max(f.Offset, 0)
	return f
}

// validateNearby は近傍検索の中心・半径を検証し、既定値を補う。
func validateNearby(q model.NearbyQuery) (model.NearbyQuery, error) {
	if err := geo.ValidateCoordinates(q.Latitude, q.Longitude); err != nil {
		return q, model.NewInvalidCoordinatesError(err.Error())
	}
	if q.RadiusKm == 0 {
		q.RadiusKm = DefaultRadiusKm
	}
	if math.IsNaN(q.RadiusKm) || q.RadiusKm < 0 || q.RadiusKm > MaxRadiusKm {
		return q, model.NewValidationError("radius must be between 0 and 20000 km")
	}
	q.Filter = normalizeFilter(q.Filter)
	return q, nil
}

func validPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// isUUID はIDがUUID形式かを返す。形式外のIDは見つからないものとして扱う。
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
