package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/eventlocator/internal/event"
	"github.com/hitoshi/eventlocator/internal/geo"
	"github.com/hitoshi/eventlocator/internal/model"
)

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
type EventServiceInterface interface {
	Get(ctx context.Context, id string) (*model.Event, error)
	List(ctx context.Context, filter model.EventFilter) (*event.ListResult, error)
	ListMine(ctx context.Context, principal model.Principal, filter model.EventFilter) (*event.ListResult, error)
	Nearby(ctx context.Context, q model.NearbyQuery) (*event.NearbyResult, error)
	Categories(ctx context.Context) ([]string, error)
	Create(ctx context.Context, principal model.Principal, in event.CreateInput) (*model.Event, error)
	Update(ctx context.Context, principal model.Principal, id string, patch model.EventPatch) (*model.Event, error)
	Delete(ctx context.Context, principal model.Principal, id string) error
}

// EventHandler はイベント管理のHTTPハンドラー。
type EventHandler struct {
	service EventServiceInterface
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface) *EventHandler {
	return &EventHandler{service: service}
}

// eventRequest はイベント作成・更新リクエストのボディ。
// 未指定のフィールドはnilのまま残る。
type eventRequest struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	Longitude   *float64           `json:"longitude"`
	Latitude    *float64           `json:"latitude"`
	Address     *string            `json:"address"`
	StartTime   *time.Time         `json:"start_time"`
	EndTime     *time.Time         `json:"end_time"`
	Category    *string            `json:"category"`
	TicketPrice *float64           `json:"ticket_price"`
	Status      *model.EventStatus `json:"status"`
}

func (req eventRequest) toCreateInput() event.CreateInput {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return event.CreateInput{
		Title:       deref(req.Title),
		Description: deref(req.Description),
		Longitude:   req.Longitude,
		Latitude:    req.Latitude,
		Address:     deref(req.Address),
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Category:    deref(req.Category),
		TicketPrice: req.TicketPrice,
		Status:      req.Status,
	}
}

func (req eventRequest) toPatch() model.EventPatch {
	return model.EventPatch{
		Title:       req.Title,
		Description: req.Description,
		Longitude:   req.Longitude,
		Latitude:    req.Latitude,
		Address:     req.Address,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Category:    req.Category,
		TicketPrice: req.TicketPrice,
		Status:      req.Status,
	}
}

type paginationResponse struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

type eventListResponse struct {
	Events     []model.Event      `json:"events"`
	Pagination paginationResponse `json:"pagination"`
}

type centerResponse struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type nearbyResponse struct {
	Events []model.NearbyEvent `json:"events"`
	Center centerResponse      `json:"center"`
	Radius float64             `json:"radius"`
	Count  int                 `json:"count"`
}

type distanceResponse struct {
	DistanceKm    float64 `json:"distance_km"`
	DistanceMiles float64 `json:"distance_miles"`
}

type deleteEventResponse struct {
	ID     string            `json:"id"`
	Status model.EventStatus `json:"status"`
}

// CreateEvent はイベントを作成する。
// POST /api/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w, r)
		return
	}

	created, err := h.service.Create(r.Context(), principal, req.toCreateInput())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListEvents はフィルタ・ページング付きでイベント一覧を返す。
// GET /api/events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventListResponse(result))
}

// ListMyEvents は呼び出し元が作成したイベント一覧を返す。
// GET /api/events/mine
func (h *EventHandler) ListMyEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	result, err := h.service.ListMine(r.Context(), principal, filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventListResponse(result))
}

// GetEvent はイベント詳細を返す。
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// UpdateEvent はイベントを部分更新する。作成者または管理者のみ。
// PUT /api/events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w, r)
		return
	}

	updated, err := h.service.Update(r.Context(), principal, chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteEvent はイベントを中止（論理削除）する。作成者または管理者のみ。
// DELETE /api/events/{id}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalOrUnauthorized(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), principal, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteEventResponse{ID: id, Status: model.EventStatusCancelled})
}

// NearbyEvents は指定地点から半径内のイベントを近い順に返す。
// GET /api/events/nearby?lat=&lon=&radius=
func (h *EventHandler) NearbyEvents(w http.ResponseWriter, r *http.Request) {
	lat, hasLat, err := queryFloat(r, "lat", "latitude")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	lon, hasLon, err := queryFloat(r, "lon", "longitude")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !hasLat || !hasLon {
		var missing []string
		if !hasLat {
			missing = append(missing, "lat")
		}
		if !hasLon {
			missing = append(missing, "lon")
		}
		writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewMissingFieldsError(missing...))
		return
	}
	radius, _, err := queryFloat(r, "radius")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	result, err := h.service.Nearby(r.Context(), model.NearbyQuery{
		Latitude:  lat,
		Longitude: lon,
		RadiusKm:  radius,
		Filter:    filter,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	events := result.Events
	if events == nil {
		events = []model.NearbyEvent{}
	}
	writeJSON(w, http.StatusOK, nearbyResponse{
		Events: events,
		Center: centerResponse{Lat: result.Latitude, Lon: result.Longitude},
		Radius: result.RadiusKm,
		Count:  len(events),
	})
}

// Categories は利用中のカテゴリ一覧を返す。
// GET /api/events/categories
func (h *EventHandler) Categories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.Categories(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if categories == nil {
		categories = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": categories})
}

// Distance は2点間の大圏距離を返す。DBやキャッシュには触れない。
// GET /api/events/distance?lat1=&lon1=&lat2=&lon2=
func (h *EventHandler) Distance(w http.ResponseWriter, r *http.Request) {
	names := []string{"lat1", "lon1", "lat2", "lon2"}
	values := make([]float64, len(names))
	var missing []string
	for i, name := range names {
		v, ok, err := queryFloat(r, name)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if !ok {
			missing = append(missing, name)
		}
		values[i] = v
	}
	if len(missing) > 0 {
		writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewMissingFieldsError(missing...))
		return
	}

	lat1, lon1, lat2, lon2 := values[0], values[1], values[2], values[3]
	for _, p := range [][2]float64{{lat1, lon1}, {lat2, lon2}} {
		if err := geo.ValidateCoordinates(p[0], p[1]); err != nil {
			writeAPIErrorResponse(w, r, http.StatusBadRequest, model.NewInvalidCoordinatesError(err.Error()))
			return
		}
	}

	km := geo.DistanceBetween(lat1, lon1, lat2, lon2)
	writeJSON(w, http.StatusOK, distanceResponse{DistanceKm: km, DistanceMiles: geo.ToMiles(km)})
}

// parseEventFilter は一覧系エンドポイント共通のクエリを読む。
// 既定値と上限の補正はサービス層で行う。
func parseEventFilter(r *http.Request) (model.EventFilter, error) {
	q := r.URL.Query()
	filter := model.EventFilter{
		Name:      strings.TrimSpace(q.Get("name")),
		Category:  strings.TrimSpace(q.Get("category")),
		Address:   strings.TrimSpace(q.Get("address")),
		CreatedBy: strings.TrimSpace(q.Get("creator")),
	}
	if filter.CreatedBy == "" {
		filter.CreatedBy = strings.TrimSpace(q.Get("created_by"))
	}
	// 作成者IDはuuid列と比較するため、形式不正はDBに渡さず400にする
	if filter.CreatedBy != "" && !isUUID(filter.CreatedBy) {
		return filter, model.NewValidationError("creator must be a UUID")
	}

	var err error
	if filter.StartDate, err = queryTime(r, "startDate"); err != nil {
		return filter, err
	}
	if filter.EndDate, err = queryTime(r, "endDate"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func toEventListResponse(result *event.ListResult) eventListResponse {
	events := result.Events
	if events == nil {
		events = []model.Event{}
	}
	return eventListResponse{
		Events: events,
		Pagination: paginationResponse{
			Total:   result.Total,
			Limit:   result.Limit,
			Offset:  result.Offset,
			HasMore: result.HasMore,
		},
	}
}
