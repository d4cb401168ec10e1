package event

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/eventlocator/internal/cache"
	"github.com/hitoshi/eventlocator/internal/clock"
	"github.com/hitoshi/eventlocator/internal/geo"
	"github.com/hitoshi/eventlocator/internal/i18n"
	"github.com/hitoshi/eventlocator/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memEventRepo はEventRepositoryのインメモリ実装。
// 呼び出し回数を数え、キャッシュが効いているかを検証できる。
type memEventRepo struct {
	mu     sync.Mutex
	events map[string]*model.Event
	calls  map[string]int
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: make(map[string]*model.Event), calls: make(map[string]int)}
}

func (m *memEventRepo) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *memEventRepo) put(e model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = &e
}

func (m *memEventRepo) Create(_ context.Context, e *model.Event) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create"]++
	cp := *e
	cp.UpdatedAt = cp.CreatedAt
	m.events[e.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memEventRepo) FindByID(_ context.Context, id string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["find"]++
	e, ok := m.events[id]
	if !ok || e.Status == model.EventStatusCancelled {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (m *memEventRepo) match(e *model.Event, f model.EventFilter) bool {
	if e.Status == model.EventStatusCancelled {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.CreatedBy != "" && e.CreatedBy != f.CreatedBy {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(e.Title), strings.ToLower(f.Name)) {
		return false
	}
	return true
}

func (m *memEventRepo) filtered(f model.EventFilter) []model.Event {
	var out []model.Event
	for _, e := range m.events {
		if m.match(e, f) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *memEventRepo) List(_ context.Context, f model.EventFilter) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list"]++
	return page(m.filtered(f), f.Limit, f.Offset), nil
}

func (m *memEventRepo) Count(_ context.Context, f model.EventFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filtered(f)), nil
}

func (m *memEventRepo) FindNearby(_ context.Context, q model.NearbyQuery) ([]model.NearbyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["nearby"]++
	var out []model.NearbyEvent
	for _, e := range m.filtered(model.EventFilter{Category: q.Filter.Category}) {
		d := geo.DistanceBetween(q.Latitude, q.Longitude, e.Latitude, e.Longitude)
		if d <= q.RadiusKm {
			out = append(out, model.NearbyEvent{Event: e, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	return page(out, q.Filter.Limit, q.Filter.Offset), nil
}

func (m *memEventRepo) Update(_ context.Context, id string, p model.EventPatch) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update"]++
	e, ok := m.events[id]
	if !ok || e.Status == model.EventStatusCancelled {
		return nil, nil
	}
	updated := p.Apply(*e)
	updated.UpdatedAt = time.Now().UTC()
	m.events[id] = &updated
	out := updated
	return &out, nil
}

func (m *memEventRepo) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != model.EventStatusActive {
		return false, nil
	}
	e.Status = model.EventStatusCancelled
	return true, nil
}

func (m *memEventRepo) Categories(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["categories"]++
	seen := map[string]bool{}
	out := []string{}
	for _, e := range m.events {
		if e.Status != model.EventStatusCancelled && !seen[e.Category] {
			seen[e.Category] = true
			out = append(out, e.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memEventRepo) ListEndedActive(_ context.Context, before time.Time, limit int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if e.Status == model.EventStatusActive && e.EndTime.Before(before) && len(out) < limit {
			out = append(out, *e)
		}
	}
	return out, nil
}

type directNotification struct {
	userID  string
	typ     model.NotificationType
	message string
	eventID string
}

// recordingNotifier は発行された変更と作成者通知を記録する。
type recordingNotifier struct {
	mu         sync.Mutex
	changes    []model.EventChange
	directs    []directNotification
	publishErr error
}

func (r *recordingNotifier) PublishEventUpdate(_ context.Context, change model.EventChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return r.publishErr
	}
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordingNotifier) SendDirectNotification(
	_ context.Context, userID string, typ model.NotificationType, message string, eventID *string,
) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := directNotification{userID: userID, typ: typ, message: message}
	if eventID != nil {
		d.eventID = *eventID
	}
	r.directs = append(r.directs, d)
	return &model.Notification{UserID: userID, Type: typ, Message: message, EventID: eventID}, nil
}

// recordingReminders は予約・中止されたイベントIDを記録する。
type recordingReminders struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (r *recordingReminders) Schedule(_ context.Context, e *model.Event) (*model.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, e.ID)
	return &model.Reminder{EventID: e.ID, Status: model.ReminderPending}, nil
}

func (r *recordingReminders) Cancel(_ context.Context, eventID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, eventID)
	return 1, nil
}

type stubLanguages map[string]string

func (s stubLanguages) UserLanguage(_ context.Context, userID string) string {
	if l, ok := s[userID]; ok {
		return l
	}
	return model.DefaultLanguage
}

type fixture struct {
	now       time.Time
	repo      *memEventRepo
	cache     *cache.RedisCache
	mr        *miniredis.Miniredis
	notifier  *recordingNotifier
	reminders *recordingReminders
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	renderer, err := i18n.New()
	if err != nil {
		t.Fatalf("i18n.New failed: %v", err)
	}

	f := &fixture{
		now:       time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		repo:      newMemEventRepo(),
		cache:     cache.NewRedisCache(client, discardLogger(), nil),
		mr:        mr,
		notifier:  &recordingNotifier{},
		reminders: &recordingReminders{},
	}
	f.service = NewService(Config{
		Events:    f.repo,
		Cache:     f.cache,
		Notifier:  f.notifier,
		Reminders: f.reminders,
		Renderer:  renderer,
		Languages: stubLanguages{"creator-fr": "fr"},
		Clock:     clock.NewFixed(f.now),
		Logger:    discardLogger(),
	})
	return f
}

func ptr[T any](v T) *T {
	return &v
}

// jazzNight はCentral Parkで2日後に開催されるイベントの作成入力を返す。
func (f *fixture) jazzNight() CreateInput {
	start := f.now.Add(48 * time.Hour)
	return CreateInput{
		Title:     "Jazz Night",
		Longitude: ptr(-73.97),
		Latitude:  ptr(40.78),
		Address:   "Central Park",
		StartTime: ptr(start),
		EndTime:   ptr(start.Add(3 * time.Hour)),
		Category:  "music",
	}
}
