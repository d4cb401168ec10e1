package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから名前とラベル値が一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labelValue string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordCacheHitMiss_LabelledByNamespace はヒット・ミスが名前空間ごとに数えられることを検証する。
func TestRecordCacheHitMiss_LabelledByNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCacheHit("event")
	c.RecordCacheHit("event")
	c.RecordCacheHit("nearby")
	c.RecordCacheMiss("event")

	if m := findMetric(t, reg, "eventlocator_cache_hits_total", "event"); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("cache_hits_total{namespace=event} = %v, want 2", m)
	}
	if m := findMetric(t, reg, "eventlocator_cache_hits_total", "nearby"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("cache_hits_total{namespace=nearby} = %v, want 1", m)
	}
	if m := findMetric(t, reg, "eventlocator_cache_misses_total", "event"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("cache_misses_total{namespace=event} = %v, want 1", m)
	}
}

// TestRecordNotification_ByChannel はチャネル別に配信成功・失敗が記録されることを検証する。
func TestRecordNotification_ByChannel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotificationDelivered("realtime")
	c.RecordNotificationFailed("email")
	c.RecordNotificationFailed("email")

	if m := findMetric(t, reg, "eventlocator_notifications_delivered_total", "realtime"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("delivered{channel=realtime} = %v, want 1", m)
	}
	if m := findMetric(t, reg, "eventlocator_notifications_failed_total", "email"); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("failed{channel=email} = %v, want 2", m)
	}
}

// TestRecordReminderCancelled_IgnoresNonPositive は0以下の件数を加算しないことを検証する。
func TestRecordReminderCancelled_IgnoresNonPositive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReminderCancelled(0)
	c.RecordReminderCancelled(-1)
	c.RecordReminderCancelled(3)
	c.RecordReminderScheduled()
	c.RecordReminderFired()

	if m := findMetric(t, reg, "eventlocator_reminders_cancelled_total", ""); m == nil || m.GetCounter().GetValue() != 3 {
		t.Errorf("reminders_cancelled_total = %v, want 3", m)
	}
	if m := findMetric(t, reg, "eventlocator_reminders_scheduled_total", ""); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("reminders_scheduled_total = %v, want 1", m)
	}
}

// TestRecordEventMutation_ByOperation は操作別にイベント変更数が記録されることを検証する。
func TestRecordEventMutation_ByOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEventMutation("create")
	c.RecordEventMutation("update")
	c.RecordEventMutation("update")

	if m := findMetric(t, reg, "eventlocator_event_mutations_total", "update"); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("event_mutations_total{op=update} = %v, want 2", m)
	}
}

// TestRecordHTTPStatus_LabelledByCode はステータスコード別に記録されることを検証する。
func TestRecordHTTPStatus_LabelledByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(404)

	if m := findMetric(t, reg, "eventlocator_http_status_total", "404"); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("http_status_total{status_code=404} = %v, want 1", m)
	}
}

// TestNewCollector_DuplicateRegistrationPanics は同一レジストリへの二重登録でpanicすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}
