package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInterventionLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordInterventionOpened()
	m.RecordInterventionOpened()
	m.RecordInterventionFinalized("idle", 1.5)

	if got := testutil.ToFloat64(m.InterventionsOpen); got != 1 {
		t.Errorf("expected 1 open intervention, got %v", got)
	}
	if got := testutil.ToFloat64(m.InterventionsOpened); got != 2 {
		t.Errorf("expected 2 opened interventions, got %v", got)
	}
	if got := testutil.ToFloat64(m.InterventionsFinalized.WithLabelValues("idle")); got != 1 {
		t.Errorf("expected 1 idle finalize, got %v", got)
	}
}

func TestRecordFragment_Kinds(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFragment("caption", true)
	m.RecordFragment("caption", false)
	m.RecordFragment("caption", false)

	if got := testutil.ToFloat64(m.FragmentsTotal.WithLabelValues("caption", "partial")); got != 1 {
		t.Errorf("expected 1 partial fragment, got %v", got)
	}
	if got := testutil.ToFloat64(m.FragmentsTotal.WithLabelValues("caption", "final")); got != 2 {
		t.Errorf("expected 2 final fragments, got %v", got)
	}
}

func TestRecordKafkaPublish_CountsErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordKafkaPublish("topic-a", "final", nil, 0.01)
	m.RecordKafkaPublish("topic-a", "final", errors.New("broker down"), 0.5)

	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("topic-a", "final")); got != 2 {
		t.Errorf("expected 2 publishes, got %v", got)
	}
	if got := testutil.ToFloat64(m.KafkaPublishErrors.WithLabelValues("topic-a", "final")); got != 1 {
		t.Errorf("expected 1 publish error, got %v", got)
	}
}

func TestRecordAutomationSend_Outcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAutomationSend(nil)
	m.RecordAutomationSend(errors.New("status 500"))

	if got := testutil.ToFloat64(m.AutomationSends.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.AutomationSends.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}
