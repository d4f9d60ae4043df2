package metrics

import (
	"errors"
	"testing"
	"time"

	"autotrade/internal/domain/model"
)

func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestRecorderCounts(t *testing.T) {
	r := New()

	r.ObserveCall("quote", "ok", 20*time.Millisecond)
	r.ObserveCall("quote", "ok", 30*time.Millisecond)
	r.ObserveRetry("quote", "transient_server")
	r.ObserveTokenRefresh(nil)
	r.ObserveTokenRefresh(errors.New("boom"))
	r.ObserveEvent(model.EventMarket)
	r.ObserveOrder("005930", "submitted")
	r.ObserveQueueDepth(7)

	if v := counterValue(t, r, "api_calls_total", map[string]string{"op": "quote", "outcome": "ok"}); v != 2 {
		t.Errorf("api_calls_total = %v, want 2", v)
	}
	if v := counterValue(t, r, "token_refresh_total", map[string]string{"result": "error"}); v != 1 {
		t.Errorf("token_refresh_total{error} = %v, want 1", v)
	}
	if v := counterValue(t, r, "pipeline_events_total", map[string]string{"kind": "MARKET"}); v != 1 {
		t.Errorf("pipeline_events_total = %v, want 1", v)
	}
	if v := counterValue(t, r, "pipeline_queue_depth", nil); v != 7 {
		t.Errorf("pipeline_queue_depth = %v, want 7", v)
	}
}

func TestServe(t *testing.T) {
	r := New()
	srv := r.Serve("127.0.0.1:0")
	defer srv.Close()
}
