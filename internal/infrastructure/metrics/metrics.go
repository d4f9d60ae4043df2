package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"autotrade/internal/domain/model"
)

// Recorder owns the process metrics and satisfies the observer hooks of the
// API client and the pipeline.
type Recorder struct {
	reg *prometheus.Registry

	APICalls     *prometheus.CounterVec
	APILatency   *prometheus.HistogramVec
	APIRetries   *prometheus.CounterVec
	TokenRefresh *prometheus.CounterVec
	RateWaits    prometheus.Counter
	Reconnects   prometheus.Counter
	Events       *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	Orders       *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		APICalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "api_calls_total", Help: "Brokerage REST calls by outcome"},
			[]string{"op", "outcome"},
		),
		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "api_call_seconds", Help: "REST call latency including retries", Buckets: prometheus.DefBuckets},
			[]string{"op"},
		),
		APIRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "api_retries_total", Help: "REST retries by reason"},
			[]string{"op", "reason"},
		),
		TokenRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "token_refresh_total", Help: "Credential acquisitions by result"},
			[]string{"result"},
		),
		RateWaits: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ratelimit_waits_total", Help: "Calls that had to wait for the rate window"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Streaming reconnects"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pipeline_events_total", Help: "Events processed by kind"},
			[]string{"kind"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pipeline_decisions_total", Help: "Decision point outcomes"},
			[]string{"instrument", "outcome"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orders_total", Help: "Order lifecycle transitions"},
			[]string{"instrument", "outcome"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Events waiting in the pipeline queue"},
		),
	}
	r.reg.MustRegister(r.APICalls, r.APILatency, r.APIRetries, r.TokenRefresh, r.RateWaits,
		r.Reconnects, r.Events, r.Decisions, r.Orders, r.QueueDepth)
	return r
}

func (r *Recorder) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Recorder) ObserveCall(op, outcome string, elapsed time.Duration) {
	r.APICalls.WithLabelValues(op, outcome).Inc()
	r.APILatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveRetry(op, reason string) {
	r.APIRetries.WithLabelValues(op, reason).Inc()
}

func (r *Recorder) ObserveTokenRefresh(err error) {
	if err != nil {
		r.TokenRefresh.WithLabelValues("error").Inc()
		return
	}
	r.TokenRefresh.WithLabelValues("ok").Inc()
}

func (r *Recorder) ObserveRateWait(time.Duration) { r.RateWaits.Inc() }

func (r *Recorder) ObserveReconnect() { r.Reconnects.Inc() }

func (r *Recorder) ObserveEvent(kind model.EventKind) {
	r.Events.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) ObserveDecision(instrument, outcome string) {
	r.Decisions.WithLabelValues(instrument, outcome).Inc()
}

func (r *Recorder) ObserveOrder(instrument, outcome string) {
	r.Orders.WithLabelValues(instrument, outcome).Inc()
}

func (r *Recorder) ObserveQueueDepth(depth int) { r.QueueDepth.Set(float64(depth)) }

// Serve exposes /metrics on addr in the background.
func (r *Recorder) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
