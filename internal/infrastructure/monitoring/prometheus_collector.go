package monitoring

import (
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements every observer hook of the visit, media
// and cart components.
type PrometheusCollector struct {
	visitsActive     prometheus.Gauge
	visitsTotal      prometheus.Counter
	visitDuration    prometheus.Histogram
	ticketsIssued    *prometheus.CounterVec
	sessionsActive   *prometheus.GaugeVec
	sessionDuration  *prometheus.HistogramVec
	joinFailures     *prometheus.CounterVec
	admissions       prometheus.Counter
	roomParticipants *prometheus.GaugeVec
	tracksForwarded  *prometheus.CounterVec
	bridgeConns      prometheus.Gauge

	normalizationRuns     *prometheus.CounterVec
	normalizationWrites   *prometheus.CounterVec
	normalizationDeferred prometheus.Counter
	breakerState          *prometheus.GaugeVec

	registerer prometheus.Registerer
}

// NewPrometheusCollector registers the metrics with reg; pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		registerer: reg,

		visitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carebridge_visits_active",
			Help: "Number of visits created and not yet ended",
		}),

		visitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "carebridge_visits_created_total",
			Help: "Total number of visits created",
		}),

		visitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "carebridge_visit_duration_seconds",
			Help:    "Time from visit creation to end",
			Buckets: prometheus.ExponentialBuckets(60, 2, 8),
		}),

		ticketsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_visit_tickets_issued_total",
			Help: "Visit tickets issued by role",
		}, []string{"role"}),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carebridge_sessions_active",
			Help: "Participant sessions currently joined, by role",
		}, []string{"role"}),

		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carebridge_session_duration_seconds",
			Help:    "Duration of participant sessions",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"role"}),

		joinFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_session_join_failures_total",
			Help: "Failed joins by role",
		}, []string{"role"}),

		admissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "carebridge_patients_admitted_total",
			Help: "Patients admitted from the waiting room",
		}),

		roomParticipants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carebridge_room_participants",
			Help: "Participants connected to each media room",
		}, []string{"channel"}),

		tracksForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_tracks_forwarded_total",
			Help: "Published tracks forwarded by the SFU",
		}, []string{"kind"}),

		bridgeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carebridge_signal_bridge_connections",
			Help: "Open websocket signaling bridge connections",
		}),

		normalizationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_normalization_runs_total",
			Help: "Normalization passes by outcome",
		}, []string{"skipped"}),

		normalizationWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_normalization_writes_total",
			Help: "Shipping speed corrections written, by result",
		}, []string{"result"}),

		normalizationDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "carebridge_normalization_deferred_groups_total",
			Help: "Groups left unchanged because their pharmacy enables no speed",
		}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carebridge_rate_source_breaker_open",
			Help: "1 while the rate source breaker of a pharmacy is not closed",
		}, []string{"pharmacy_id"}),
	}
}

func (p *PrometheusCollector) VisitCreated() {
	p.visitsTotal.Inc()
	p.visitsActive.Inc()
}

func (p *PrometheusCollector) VisitEnded(duration time.Duration) {
	p.visitsActive.Dec()
	p.visitDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) TicketIssued(role domain.Role) {
	p.ticketsIssued.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionStarted(role domain.Role) {
	p.sessionsActive.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionEnded(role domain.Role, duration time.Duration) {
	p.sessionsActive.WithLabelValues(string(role)).Dec()
	p.sessionDuration.WithLabelValues(string(role)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) JoinFailed(role domain.Role) {
	p.joinFailures.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) PatientAdmitted() {
	p.admissions.Inc()
}

func (p *PrometheusCollector) RoomSize(channel string, participants int) {
	if participants == 0 {
		p.roomParticipants.DeleteLabelValues(channel)
		return
	}
	p.roomParticipants.WithLabelValues(channel).Set(float64(participants))
}

func (p *PrometheusCollector) TrackForwarded(kind string) {
	p.tracksForwarded.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) BridgeConnections(n int) {
	p.bridgeConns.Set(float64(n))
}

func (p *PrometheusCollector) ObserveNormalization(result services.NormalizationResult) {
	skipped := string(result.Skipped)
	if skipped == "" {
		skipped = "none"
	}
	p.normalizationRuns.WithLabelValues(skipped).Inc()
	p.normalizationWrites.WithLabelValues("applied").Add(float64(len(result.Applied)))
	p.normalizationWrites.WithLabelValues("failed").Add(float64(len(result.Failed)))
	p.normalizationDeferred.Add(float64(len(result.Deferred)))
}

func (p *PrometheusCollector) BreakerStateChanged(name string, state string) {
	open := 0
	if state != "closed" {
		open = 1
	}
	p.breakerState.WithLabelValues(name).Set(float64(open))
}

// TrackCartSessions exposes the number of open cart sessions.
func (p *PrometheusCollector) TrackCartSessions(count func() int) {
	promauto.With(p.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "carebridge_cart_sessions_open",
		Help: "Cart sessions currently held open",
	}, func() float64 { return float64(count()) })
}
