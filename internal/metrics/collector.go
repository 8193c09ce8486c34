package metrics

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "mail"

// Metric family names as they appear in the exposition output.
const (
	TransitionsMetric        = "mail_forwarding_status_transitions_total"
	IllegalTransitionsMetric = "mail_forwarding_illegal_transitions_total"
	APIErrorsMetric          = "mail_api_errors_total"
)

// RecentActivityWindow bounds how old the last recorded event may be for
// Report.HasRecentActivity to hold.
const RecentActivityWindow = time.Hour

// Collector counts forwarding status transitions, illegal transition
// attempts and upstream API errors. Counts live in process memory only.
type Collector struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	illegal     *prometheus.CounterVec
	apiErrors   *prometheus.CounterVec
	logger      *slog.Logger

	// Clock is used for summary timestamps and activity tracking.
	Clock func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// Summary is a point-in-time copy of all counters.
type Summary struct {
	Transitions        map[string]int64 `json:"transitions"`
	IllegalTransitions map[string]int64 `json:"illegal_transitions"`
	APIErrors          map[string]int64 `json:"api_errors"`
	Timestamp          time.Time        `json:"timestamp"`
}

// CounterBreakdown is a total plus its per-key split.
type CounterBreakdown struct {
	Total int64            `json:"total"`
	ByKey map[string]int64 `json:"by_key"`
}

// Report is the alerting-oriented view of the counters.
type Report struct {
	Timestamp          time.Time        `json:"timestamp"`
	Transitions        CounterBreakdown `json:"transitions"`
	IllegalTransitions CounterBreakdown `json:"illegal_transitions"`
	APIErrors          CounterBreakdown `json:"api_errors"`
	LastActivity       *time.Time       `json:"last_activity,omitempty"`
	HasRecentActivity  bool             `json:"has_recent_activity"`
	HasIllegalAttempts bool             `json:"has_illegal_attempts"`
	HasAPIErrors       bool             `json:"has_api_errors"`
}

// NewCollector creates a collector backed by its own registry
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarding",
				Name:      "status_transitions_total",
				Help:      "Count of legal forwarding request status transitions.",
			},
			[]string{"from", "to"},
		),
		illegal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarding",
				Name:      "illegal_transitions_total",
				Help:      "Count of attempted forwarding request status transitions outside the allowed table.",
			},
			[]string{"from", "to"},
		),
		apiErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Count of failed calls to upstream APIs by endpoint and HTTP status code.",
			},
			[]string{"endpoint", "status_code"},
		),
		logger: logger,
		Clock:  time.Now,
	}
	c.registry.MustRegister(c.transitions, c.illegal, c.apiErrors)
	return c
}

// RecordStatusTransition counts a legal transition.
func (c *Collector) RecordStatusTransition(from, to string, requestID *int64) {
	c.transitions.WithLabelValues(from, to).Inc()
	c.touch()
	c.logger.Info("forwarding status transition", append(requestAttrs(requestID), "from", from, "to", to)...)
}

// RecordIllegalTransition counts a transition that is not in the allowed table.
func (c *Collector) RecordIllegalTransition(from, to string, requestID *int64) {
	c.illegal.WithLabelValues(from, to).Inc()
	c.touch()
	c.logger.Warn("illegal forwarding status transition attempted", append(requestAttrs(requestID), "from", from, "to", to)...)
}

// RecordAPIError counts a failed upstream call. statusCode is 0 when no
// response was received.
func (c *Collector) RecordAPIError(endpoint string, statusCode int, detail string) {
	c.apiErrors.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.touch()
	c.logger.Error("api error", "endpoint", endpoint, "status_code", statusCode, "detail", detail)
}

// Summary returns the three counter maps.
func (c *Collector) Summary() Summary {
	s := Summary{
		Transitions:        map[string]int64{},
		IllegalTransitions: map[string]int64{},
		APIErrors:          map[string]int64{},
		Timestamp:          c.Clock().UTC(),
	}
	families, err := c.registry.Gather()
	if err != nil {
		c.logger.Error("failed to gather metrics", "error", err)
		return s
	}
	for _, mf := range families {
		var target map[string]int64
		var key func(labels map[string]string) string
		switch mf.GetName() {
		case TransitionsMetric:
			target, key = s.Transitions, pairKey
		case IllegalTransitionsMetric:
			target, key = s.IllegalTransitions, pairKey
		case APIErrorsMetric:
			target, key = s.APIErrors, endpointKey
		default:
			continue
		}
		for _, m := range mf.GetMetric() {
			target[key(labelMap(m))] = int64(m.GetCounter().GetValue())
		}
	}
	return s
}

// Report summarizes the counters with alerting indicators.
func (c *Collector) Report() Report {
	s := c.Summary()
	r := Report{
		Timestamp:          s.Timestamp,
		Transitions:        breakdown(s.Transitions),
		IllegalTransitions: breakdown(s.IllegalTransitions),
		APIErrors:          breakdown(s.APIErrors),
	}
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	if !last.IsZero() {
		r.LastActivity = &last
		r.HasRecentActivity = s.Timestamp.Sub(last) <= RecentActivityWindow
	}
	r.HasIllegalAttempts = r.IllegalTransitions.Total > 0
	r.HasAPIErrors = r.APIErrors.Total > 0
	return r
}

// Export renders all counters in the Prometheus text exposition format.
func (c *Collector) Export() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// Handler serves the exposition format over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Reset clears every counter. Intended for tests.
func (c *Collector) Reset() {
	c.transitions.Reset()
	c.illegal.Reset()
	c.apiErrors.Reset()
	c.mu.Lock()
	c.lastActivity = time.Time{}
	c.mu.Unlock()
}

func (c *Collector) touch() {
	now := c.Clock().UTC()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// PairKey formats a transition counter key.
func PairKey(from, to string) string {
	return from + "→" + to
}

// EndpointKey formats an API error counter key.
func EndpointKey(endpoint string, statusCode int) string {
	return endpoint + ":" + strconv.Itoa(statusCode)
}

func pairKey(labels map[string]string) string {
	return PairKey(labels["from"], labels["to"])
}

func endpointKey(labels map[string]string) string {
	return labels["endpoint"] + ":" + labels["status_code"]
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func breakdown(counts map[string]int64) CounterBreakdown {
	b := CounterBreakdown{ByKey: counts}
	for _, n := range counts {
		b.Total += n
	}
	return b
}

func requestAttrs(requestID *int64) []any {
	if requestID == nil {
		return nil
	}
	return []any{"request_id", *requestID}
}
