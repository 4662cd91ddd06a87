package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultNamespace = "t2hproxy"
	subsystemSession = "session"
	subsystemTFTP    = "tftp"
)

// Outcome labels the way a session ended.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeNegotiationFailed Outcome = "negotiation_failed"
	OutcomeFetchFailed       Outcome = "fetch_failed"
	OutcomePeerAborted       Outcome = "peer_aborted"
	OutcomeRetriesExhausted  Outcome = "retries_exhausted"
	OutcomeFailed            Outcome = "failed"
)

// GatewayCollector aggregates protocol statistics across every session and
// exposes them through a private Prometheus registry. All methods are safe
// for concurrent use and on a nil receiver.
type GatewayCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry
	outcomes  *prometheus.CounterVec
	durations prometheus.Histogram

	startTime        time.Time
	sessionsStarted  uint64
	sessionsActive   int64
	sessionsByResult map[Outcome]uint64
	blocksSent       uint64
	bytesSent        uint64
	retransmissions  uint64
	illegalRequests  uint64
	fetchFailures    uint64
	ackTimeouts      uint64
}

// GatewaySnapshot is a point-in-time view of the collected statistics.
type GatewaySnapshot struct {
	Uptime           time.Duration
	SessionsStarted  uint64
	SessionsActive   int64
	SessionsByResult map[Outcome]uint64
	BlocksSent       uint64
	BytesSent        uint64
	Retransmissions  uint64
	IllegalRequests  uint64
	FetchFailures    uint64
	AckTimeouts      uint64
	ThroughputBps    float64
	RetransmitRate   float64
}

func NewGatewayCollector(namespace string) *GatewayCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &GatewayCollector{
		namespace:        namespace,
		registry:         prometheus.NewRegistry(),
		startTime:        time.Now(),
		sessionsByResult: make(map[Outcome]uint64),
	}
	c.registerMetrics()
	return c
}

func (c *GatewayCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *GatewayCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *GatewayCollector) SessionStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsStarted++
	c.sessionsActive++
	c.mu.Unlock()
}

// SessionFinished records the end of a session started with SessionStarted.
func (c *GatewayCollector) SessionFinished(outcome Outcome, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsActive--
	c.sessionsByResult[outcome]++
	if outcome == OutcomeFetchFailed {
		c.fetchFailures++
	}
	c.mu.Unlock()

	c.outcomes.WithLabelValues(string(outcome)).Inc()
	c.durations.Observe(elapsed.Seconds())
}

// ObserveBlock records one DATA transmission. Retransmits count toward the
// retransmission total but not toward delivered bytes.
func (c *GatewayCollector) ObserveBlock(payload int, retransmit bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if retransmit {
		c.retransmissions++
		return
	}
	c.blocksSent++
	c.bytesSent += uint64(payload)
}

func (c *GatewayCollector) ObserveAckTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ackTimeouts++
	c.mu.Unlock()
}

func (c *GatewayCollector) ObserveIllegalRequest() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.illegalRequests++
	c.mu.Unlock()
}

func (c *GatewayCollector) Snapshot() GatewaySnapshot {
	if c == nil {
		return GatewaySnapshot{SessionsByResult: map[Outcome]uint64{}}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *GatewayCollector) buildSnapshotLocked(now time.Time) GatewaySnapshot {
	byResult := make(map[Outcome]uint64, len(c.sessionsByResult))
	for k, v := range c.sessionsByResult {
		byResult[k] = v
	}
	uptime := now.Sub(c.startTime)

	var retransRatio float64
	if total := c.blocksSent + c.retransmissions; total > 0 {
		retransRatio = float64(c.retransmissions) / float64(total)
	}

	return GatewaySnapshot{
		Uptime:           uptime,
		SessionsStarted:  c.sessionsStarted,
		SessionsActive:   c.sessionsActive,
		SessionsByResult: byResult,
		BlocksSent:       c.blocksSent,
		BytesSent:        c.bytesSent,
		Retransmissions:  c.retransmissions,
		IllegalRequests:  c.illegalRequests,
		FetchFailures:    c.fetchFailures,
		AckTimeouts:      c.ackTimeouts,
		ThroughputBps:    rateFromBytes(c.bytesSent, uptime),
		RetransmitRate:   retransRatio,
	}
}

func (c *GatewayCollector) registerMetrics() {
	read := func(fn func(s GatewaySnapshot) float64) func() float64 {
		return func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return fn(c.buildSnapshotLocked(time.Now()))
		}
	}

	makeGauge := func(subsystem, name, help string, valueFn func(GatewaySnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, read(valueFn))
	}

	makeCounter := func(subsystem, name, help string, valueFn func(GatewaySnapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, read(valueFn))
	}

	c.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSession,
		Name:      "finished_total",
		Help:      "Sessions finished, partitioned by outcome.",
	}, []string{"outcome"})
	c.durations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSession,
		Name:      "duration_seconds",
		Help:      "Wall time from request dispatch to session end.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
	c.registry.MustRegister(c.outcomes, c.durations)

	c.registry.MustRegister(makeCounter(subsystemSession,
		"started_total",
		"Sessions spawned for valid read requests.",
		func(s GatewaySnapshot) float64 { return float64(s.SessionsStarted) },
	))
	c.registry.MustRegister(makeGauge(subsystemSession,
		"active",
		"Sessions currently in progress.",
		func(s GatewaySnapshot) float64 { return float64(s.SessionsActive) },
	))
	c.registry.MustRegister(makeCounter(subsystemTFTP,
		"blocks_sent_total",
		"DATA blocks sent for the first time.",
		func(s GatewaySnapshot) float64 { return float64(s.BlocksSent) },
	))
	c.registry.MustRegister(makeCounter(subsystemTFTP,
		"bytes_sent_total",
		"Payload bytes delivered in first-time DATA blocks.",
		func(s GatewaySnapshot) float64 { return float64(s.BytesSent) },
	))
	c.registry.MustRegister(makeCounter(subsystemTFTP,
		"retransmissions_total",
		"DATA and OACK packets resent after a missing or wrong ack.",
		func(s GatewaySnapshot) float64 { return float64(s.Retransmissions) },
	))
	c.registry.MustRegister(makeCounter(subsystemTFTP,
		"ack_timeouts_total",
		"Ack waits that expired without a reply from the peer.",
		func(s GatewaySnapshot) float64 { return float64(s.AckTimeouts) },
	))
	c.registry.MustRegister(makeCounter(subsystemTFTP,
		"illegal_requests_total",
		"Datagrams on the listening port that were not read requests.",
		func(s GatewaySnapshot) float64 { return float64(s.IllegalRequests) },
	))
	c.registry.MustRegister(makeCounter(subsystemSession,
		"fetch_failures_total",
		"Upstream fetches that returned no stream.",
		func(s GatewaySnapshot) float64 { return float64(s.FetchFailures) },
	))
	c.registry.MustRegister(makeGauge(subsystemTFTP,
		"throughput_bytes_per_second",
		"Delivered payload bytes averaged over uptime.",
		func(s GatewaySnapshot) float64 { return s.ThroughputBps },
	))
	c.registry.MustRegister(makeGauge(subsystemTFTP,
		"retransmission_ratio",
		"Ratio of retransmitted packets to all DATA packets sent.",
		func(s GatewaySnapshot) float64 { return s.RetransmitRate },
	))
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
