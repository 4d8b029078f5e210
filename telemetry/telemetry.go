// Package telemetry exposes Prometheus collectors so that user-visible
// failures appear only as telemetry counters and log lines: one
// Registry-scoped struct of counters/gauges per dataplane component,
// built on github.com/prometheus/client_golang/prometheus. Core
// packages never reach for prometheus.DefaultRegisterer; every
// constructor here takes a prometheus.Registerer explicitly, so there
// are no process-wide singletons.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Telemetry bundles every counter/gauge the dataplane components in
// this module report. A nil *Telemetry is valid everywhere it is
// accepted: every method on it is a no-op, so callers that don't care
// about metrics (most unit tests) can pass nil.
type Telemetry struct {
	BundlesIngested   *prometheus.CounterVec // labels: version
	BundlesDropped    *prometheus.CounterVec // labels: reason
	CutThroughSent    prometheus.Counter
	StoredBundles     prometheus.Counter
	AckQueueDepth     *prometheus.GaugeVec // labels: dest
	CustodyRefusals   *prometheus.CounterVec // labels: reason
	CustodyAccepted   prometheus.Counter
	LTPRetransmits    prometheus.Counter
	LTPSessionsCancel *prometheus.CounterVec // labels: reason
	TCPCLShutdowns    *prometheus.CounterVec // labels: reason
}

// New registers and returns a Telemetry against reg, prefixed "hdtn_".
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		BundlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_bundles_ingested_total",
			Help: "Bundles accepted by the ingress dispatcher, by BP version.",
		}, []string{"version"}),
		BundlesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_bundles_dropped_total",
			Help: "Bundles dropped by the ingress dispatcher, by reason.",
		}, []string{"reason"}),
		CutThroughSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdtn_cut_through_sent_total",
			Help: "Bundles forwarded directly to egress, bypassing storage.",
		}),
		StoredBundles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdtn_stored_bundles_total",
			Help: "Bundles committed to the persistent store.",
		}),
		AckQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hdtn_ack_queue_depth",
			Help: "Current depth of a per-destination ack queue.",
		}, []string{"dest"}),
		CustodyRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_custody_refusals_total",
			Help: "Custody-acceptance refusals, by reason code.",
		}, []string{"reason"}),
		CustodyAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdtn_custody_accepted_total",
			Help: "Custody-acceptance decisions that succeeded.",
		}),
		LTPRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdtn_ltp_retransmits_total",
			Help: "LTP checkpoint/report retransmissions.",
		}),
		LTPSessionsCancel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_ltp_sessions_cancelled_total",
			Help: "LTP sessions torn down, by cancel reason.",
		}, []string{"reason"}),
		TCPCLShutdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_tcpcl_shutdowns_total",
			Help: "TCPCLv3 session shutdowns, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		t.BundlesIngested, t.BundlesDropped, t.CutThroughSent, t.StoredBundles,
		t.AckQueueDepth, t.CustodyRefusals, t.CustodyAccepted, t.LTPRetransmits,
		t.LTPSessionsCancel, t.TCPCLShutdowns,
	)
	return t
}

func (t *Telemetry) incIngested(version string) {
	if t == nil {
		return
	}
	t.BundlesIngested.WithLabelValues(version).Inc()
}

func (t *Telemetry) incDropped(reason string) {
	if t == nil {
		return
	}
	t.BundlesDropped.WithLabelValues(reason).Inc()
}

// IngestedBPv6 records one accepted BPv6 bundle.
func (t *Telemetry) IngestedBPv6() { t.incIngested("bpv6") }

// IngestedBPv7 records one accepted BPv7 bundle.
func (t *Telemetry) IngestedBPv7() { t.incIngested("bpv7") }

// Dropped records one dropped bundle under the given reason string,
// e.g. "malformed", "unsupported_version", "oversized",
// "hop_limit_exceeded", "backpressure_timeout".
func (t *Telemetry) Dropped(reason string) { t.incDropped(reason) }

// CutThrough records one cut-through send.
func (t *Telemetry) CutThrough() {
	if t == nil {
		return
	}
	t.CutThroughSent.Inc()
}

// Stored records one bundle committed to storage.
func (t *Telemetry) Stored() {
	if t == nil {
		return
	}
	t.StoredBundles.Inc()
}

// SetAckQueueDepth reports dest's current ack-queue depth.
func (t *Telemetry) SetAckQueueDepth(dest string, depth int) {
	if t == nil {
		return
	}
	t.AckQueueDepth.WithLabelValues(dest).Set(float64(depth))
}

// CustodyRefused records one custody refusal under reason.
func (t *Telemetry) CustodyRefused(reason string) {
	if t == nil {
		return
	}
	t.CustodyRefusals.WithLabelValues(reason).Inc()
}

// CustodyAcceptedInc records one custody acceptance.
func (t *Telemetry) CustodyAcceptedInc() {
	if t == nil {
		return
	}
	t.CustodyAccepted.Inc()
}

// LTPRetransmit records one LTP checkpoint/report retransmission.
func (t *Telemetry) LTPRetransmit() {
	if t == nil {
		return
	}
	t.LTPRetransmits.Inc()
}

// LTPSessionCancelled records one LTP session cancellation under reason.
func (t *Telemetry) LTPSessionCancelled(reason string) {
	if t == nil {
		return
	}
	t.LTPSessionsCancel.WithLabelValues(reason).Inc()
}

// TCPCLShutdown records one TCPCL shutdown under reason.
func (t *Telemetry) TCPCLShutdown(reason string) {
	if t == nil {
		return
	}
	t.TCPCLShutdowns.WithLabelValues(reason).Inc()
}
