// Package metrics exposes the sender/receiver state machines' runtime
// counters as Prometheus metrics, replacing the teacher's
// atomic-counter TransferMetrics with collectors registered against a
// prometheus.Registerer and scraped over /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the set of counters a single sender or receiver session
// updates as it runs. It is passed explicitly into the sender and
// receiver constructors — never a package global — so concurrent
// sessions under test don't share state.
type Recorder struct {
	FragmentsSent     prometheus.Counter
	FragmentsReceived prometheus.Counter
	BatchesAcked      prometheus.Counter
	BatchesNaked      prometheus.Counter
	Retransmissions   prometheus.Counter
	KeepAlivesSent    prometheus.Counter
	KeepAlivesSeen    prometheus.Counter
	HandshakeTimeouts prometheus.Counter
	IdleTimeouts      prometheus.Counter
	CRCFailures       prometheus.Counter
}

// NewRecorder creates and registers a Recorder's collectors against
// reg, labelled by role ("sender" or "receiver").
func NewRecorder(reg prometheus.Registerer, role string) *Recorder {
	factory := promauto(reg)
	labels := prometheus.Labels{"role": role}

	r := &Recorder{
		FragmentsSent:     factory.counter("rudp_fragments_sent_total", "Fragments transmitted.", labels),
		FragmentsReceived: factory.counter("rudp_fragments_received_total", "Fragments received.", labels),
		BatchesAcked:      factory.counter("rudp_batches_acked_total", "Batches positively acknowledged.", labels),
		BatchesNaked:      factory.counter("rudp_batches_naked_total", "Batches negatively acknowledged.", labels),
		Retransmissions:   factory.counter("rudp_retransmissions_total", "Fragments retransmitted after a NAK.", labels),
		KeepAlivesSent:    factory.counter("rudp_keepalives_sent_total", "KEEPALIVE fragments emitted.", labels),
		KeepAlivesSeen:    factory.counter("rudp_keepalives_seen_total", "KEEPALIVE fragments observed.", labels),
		HandshakeTimeouts: factory.counter("rudp_handshake_timeouts_total", "Handshake attempts that timed out.", labels),
		IdleTimeouts:      factory.counter("rudp_idle_timeouts_total", "Sessions ended by idle timeout.", labels),
		CRCFailures:       factory.counter("rudp_crc_failures_total", "Fragments discarded for a CRC mismatch.", labels),
	}
	return r
}

// counterFactory registers each counter exactly once against a single
// Registerer. If an identical counter is already registered (e.g. a
// test that builds two recorders against one registry), the existing
// one is returned and shared; any other registration failure yields an
// unregistered counter that is never exported.
type counterFactory struct {
	reg prometheus.Registerer
}

func promauto(reg prometheus.Registerer) counterFactory {
	return counterFactory{reg: reg}
}

func (f counterFactory) counter(name, help string, labels prometheus.Labels) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	})
	if f.reg != nil {
		if err := f.reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					return existing
				}
			}
		}
	}
	return c
}
