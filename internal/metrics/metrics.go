// Package metrics exposes slot broadcast and delivery counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives domain events from the broadcast, arbitration, dispatch and sweep layers.
type Recorder interface {
	SlotTransition(status string)
	ClaimAttempt(outcome string)
	MessageDelivery(channel, status string, latency time.Duration)
	SweepRun(job string, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) SlotTransition(string)                         {}
func (Nop) ClaimAttempt(string)                           {}
func (Nop) MessageDelivery(string, string, time.Duration) {}
func (Nop) SweepRun(string, error)                        {}

// Prom records events in Prometheus collectors.
type Prom struct {
	slots    *prometheus.CounterVec
	claims   *prometheus.CounterVec
	messages *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sweeps   *prometheus.CounterVec
}

// NewProm registers the collectors on reg, or on the default registerer when reg is nil.
// Collectors that are already registered are reused.
func NewProm(reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	slots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotcast_slot_transitions_total",
		Help: "Slot state transitions by target status",
	}, []string{"status"})
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotcast_claim_attempts_total",
		Help: "Claim arbitration attempts by outcome",
	}, []string{"outcome"})
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotcast_messages_total",
		Help: "Outbound message deliveries by channel and status",
	}, []string{"channel", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slotcast_message_send_seconds",
		Help:    "Transport send latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slotcast_sweep_runs_total",
		Help: "Periodic sweep executions by job and result",
	}, []string{"job", "result"})

	p := &Prom{}
	var err error
	if p.slots, err = register(reg, slots); err != nil {
		return nil, err
	}
	if p.claims, err = register(reg, claims); err != nil {
		return nil, err
	}
	if p.messages, err = register(reg, messages); err != nil {
		return nil, err
	}
	if p.latency, err = register(reg, latency); err != nil {
		return nil, err
	}
	if p.sweeps, err = register(reg, sweeps); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *Prom) SlotTransition(status string) {
	p.slots.WithLabelValues(status).Inc()
}

func (p *Prom) ClaimAttempt(outcome string) {
	p.claims.WithLabelValues(outcome).Inc()
}

func (p *Prom) MessageDelivery(channel, status string, latency time.Duration) {
	p.messages.WithLabelValues(channel, status).Inc()
	if latency > 0 {
		p.latency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

func (p *Prom) SweepRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.sweeps.WithLabelValues(job, result).Inc()
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
