package terminal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 终端心跳与命令投递指标
//
// 所有方法对 nil 接收者安全，测试中可以不注入指标。
type Metrics struct {
	HeartbeatsTotal      *prometheus.CounterVec
	CommandsEnqueued     *prometheus.CounterVec
	CommandsPolled       prometheus.Counter
	PushTotal            *prometheus.CounterVec
	AcksTotal            *prometheus.CounterVec
	ReconciliationsTotal *prometheus.CounterVec
	SweepDemotions       prometheus.Counter
	SecurityViolations   *prometheus.CounterVec
}

// NewMetrics 在给定 Registerer 上注册指标
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HeartbeatsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_heartbeats_total",
				Help:      "Terminal heartbeats by outcome",
			},
			[]string{"outcome"},
		),
		CommandsEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_commands_enqueued_total",
				Help:      "Commands enqueued by type",
			},
			[]string{"type"},
		),
		CommandsPolled: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_commands_polled_total",
				Help:      "Commands handed out through heartbeat polling",
			},
		),
		PushTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_push_total",
				Help:      "Push delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		AcksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_command_acks_total",
				Help:      "Command acknowledgments by result",
			},
			[]string{"result"},
		),
		ReconciliationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_reconciliations_total",
				Help:      "State corrections applied after rejected commands",
			},
			[]string{"type"},
		),
		SweepDemotions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_sweep_demotions_total",
				Help:      "Terminals demoted to INACTIVE by the offline sweep",
			},
		),
		SecurityViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_security_violations_total",
				Help:      "Rejected requests from retired terminals or non-owning serials",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) heartbeat(outcome string) {
	if m != nil {
		m.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) enqueued(t string) {
	if m != nil {
		m.CommandsEnqueued.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) polled(n int) {
	if m != nil && n > 0 {
		m.CommandsPolled.Add(float64(n))
	}
}

func (m *Metrics) push(outcome string) {
	if m != nil {
		m.PushTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ack(result string) {
	if m != nil {
		m.AcksTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) reconciled(t string) {
	if m != nil {
		m.ReconciliationsTotal.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) demoted(n int) {
	if m != nil && n > 0 {
		m.SweepDemotions.Add(float64(n))
	}
}

func (m *Metrics) violation(kind string) {
	if m != nil {
		m.SecurityViolations.WithLabelValues(kind).Inc()
	}
}
