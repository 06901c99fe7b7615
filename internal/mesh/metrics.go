package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "tormesh"

// Причины отброса входящих кадров
const (
	dropRateLimited = "rate_limited"
	dropDecode      = "decode"
	dropDuplicate   = "duplicate"
	dropSignature   = "signature"
	dropQueueFull   = "queue_full"
)

type metrics struct {
	registry *prometheus.Registry

	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	relayed  prometheus.Counter
	dropped  *prometheus.CounterVec
	failures *prometheus.CounterVec
	evicted  prometheus.Counter
}

func newMetrics(n *Network) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Кадры, отправленные пирам, по транспорту.",
		}, []string{"transport"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_received_total",
			Help:      "Принятые конверты по типу.",
		}, []string{"kind"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_relayed_total",
			Help:      "Конверты, ретранслированные другим пирам.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Отброшенные входящие кадры по причине.",
		}, []string{"reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Неудачные отправки по транспорту.",
		}, []string{"transport"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buffer_evictions_total",
			Help:      "Записи буфера, вытесненные при переполнении.",
		}),
	}

	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, f)
	}

	reg.MustRegister(
		m.sent, m.received, m.relayed, m.dropped, m.failures, m.evicted,
		gauge("peers", "Пиры в таблице.", func() float64 {
			total, _ := n.peers.counts()
			return float64(total)
		}),
		gauge("active_peers", "Активные пиры.", func() float64 {
			_, active := n.peers.counts()
			return float64(active)
		}),
		gauge("buffered_messages", "Нагрузки в буфере повторной отправки.", func() float64 {
			return float64(n.buffer.len())
		}),
		gauge("known_messages", "Идентификаторы в кэше дедупликации.", func() float64 {
			return float64(n.known.Len())
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
