package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "goster_telemetry"

// Aggregator 累计一次采集会话的统计量，同时导出为 Prometheus 指标
type Aggregator struct {
	mu         sync.Mutex
	sessionID  string
	bytes      uint64
	packets    uint64
	duplicates uint64
	gaps       uint64
	readings   uint64
	cpu        time.Duration

	registry     *prometheus.Registry
	bytesTotal   prometheus.Counter
	packetsTotal *prometheus.CounterVec
	dupTotal     prometheus.Counter
	gapTotal     prometheus.Counter
	readTotal    prometheus.Counter
	cpuTotal     prometheus.Counter
	malformed    prometheus.Counter
}

// NewAggregator 创建统计器及其独立的 Prometheus registry
func NewAggregator() *Aggregator {
	a := &Aggregator{
		sessionID: uuid.New().String(),
		registry:  prometheus.NewRegistry(),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_total",
			Help:      "Bytes received in well-formed datagrams",
		}),
		packetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_total",
			Help:      "Well-formed datagrams received, by message type",
		}, []string{"type"}),
		dupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicates_total",
			Help:      "DATA packets classified as duplicates",
		}),
		gapTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sequence_gaps_total",
			Help:      "Sequence numbers detected as missing",
		}),
		readTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readings_total",
			Help:      "Sensor readings decoded from DATA packets",
		}),
		cpuTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_cpu_seconds_total",
			Help:      "CPU time spent decoding and classifying packets",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_total",
			Help:      "Datagrams dropped as malformed, unknown or failing the checksum",
		}),
	}
	a.registry.MustRegister(a.bytesTotal, a.packetsTotal, a.dupTotal, a.gapTotal, a.readTotal, a.cpuTotal, a.malformed)
	return a
}

// Registry 返回承载本会话指标的 registry
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// ObservePacket 记录一个头部合法的报文
func (a *Aggregator) ObservePacket(t inter.MsgType, size int) {
	a.mu.Lock()
	a.packets++
	a.bytes += uint64(size)
	a.mu.Unlock()
	a.packetsTotal.WithLabelValues(t.String()).Inc()
	a.bytesTotal.Add(float64(size))
}

func (a *Aggregator) ObserveMalformed() {
	a.malformed.Inc()
}

func (a *Aggregator) ObserveDuplicate() {
	a.mu.Lock()
	a.duplicates++
	a.mu.Unlock()
	a.dupTotal.Inc()
}

// ObserveGap 累加缺失的序列号个数
func (a *Aggregator) ObserveGap(missing uint16) {
	a.mu.Lock()
	a.gaps += uint64(missing)
	a.mu.Unlock()
	a.gapTotal.Add(float64(missing))
}

func (a *Aggregator) ObserveReadings(n int) {
	a.mu.Lock()
	a.readings += uint64(n)
	a.mu.Unlock()
	a.readTotal.Add(float64(n))
}

func (a *Aggregator) ObserveCPU(d time.Duration) {
	if d < 0 {
		return
	}
	a.mu.Lock()
	a.cpu += d
	a.mu.Unlock()
	a.cpuTotal.Add(d.Seconds())
}

// Summary 计算会话摘要，分母为 0 时对应指标为 0
func (a *Aggregator) Summary(now time.Time) inter.MetricsSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := inter.MetricsSummary{
		SessionID:        a.sessionID,
		EndedAt:          now,
		PacketsReceived:  a.packets,
		SequenceGapCount: a.gaps,
	}
	if a.readings > 0 {
		m.BytesPerReport = float64(a.bytes) / float64(a.readings)
		m.CPUMsPerReport = a.cpu.Seconds() / float64(a.readings) * 1000
	}
	if a.packets > 0 {
		m.DuplicateRate = float64(a.duplicates) / float64(a.packets)
	}
	return m
}

// Snapshot 会话进行中的实时摘要，EndedAt 为取样时刻
func (a *Aggregator) Snapshot() inter.MetricsSummary {
	return a.Summary(time.Now())
}
