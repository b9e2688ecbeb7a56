package server

import (
	"sync"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
)

// memStore 内存中的 inter.TelemetryStore，按写入顺序保存
type memStore struct {
	mu        sync.Mutex
	records   []inter.TelemetryRecord
	liveness  []inter.LivenessRecord
	summaries []inter.MetricsSummary
	batches   int
}

func (m *memStore) AppendRecords(records []inter.TelemetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	m.batches++
	return nil
}

func (m *memStore) AppendLiveness(rec inter.LivenessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness = append(m.liveness, rec)
	return nil
}

func (m *memStore) AppendSummary(s inter.MetricsSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) Records() []inter.TelemetryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]inter.TelemetryRecord(nil), m.records...)
}

func (m *memStore) Summaries() []inter.MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]inter.MetricsSummary(nil), m.summaries...)
}

func (m *memStore) Liveness() []inter.LivenessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]inter.LivenessRecord(nil), m.liveness...)
}
