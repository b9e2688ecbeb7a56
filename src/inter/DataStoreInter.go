package inter

import "time"

// TelemetryRecord 落盘的一条遥测记录 (对应重排缓冲区中的一个条目)
type TelemetryRecord struct {
	DeviceID         uint16    `json:"device_id"`
	Seq              uint16    `json:"seq"`
	PayloadTimestamp uint32    `json:"payload_ts"`   // 采样时刻 (Unix 秒)
	ArrivalTime      time.Time `json:"arrival_time"` // 服务端收到报文的时刻
	Duplicate        bool      `json:"duplicate_flag"`
	Gap              bool      `json:"gap_flag"`
	Temp             float64   `json:"temp"`
	Hum              float64   `json:"hum"`
}

// LivenessRecord 心跳日志记录
type LivenessRecord struct {
	DeviceID    uint16    `json:"device_id"`
	Seq         uint16    `json:"seq"`
	Timestamp   uint32    `json:"ts"`
	ArrivalTime time.Time `json:"arrival_time"`
}

// MetricsSummary 一次完整会话的统计摘要
type MetricsSummary struct {
	SessionID        string    `json:"session_id"`
	EndedAt          time.Time `json:"ended_at"`
	BytesPerReport   float64   `json:"bytes_per_report"`
	PacketsReceived  uint64    `json:"packets_received"`
	DuplicateRate    float64   `json:"duplicate_rate"`
	SequenceGapCount uint64    `json:"sequence_gap_count"`
	CPUMsPerReport   float64   `json:"cpu_ms_per_report"`
}

// TelemetryStore 定义了遥测日志与统计摘要的持久化接口。
// 该接口旨在兼容多种存储后端（CSV 文件, SQLite, PostgreSQL）。
type TelemetryStore interface {
	// AppendRecords 按给定顺序追加遥测记录，调用方负责排序
	AppendRecords(records []TelemetryRecord) error

	// AppendLiveness 追加一条心跳记录
	AppendLiveness(rec LivenessRecord) error

	// AppendSummary 追加一行会话统计摘要
	AppendSummary(summary MetricsSummary) error

	// Close 释放底层文件或连接
	Close() error
}
