// Package logging 统一 logrus 的输出格式与报文日志字段
package logging

import (
	"strings"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/sirupsen/logrus"
)

// SetLogger 设置全局日志级别与格式；无法识别的级别按 info 处理
func SetLogger(level string) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = time.RFC3339
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetLevel(ParseLevel(level))
}

func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// PacketFields 报文头部的结构化字段
func PacketFields(h inter.Header) logrus.Fields {
	return logrus.Fields{
		"type":      h.Type.String(),
		"device_id": h.DeviceID,
		"seq":       h.Seq,
		"batch":     h.BatchCount,
	}
}

// SummaryFields 会话统计摘要的结构化字段
func SummaryFields(m inter.MetricsSummary) logrus.Fields {
	return logrus.Fields{
		"session_id":         m.SessionID,
		"bytes_per_report":   m.BytesPerReport,
		"packets_received":   m.PacketsReceived,
		"duplicate_rate":     m.DuplicateRate,
		"sequence_gap_count": m.SequenceGapCount,
		"cpu_ms_per_report":  m.CPUMsPerReport,
	}
}
