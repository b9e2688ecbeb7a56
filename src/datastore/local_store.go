package datastore

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
)

// 表头只在文件创建时写入一次
var (
	telemetryColumns = []string{"device_id", "seq", "payload_ts", "arrival_time", "duplicate_flag", "gap_flag", "temp", "hum"}
	metricsColumns   = []string{"bytes_per_report", "packets_received", "duplicate_rate", "sequence_gap_count", "cpu_ms_per_report"}
)

// LocalStore 实现了 inter.TelemetryStore 接口，以追加方式写入两个 CSV 文件
type LocalStore struct {
	mu        sync.Mutex
	telemetry *os.File
	metrics   *os.File
	tw        *csv.Writer
	mw        *csv.Writer
}

// NewLocalStore 打开 (必要时创建) 遥测日志与统计摘要文件
func NewLocalStore(telemetryPath, metricsPath string) (*LocalStore, error) {
	telemetry, tw, err := openCSV(telemetryPath, telemetryColumns)
	if err != nil {
		return nil, errors.Wrap(err, "open telemetry log failed")
	}
	metrics, mw, err := openCSV(metricsPath, metricsColumns)
	if err != nil {
		telemetry.Close()
		return nil, errors.Wrap(err, "open metrics log failed")
	}
	return &LocalStore{
		telemetry: telemetry,
		metrics:   metrics,
		tw:        tw,
		mw:        mw,
	}, nil
}

func openCSV(path string, columns []string) (*os.File, *csv.Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, err
		}
	}
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(columns); err != nil {
			f.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return f, w, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// unixSeconds 以带小数的 Unix 秒表示时间
func unixSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *LocalStore) AppendRecords(records []inter.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		row := []string{
			strconv.Itoa(int(r.DeviceID)),
			strconv.Itoa(int(r.Seq)),
			strconv.FormatUint(uint64(r.PayloadTimestamp), 10),
			unixSeconds(r.ArrivalTime),
			flag(r.Duplicate),
			flag(r.Gap),
			formatFloat(r.Temp),
			formatFloat(r.Hum),
		}
		if err := s.tw.Write(row); err != nil {
			return errors.Wrap(err, "write telemetry row failed")
		}
	}
	s.tw.Flush()
	return errors.Wrap(s.tw.Error(), "flush telemetry log failed")
}

// AppendLiveness 心跳行只填写前四列
func (s *LocalStore) AppendLiveness(rec inter.LivenessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := []string{
		strconv.Itoa(int(rec.DeviceID)),
		strconv.Itoa(int(rec.Seq)),
		strconv.FormatUint(uint64(rec.Timestamp), 10),
		unixSeconds(rec.ArrivalTime),
	}
	if err := s.tw.Write(row); err != nil {
		return errors.Wrap(err, "write liveness row failed")
	}
	s.tw.Flush()
	return errors.Wrap(s.tw.Error(), "flush telemetry log failed")
}

func (s *LocalStore) AppendSummary(summary inter.MetricsSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := []string{
		formatFloat(summary.BytesPerReport),
		strconv.FormatUint(summary.PacketsReceived, 10),
		formatFloat(summary.DuplicateRate),
		strconv.FormatUint(summary.SequenceGapCount, 10),
		formatFloat(summary.CPUMsPerReport),
	}
	if err := s.mw.Write(row); err != nil {
		return errors.Wrap(err, "write metrics row failed")
	}
	s.mw.Flush()
	return errors.Wrap(s.mw.Error(), "flush metrics log failed")
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tw.Flush()
	s.mw.Flush()
	errT := s.telemetry.Close()
	errM := s.metrics.Close()
	if errT != nil {
		return errT
	}
	return errM
}
