package datastore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Dialect 选择 SQL 方言
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// driverName 返回 database/sql 注册的驱动名
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) schema() string {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	floatType := "REAL"
	if d == DialectPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
		floatType = "DOUBLE PRECISION"
	}
	return fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS telemetry (
       %[1]s,
       device_id      INTEGER NOT NULL,
       seq            INTEGER NOT NULL,
       payload_ts     BIGINT NOT NULL,
       arrival_time   %[2]s NOT NULL,
       duplicate_flag BOOLEAN NOT NULL,
       gap_flag       BOOLEAN NOT NULL,
       temp           %[2]s,
       hum            %[2]s
    );
    CREATE INDEX IF NOT EXISTS idx_telemetry_device ON telemetry (device_id, payload_ts);

    CREATE TABLE IF NOT EXISTS heartbeats (
       %[1]s,
       device_id    INTEGER NOT NULL,
       seq          INTEGER NOT NULL,
       ts           BIGINT NOT NULL,
       arrival_time %[2]s NOT NULL
    );

    CREATE TABLE IF NOT EXISTS metrics_summary (
       %[1]s,
       session_id         TEXT NOT NULL,
       ended_at           BIGINT NOT NULL,
       bytes_per_report   %[2]s,
       packets_received   BIGINT,
       duplicate_rate     %[2]s,
       sequence_gap_count BIGINT,
       cpu_ms_per_report  %[2]s
    );
    `, id, floatType)
}

// rebind 将 ? 占位符转换为 PostgreSQL 的 $n 形式
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore 实现了 inter.TelemetryStore 接口，兼容 SQLite 与 PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore 打开数据库并初始化表结构。
// SQLite 的 dsn 为文件路径，PostgreSQL 的 dsn 为连接串。
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s failed", dialect)
	}
	if dialect == DialectSQLite {
		// 单文件数据库，串行写入
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range strings.Split(dialect.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "init schema failed")
		}
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixFloat(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

// AppendRecords 批量高效写入
func (s *SQLStore) AppendRecords(records []inter.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx failed")
	}
	// 中途出错时自动回滚
	defer tx.Rollback()

	stmt, err := tx.Prepare(s.dialect.rebind(`
		INSERT INTO telemetry (device_id, seq, payload_ts, arrival_time, duplicate_flag, gap_flag, temp, hum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return errors.Wrap(err, "prepare insert failed")
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(int(r.DeviceID), int(r.Seq), int64(r.PayloadTimestamp),
			unixFloat(r.ArrivalTime), r.Duplicate, r.Gap, r.Temp, r.Hum); err != nil {
			return errors.Wrap(err, "insert telemetry failed")
		}
	}
	return errors.Wrap(tx.Commit(), "commit telemetry failed")
}

func (s *SQLStore) AppendLiveness(rec inter.LivenessRecord) error {
	_, err := s.db.Exec(s.dialect.rebind("INSERT INTO heartbeats (device_id, seq, ts, arrival_time) VALUES (?, ?, ?, ?)"),
		int(rec.DeviceID), int(rec.Seq), int64(rec.Timestamp), unixFloat(rec.ArrivalTime))
	return errors.Wrap(err, "insert heartbeat failed")
}

func (s *SQLStore) AppendSummary(m inter.MetricsSummary) error {
	_, err := s.db.Exec(s.dialect.rebind(`
		INSERT INTO metrics_summary (session_id, ended_at, bytes_per_report, packets_received, duplicate_rate, sequence_gap_count, cpu_ms_per_report)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.SessionID, m.EndedAt.Unix(), m.BytesPerReport, int64(m.PacketsReceived),
		m.DuplicateRate, int64(m.SequenceGapCount), m.CPUMsPerReport)
	return errors.Wrap(err, "insert metrics summary failed")
}

// QueryRecords 按写入顺序返回某设备的遥测记录
func (s *SQLStore) QueryRecords(deviceID uint16) ([]inter.TelemetryRecord, error) {
	rows, err := s.db.Query(s.dialect.rebind(`
		SELECT device_id, seq, payload_ts, arrival_time, duplicate_flag, gap_flag, temp, hum
		FROM telemetry WHERE device_id = ? ORDER BY id ASC`), int(deviceID))
	if err != nil {
		return nil, errors.Wrap(err, "query telemetry failed")
	}
	defer rows.Close()

	var out []inter.TelemetryRecord
	for rows.Next() {
		var (
			dev, seq int
			ts       int64
			arrival  float64
			r        inter.TelemetryRecord
		)
		if err := rows.Scan(&dev, &seq, &ts, &arrival, &r.Duplicate, &r.Gap, &r.Temp, &r.Hum); err != nil {
			return nil, errors.Wrap(err, "scan telemetry failed")
		}
		r.DeviceID = uint16(dev)
		r.Seq = uint16(seq)
		r.PayloadTimestamp = uint32(ts)
		r.ArrivalTime = fromUnixFloat(arrival)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSummaries 返回最近的 limit 条会话摘要，新的在前
func (s *SQLStore) ListSummaries(limit int) ([]inter.MetricsSummary, error) {
	rows, err := s.db.Query(s.dialect.rebind(`
		SELECT session_id, ended_at, bytes_per_report, packets_received, duplicate_rate, sequence_gap_count, cpu_ms_per_report
		FROM metrics_summary ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query metrics summary failed")
	}
	defer rows.Close()

	var out []inter.MetricsSummary
	for rows.Next() {
		var (
			m             inter.MetricsSummary
			ended         int64
			packets, gaps int64
		)
		if err := rows.Scan(&m.SessionID, &ended, &m.BytesPerReport, &packets, &m.DuplicateRate, &gaps, &m.CPUMsPerReport); err != nil {
			return nil, errors.Wrap(err, "scan metrics summary failed")
		}
		m.EndedAt = time.Unix(ended, 0)
		m.PacketsReceived = uint64(packets)
		m.SequenceGapCount = uint64(gaps)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
