package datastore

import (
	"github.com/nhirsama/Goster-Telemetry/src/config"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
)

// Open 根据配置创建遥测日志后端
func Open(cfg config.StoreConfig) (inter.TelemetryStore, error) {
	switch cfg.Driver {
	case "csv":
		return NewLocalStore(cfg.TelemetryPath, cfg.MetricsPath)
	case "sqlite":
		return NewSQLStore(DialectSQLite, cfg.DSN)
	case "postgres":
		return NewSQLStore(DialectPostgres, cfg.DSN)
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

var (
	_ inter.TelemetryStore = (*LocalStore)(nil)
	_ inter.TelemetryStore = (*SQLStore)(nil)
)
