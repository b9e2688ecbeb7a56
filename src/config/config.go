// Package config 定义客户端与服务端的可注入配置，由 viper 从配置文件、环境变量与命令行参数加载。
//
// 键以 client. / server. 为前缀，环境变量形如 GOSTER_SERVER_REORDER_WINDOW。
package config

import (
	"strings"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "GOSTER"

// DefaultPort 与设备固件约定的 UDP 端口
const DefaultPort = 5053

// ClientConfig 设备端 (模拟传感器) 配置
type ClientConfig struct {
	ServerAddr        string        `mapstructure:"server_addr"`
	DeviceID          uint16        `mapstructure:"device_id"`
	BatchSize         int           `mapstructure:"batch_size"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	RunDuration       time.Duration `mapstructure:"run_duration"`
	AckWait           time.Duration `mapstructure:"ack_wait"`
	RetransmitTimeout time.Duration `mapstructure:"retransmit_timeout"`
	RetransmitPoll    time.Duration `mapstructure:"retransmit_poll"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Checksum          bool          `mapstructure:"checksum"`
}

// StoreConfig 遥测日志后端
type StoreConfig struct {
	// Driver: csv | sqlite | postgres
	Driver        string `mapstructure:"driver"`
	TelemetryPath string `mapstructure:"telemetry_path"`
	MetricsPath   string `mapstructure:"metrics_path"`
	DSN           string `mapstructure:"dsn"`
}

// ServerConfig 采集端配置
type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	ReorderWindow    time.Duration `mapstructure:"reorder_window"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	Checksum         bool          `mapstructure:"checksum"`
	Store            StoreConfig   `mapstructure:"store"`
}

// DefaultClient 返回默认客户端配置
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerAddr:        "127.0.0.1:5053",
		DeviceID:          101,
		BatchSize:         2,
		SampleInterval:    2 * time.Second,
		RunDuration:       60 * time.Second,
		AckWait:           500 * time.Millisecond,
		RetransmitTimeout: 2 * time.Second,
		RetransmitPoll:    500 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
	}
}

// DefaultServer 返回默认服务端配置
func DefaultServer() ServerConfig {
	return ServerConfig{
		ListenAddr:       "0.0.0.0:5053",
		ReorderWindow:    250 * time.Millisecond,
		FlushInterval:    50 * time.Millisecond,
		HeartbeatTimeout: 10 * time.Second,
		MonitorInterval:  time.Second,
		Store: StoreConfig{
			Driver:        "csv",
			TelemetryPath: "telemetry_log.csv",
			MetricsPath:   "metrics_summary.csv",
		},
	}
}

// SetDefaults 将默认值注册到 viper，使环境变量能覆盖所有键
func SetDefaults(v *viper.Viper) {
	c := DefaultClient()
	v.SetDefault("log_level", "info")
	v.SetDefault("client.server_addr", c.ServerAddr)
	v.SetDefault("client.device_id", c.DeviceID)
	v.SetDefault("client.batch_size", c.BatchSize)
	v.SetDefault("client.sample_interval", c.SampleInterval)
	v.SetDefault("client.run_duration", c.RunDuration)
	v.SetDefault("client.ack_wait", c.AckWait)
	v.SetDefault("client.retransmit_timeout", c.RetransmitTimeout)
	v.SetDefault("client.retransmit_poll", c.RetransmitPoll)
	v.SetDefault("client.heartbeat_interval", c.HeartbeatInterval)
	v.SetDefault("client.checksum", c.Checksum)

	s := DefaultServer()
	v.SetDefault("server.listen_addr", s.ListenAddr)
	v.SetDefault("server.http_addr", s.HTTPAddr)
	v.SetDefault("server.reorder_window", s.ReorderWindow)
	v.SetDefault("server.flush_interval", s.FlushInterval)
	v.SetDefault("server.heartbeat_timeout", s.HeartbeatTimeout)
	v.SetDefault("server.monitor_interval", s.MonitorInterval)
	v.SetDefault("server.checksum", s.Checksum)
	v.SetDefault("server.store.driver", s.Store.Driver)
	v.SetDefault("server.store.telemetry_path", s.Store.TelemetryPath)
	v.SetDefault("server.store.metrics_path", s.Store.MetricsPath)
	v.SetDefault("server.store.dsn", s.Store.DSN)
}

// New 创建带默认值与环境变量绑定的 viper 实例；configFile 非空时读取该文件
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s failed", configFile)
		}
	}
	return v, nil
}

// LoadClient 从 viper 读取客户端配置并校验
func LoadClient(v *viper.Viper) (ClientConfig, error) {
	// Unmarshal 基于 AllSettings，能合并按完整键绑定的命令行参数与环境变量
	doc := struct {
		Client ClientConfig `mapstructure:"client"`
	}{Client: DefaultClient()}
	if err := v.Unmarshal(&doc); err != nil {
		return doc.Client, errors.Wrap(err, "unmarshal client config failed")
	}
	return doc.Client, doc.Client.Validate()
}

// LoadServer 从 viper 读取服务端配置并校验
func LoadServer(v *viper.Viper) (ServerConfig, error) {
	doc := struct {
		Server ServerConfig `mapstructure:"server"`
	}{Server: DefaultServer()}
	if err := v.Unmarshal(&doc); err != nil {
		return doc.Server, errors.Wrap(err, "unmarshal server config failed")
	}
	return doc.Server, doc.Server.Validate()
}

func (c ClientConfig) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("client.server_addr is required")
	}
	if c.BatchSize < 1 || c.BatchSize > inter.MaxBatchCount {
		return errors.Errorf("client.batch_size must be in [1, %d], got %d", inter.MaxBatchCount, c.BatchSize)
	}
	if (inter.HeaderSize + c.BatchSize*inter.ReadingSize) > inter.MaxDatagramSize {
		return errors.Errorf("client.batch_size %d does not fit in one datagram", c.BatchSize)
	}
	for name, d := range map[string]time.Duration{
		"sample_interval":    c.SampleInterval,
		"run_duration":       c.RunDuration,
		"ack_wait":           c.AckWait,
		"retransmit_timeout": c.RetransmitTimeout,
		"retransmit_poll":    c.RetransmitPoll,
		"heartbeat_interval": c.HeartbeatInterval,
	} {
		if d <= 0 {
			return errors.Errorf("client.%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	for name, d := range map[string]time.Duration{
		"flush_interval":    c.FlushInterval,
		"heartbeat_timeout": c.HeartbeatTimeout,
		"monitor_interval":  c.MonitorInterval,
	} {
		if d <= 0 {
			return errors.Errorf("server.%s must be positive, got %s", name, d)
		}
	}
	if c.ReorderWindow < 0 {
		return errors.Errorf("server.reorder_window must not be negative, got %s", c.ReorderWindow)
	}
	return c.Store.Validate()
}

func (c StoreConfig) Validate() error {
	switch c.Driver {
	case "csv":
		if c.TelemetryPath == "" || c.MetricsPath == "" {
			return errors.New("server.store: csv driver needs telemetry_path and metrics_path")
		}
	case "sqlite", "postgres":
		if c.DSN == "" {
			return errors.Errorf("server.store: %s driver needs dsn", c.Driver)
		}
	default:
		return errors.Errorf("server.store: unknown driver %q", c.Driver)
	}
	return nil
}
