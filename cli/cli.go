package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhirsama/Goster-Telemetry/src/client"
	"github.com/nhirsama/Goster-Telemetry/src/config"
	"github.com/nhirsama/Goster-Telemetry/src/datastore"
	"github.com/nhirsama/Goster-Telemetry/src/logging"
	"github.com/nhirsama/Goster-Telemetry/src/server"
	"github.com/nhirsama/Goster-Telemetry/src/web"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// Run 进程入口：SIGINT / SIGTERM 时取消上下文，子命令负责优雅退出
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		logrus.WithError(err).Error("运行失败")
		os.Exit(1)
	}
	logrus.Info("系统正常关闭")
}

type options struct {
	configFile string
	logLevel   string
	v          *viper.Viper
}

// NewRootCommand 构建 server / client 子命令
func NewRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "goster-telemetry",
		Short:         "UDP 批量遥测协议：采集端与模拟设备",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configFile, "config", "", "配置文件路径 (yaml/toml/json)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "日志级别: trace|debug|info|warn|error")

	root.AddCommand(newServerCommand(o), newClientCommand(o))
	return root
}

// load 读取配置并把命令行参数绑定到对应的配置键
func (o *options) load(cmd *cobra.Command, keys map[string]string) error {
	v, err := config.New(o.configFile)
	if err != nil {
		return err
	}
	if err := v.BindPFlag("log_level", cmd.Flags().Lookup("log-level")); err != nil {
		return errors.Wrap(err, "bind log-level failed")
	}
	var bindErr error
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = errors.Wrapf(v.BindPFlag(key, f), "bind %s failed", f.Name)
	})
	if bindErr != nil {
		return bindErr
	}
	logging.SetLogger(v.GetString("log_level"))
	o.v = v
	return nil
}

var serverFlagKeys = map[string]string{
	"listen":            "server.listen_addr",
	"http":              "server.http_addr",
	"reorder-window":    "server.reorder_window",
	"flush-interval":    "server.flush_interval",
	"heartbeat-timeout": "server.heartbeat_timeout",
	"monitor-interval":  "server.monitor_interval",
	"checksum":          "server.checksum",
	"store":             "server.store.driver",
	"telemetry-log":     "server.store.telemetry_path",
	"metrics-log":       "server.store.metrics_path",
	"dsn":               "server.store.dsn",
}

func newServerCommand(o *options) *cobra.Command {
	d := config.DefaultServer()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "启动采集端，收到设备 END 后输出会话统计并退出",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd, serverFlagKeys)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(o.v)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.String("listen", d.ListenAddr, "UDP 监听地址")
	f.String("http", d.HTTPAddr, "HTTP 状态接口地址，留空则不启动")
	f.Duration("reorder-window", d.ReorderWindow, "重排窗口")
	f.Duration("flush-interval", d.FlushInterval, "重排缓冲区刷新间隔")
	f.Duration("heartbeat-timeout", d.HeartbeatTimeout, "心跳超时阈值")
	f.Duration("monitor-interval", d.MonitorInterval, "心跳监控扫描间隔")
	f.Bool("checksum", d.Checksum, "校验保留字段中的 CRC16")
	f.String("store", d.Store.Driver, "存储后端: csv|sqlite|postgres")
	f.String("telemetry-log", d.Store.TelemetryPath, "遥测日志 CSV 路径")
	f.String("metrics-log", d.Store.MetricsPath, "会话统计 CSV 路径")
	f.String("dsn", d.Store.DSN, "SQLite 文件路径或 PostgreSQL 连接串")
	return cmd
}

func runServer(ctx context.Context, cfg config.ServerConfig) error {
	store, err := datastore.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(cfg, store)
	if err := srv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// 采集会话结束后同时关闭状态接口
	httpCtx, stopHTTP := context.WithCancel(gctx)
	defer stopHTTP()

	g.Go(func() error {
		defer stopHTTP()
		return srv.Run(gctx)
	})
	if cfg.HTTPAddr != "" {
		status := web.NewWebServer(cfg.HTTPAddr, srv.Devices(), srv.Metrics(), srv.Metrics().Registry())
		g.Go(func() error {
			return status.Run(httpCtx)
		})
	}
	return g.Wait()
}

var clientFlagKeys = map[string]string{
	"server":             "client.server_addr",
	"device-id":          "client.device_id",
	"batch-size":         "client.batch_size",
	"interval":           "client.sample_interval",
	"duration":           "client.run_duration",
	"ack-wait":           "client.ack_wait",
	"retransmit-timeout": "client.retransmit_timeout",
	"retransmit-poll":    "client.retransmit_poll",
	"heartbeat-interval": "client.heartbeat_interval",
	"checksum":           "client.checksum",
}

func newClientCommand(o *options) *cobra.Command {
	d := config.DefaultClient()
	cmd := &cobra.Command{
		Use:   "client",
		Short: "运行模拟温湿度传感器，上报 run_duration 后发送 END",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd, clientFlagKeys)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(o.v)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"server":     cfg.ServerAddr,
				"device_id":  cfg.DeviceID,
				"batch_size": cfg.BatchSize,
			}).Info("模拟设备启动")
			return client.NewSession(cfg).Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("server", d.ServerAddr, "采集端 UDP 地址")
	f.Uint16("device-id", d.DeviceID, "设备编号")
	f.Int("batch-size", d.BatchSize, "每个 DATA 报文携带的采样条数")
	f.Duration("interval", d.SampleInterval, "采样间隔")
	f.Duration("duration", d.RunDuration, "上报总时长")
	f.Duration("ack-wait", d.AckWait, "发送后等待 ACK 的时长")
	f.Duration("retransmit-timeout", d.RetransmitTimeout, "未确认报文的重传超时")
	f.Duration("retransmit-poll", d.RetransmitPoll, "重传扫描间隔")
	f.Duration("heartbeat-interval", d.HeartbeatInterval, "心跳间隔")
	f.Bool("checksum", d.Checksum, "在保留字段中写入 CRC16")
	return cmd
}
