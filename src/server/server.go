// Package server 实现 UDP 遥测采集端：接收、确认、去重与缺口检测、重排后落盘，以及会话统计。
package server

import (
	"context"
	"net"
	"runtime"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/config"
	"github.com/nhirsama/Goster-Telemetry/src/device_manager"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/nhirsama/Goster-Telemetry/src/logging"
	"github.com/nhirsama/Goster-Telemetry/src/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Server 单会话采集服务。收到 END 后接收循环结束，Run 返回。
type Server struct {
	cfg     config.ServerConfig
	codec   inter.PacketCodec
	devices *device_manager.DeviceManager
	reorder *ReorderBuffer
	metrics *Aggregator
	monitor *Monitor
	store   inter.TelemetryStore
	now     func() time.Time

	conn *net.UDPConn
}

func New(cfg config.ServerConfig, store inter.TelemetryStore) *Server {
	devices := device_manager.NewDeviceManager(cfg.HeartbeatTimeout)
	return &Server{
		cfg:     cfg,
		codec:   protocol.NewTelemetryCodec(protocol.WithChecksum(cfg.Checksum)),
		devices: devices,
		reorder: NewReorderBuffer(store, cfg.ReorderWindow),
		metrics: NewAggregator(),
		monitor: NewMonitor(devices, cfg.HeartbeatTimeout, cfg.MonitorInterval),
		store:   store,
		now:     time.Now,
	}
}

func (s *Server) Devices() inter.DeviceTable { return s.devices }

func (s *Server) Metrics() *Aggregator { return s.metrics }

// Listen 绑定 UDP 端口；Run 会在未绑定时自动调用
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s failed", s.cfg.ListenAddr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s failed", s.cfg.ListenAddr)
	}
	s.conn = conn
	logger.WithField("addr", conn.LocalAddr().String()).Info("UDP 采集服务已启动")
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Run 运行接收循环、重排刷新循环与心跳监控，直到收到 END、ctx 取消或套接字出错。
// 退出前写出缓冲区中剩余的全部条目。
func (s *Server) Run(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return s.receive()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-done:
		}
		// 关闭套接字以唤醒阻塞中的 ReadFromUDP
		s.conn.Close()
		return nil
	})
	g.Go(func() error {
		s.flushLoop(gctx, done)
		return nil
	})
	g.Go(func() error {
		s.monitor.Run(gctx, done)
		return nil
	})

	err := g.Wait()
	if _, ferr := s.reorder.FlushAll(); ferr != nil {
		logger.WithError(ferr).Error("写出剩余遥测记录失败")
	}
	return err
}

func (s *Server) receive() error {
	// 线程 CPU 计时要求接收循环固定在同一 OS 线程
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, inter.MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "receive datagram failed")
		}
		end, err := s.handle(buf[:n], addr, s.now())
		if err != nil {
			return err
		}
		if end {
			return nil
		}
	}
}

// handle 处理一个数据报，返回是否收到 END
func (s *Server) handle(datagram []byte, addr *net.UDPAddr, arrival time.Time) (bool, error) {
	start := threadCPU()
	h, err := s.codec.DecodeHeader(datagram)
	if err != nil {
		s.metrics.ObserveMalformed()
		logger.WithError(err).WithField("from", addr.String()).Warn("丢弃无法解析的报文")
		return false, nil
	}
	fields := logging.PacketFields(h)
	if !h.Type.Valid() || h.Type == inter.MsgAck {
		s.metrics.ObserveMalformed()
		logger.WithFields(fields).WithError(protocol.ErrUnknownMessageType).Warn("丢弃未知类型的报文")
		return false, nil
	}
	spent := threadCPU() - start
	s.metrics.ObservePacket(h.Type, len(datagram))

	switch h.Type {
	case inter.MsgInit:
		s.metrics.ObserveCPU(spent)
		s.devices.Register(h.DeviceID, h.Seq, arrival)
		logger.WithFields(fields).Info("设备上线")

	case inter.MsgHeartbeat:
		s.metrics.ObserveCPU(spent)
		s.devices.HandleHeartbeat(h.DeviceID, h.Seq, arrival)
		logger.WithFields(fields).Debug("收到心跳")
		rec := inter.LivenessRecord{
			DeviceID:    h.DeviceID,
			Seq:         h.Seq,
			Timestamp:   h.Timestamp,
			ArrivalTime: arrival,
		}
		if err := s.store.AppendLiveness(rec); err != nil {
			logger.WithFields(fields).WithError(err).Error("写入心跳记录失败")
		}

	case inter.MsgData:
		return false, s.handleData(h, datagram, addr, arrival, spent)

	case inter.MsgEnd:
		s.metrics.ObserveCPU(spent)
		logger.WithFields(fields).Info("设备结束会话")
		s.handleEnd(h.DeviceID, arrival)
		return true, nil
	}
	return false, nil
}

// handleData 先回 ACK 再判定，重复报文同样会被确认
func (s *Server) handleData(h inter.Header, datagram []byte, addr *net.UDPAddr, arrival time.Time, spent time.Duration) error {
	ack := s.codec.EncodeAck(inter.Ack{DeviceID: h.DeviceID, Seq: h.Seq})
	if _, err := s.conn.WriteToUDP(ack, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return errors.Wrapf(err, "send ack %d failed", h.Seq)
	}

	start := threadCPU()
	c := s.devices.ClassifyData(h.DeviceID, h.Seq, arrival)
	readings, err := s.codec.DecodeReadings(h, datagram)
	spent += threadCPU() - start
	s.metrics.ObserveCPU(spent)

	fields := logging.PacketFields(h)
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("批量数据不完整，仅保留可解析部分")
	}
	if c.Duplicate {
		s.metrics.ObserveDuplicate()
	}
	if c.Gap {
		s.metrics.ObserveGap(c.Missing)
		logger.WithFields(fields).WithField("missing", c.Missing).Warn("检测到序列号缺口")
	}
	s.metrics.ObserveReadings(len(readings))

	for _, r := range readings {
		s.reorder.Add(h.DeviceID, newEntry(h, r, c, arrival))
	}
	logger.WithFields(fields).
		WithField("duplicate", c.Duplicate).
		WithField("gap", c.Gap).
		Debug("收到数据")
	return nil
}

func (s *Server) handleEnd(deviceID uint16, now time.Time) {
	if _, err := s.reorder.FlushDevice(deviceID); err != nil {
		logger.WithError(err).Error("写出设备缓冲记录失败")
	}
	summary := s.metrics.Summary(now)
	logger.WithFields(logging.SummaryFields(summary)).Info("会话统计")
	if err := s.store.AppendSummary(summary); err != nil {
		logger.WithError(err).Error("写入会话统计失败")
	}
	s.devices.Remove(deviceID)
}

func (s *Server) flushLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if _, err := s.reorder.Flush(s.now()); err != nil {
				logger.WithError(err).Error("写入遥测日志失败")
			}
		}
	}
}
