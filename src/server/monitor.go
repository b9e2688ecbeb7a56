package server

import (
	"context"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
)

// Monitor 周期性扫描设备心跳，对静默超时的设备输出告警
type Monitor struct {
	devices  inter.DeviceTable
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewMonitor(devices inter.DeviceTable, timeout, interval time.Duration) *Monitor {
	return &Monitor{
		devices:  devices,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
	}
}

// Check 执行一次扫描，返回超时设备及其静默时长
func (m *Monitor) Check(now time.Time) map[uint16]time.Duration {
	silent := m.devices.Silent(now, m.timeout)
	for id, since := range silent {
		logger.WithField("device_id", id).
			WithField("silent_seconds", int(since.Seconds())).
			Warn("设备心跳超时")
	}
	return silent
}

// Run 直到 ctx 取消或 done 关闭
func (m *Monitor) Run(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			m.Check(m.now())
		}
	}
}
