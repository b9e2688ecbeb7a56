package device_manager

import (
	"sort"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
)

// ErrDeviceUnknown 设备从未上线或会话已结束
var ErrDeviceUnknown = errors.New("device_manager: 设备从未上线")

type deviceState struct {
	lastSeq       uint16
	lastHeartbeat time.Time
}

// DeviceManager 维护服务端按设备的运行时状态。
// 接收循环、心跳监控和状态接口并发访问，所有读改写都在 mu 内完成。
type DeviceManager struct {
	mu      sync.Mutex
	devices map[uint16]*deviceState

	// DeathLine 心跳超时阈值
	DeathLine time.Duration
}

func NewDeviceManager(deathLine time.Duration) *DeviceManager {
	if deathLine <= 0 {
		deathLine = 10 * time.Second // 默认 10s 心跳超时
	}
	return &DeviceManager{
		devices:   make(map[uint16]*deviceState),
		DeathLine: deathLine,
	}
}

// seqDelta 返回 seq 相对 last 的有符号距离，16 位序列号回绕后仍然成立
func seqDelta(seq, last uint16) int {
	return int(int16(seq - last))
}

// Register INIT: 创建或重置设备状态
func (d *DeviceManager) Register(deviceID, seq uint16, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[deviceID] = &deviceState{lastSeq: seq, lastHeartbeat: now}
}

// HandleHeartbeat 处理设备心跳。心跳与 DATA 共享序列号空间，较新的序列号推进 last_seq。
func (d *DeviceManager) HandleHeartbeat(deviceID, seq uint16, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.devices[deviceID]
	if !ok {
		d.devices[deviceID] = &deviceState{lastSeq: seq, lastHeartbeat: now}
		return
	}
	st.lastHeartbeat = now
	if seqDelta(seq, st.lastSeq) > 0 {
		st.lastSeq = seq
	}
}

// ClassifyData 判定 DATA 报文：
//   - 已知设备且 seq <= last_seq: 重复
//   - seq - last_seq > 1: 存在缺口，丢失 seq-last_seq-1 个报文
//
// 非重复报文推进 last_seq；重复与缺口都不会使 last_seq 回退。
// 未经 INIT 的设备以当前 seq 建立状态，不打任何标记。
func (d *DeviceManager) ClassifyData(deviceID, seq uint16, now time.Time) inter.Classification {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.devices[deviceID]
	if !ok {
		d.devices[deviceID] = &deviceState{lastSeq: seq, lastHeartbeat: now}
		return inter.Classification{}
	}

	c := inter.Classification{Known: true}
	delta := seqDelta(seq, st.lastSeq)
	switch {
	case delta <= 0:
		c.Duplicate = true
	case delta > 1:
		c.Gap = true
		c.Missing = uint16(delta - 1)
	}
	if !c.Duplicate {
		st.lastSeq = seq
	}
	st.lastHeartbeat = now
	return c
}

// Remove END: 丢弃设备状态
func (d *DeviceManager) Remove(deviceID uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.devices[deviceID]
	delete(d.devices, deviceID)
	return ok
}

// LastSeq 返回设备当前的 last_seq
func (d *DeviceManager) LastSeq(deviceID uint16) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.devices[deviceID]
	if !ok {
		return 0, false
	}
	return st.lastSeq, true
}

func (d *DeviceManager) statusOf(st *deviceState, now time.Time) inter.DeviceStatus {
	delta := now.Sub(st.lastHeartbeat)
	switch {
	case delta > d.DeathLine:
		return inter.StatusOffline
	case delta > d.DeathLine/2:
		return inter.StatusDelayed
	default:
		return inter.StatusOnline
	}
}

func (d *DeviceManager) QueryDeviceStatus(deviceID uint16, now time.Time) (inter.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.devices[deviceID]
	if !ok {
		return inter.StatusOffline, ErrDeviceUnknown
	}
	return d.statusOf(st, now), nil
}

// Silent 返回静默超过 timeout 的设备
func (d *DeviceManager) Silent(now time.Time, timeout time.Duration) map[uint16]time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint16]time.Duration)
	for id, st := range d.devices {
		if since := now.Sub(st.lastHeartbeat); since > timeout {
			out[id] = since
		}
	}
	return out
}

// Snapshot 按 device_id 升序返回全部设备状态
func (d *DeviceManager) Snapshot(now time.Time) []inter.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]inter.DeviceState, 0, len(d.devices))
	for id, st := range d.devices {
		status := d.statusOf(st, now)
		out = append(out, inter.DeviceState{
			DeviceID:      id,
			LastSeq:       st.lastSeq,
			LastHeartbeat: st.lastHeartbeat,
			Status:        status,
			StatusText:    status.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

var _ inter.DeviceTable = (*DeviceManager)(nil)
