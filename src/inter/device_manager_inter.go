package inter

import "time"

// DeviceStatus 定义设备的逻辑在线状态
type DeviceStatus int

const (
	StatusOffline DeviceStatus = iota // 离线
	StatusOnline                      // 在线
	StatusDelayed                     // 延迟（心跳超过阈值一半但未完全判定为离线）
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusDelayed:
		return "delayed"
	default:
		return "offline"
	}
}

// Classification 是一个 DATA 报文的序列号判定结果
type Classification struct {
	Duplicate bool
	Gap       bool
	// Missing 本次检测到的丢失报文数量 (seq - last_seq - 1)
	Missing uint16
	// Known 报文到达前该设备是否已有会话状态
	Known bool
}

// DeviceState 设备会话状态快照
type DeviceState struct {
	DeviceID      uint16       `json:"device_id"`
	LastSeq       uint16       `json:"last_seq"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Status        DeviceStatus `json:"-"`
	StatusText    string       `json:"status"`
}

// DeviceTable 定义服务端按设备维护的运行时状态
type DeviceTable interface {
	// Register 创建或重置设备状态 (INIT)
	Register(deviceID, seq uint16, now time.Time)

	// HandleHeartbeat 刷新心跳时间，序列号更新时推进 last_seq
	HandleHeartbeat(deviceID, seq uint16, now time.Time)

	// ClassifyData 判定 DATA 报文是否重复/存在缺口，并在非重复时推进 last_seq
	ClassifyData(deviceID, seq uint16, now time.Time) Classification

	// Remove 删除设备状态 (END)
	Remove(deviceID uint16) bool

	// QueryDeviceStatus 查询设备在线状态
	QueryDeviceStatus(deviceID uint16, now time.Time) (DeviceStatus, error)

	// Silent 返回静默时间超过 timeout 的设备及其静默时长
	Silent(now time.Time, timeout time.Duration) map[uint16]time.Duration

	// Snapshot 返回全部设备状态
	Snapshot(now time.Time) []DeviceState
}
