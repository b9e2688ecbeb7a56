package server

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
)

// Entry 重排缓冲区中的一条采样
type Entry struct {
	PayloadTimestamp uint32
	ArrivalTime      time.Time
	Seq              uint16
	Duplicate        bool
	Gap              bool
	Temp             float64
	Hum              float64
}

// round2 温湿度保留两位小数后入库
func round2(v float32) float64 {
	return math.Round(float64(v)*100) / 100
}

func newEntry(h inter.Header, r inter.Reading, c inter.Classification, arrival time.Time) Entry {
	return Entry{
		PayloadTimestamp: r.Timestamp,
		ArrivalTime:      arrival,
		Seq:              h.Seq,
		Duplicate:        c.Duplicate,
		Gap:              c.Gap,
		Temp:             round2(r.Temp),
		Hum:              round2(r.Hum),
	}
}

// ReorderBuffer 按设备暂存已接收的采样，在驻留满窗口时长后按采样时间戳排序写入存储。
//
// mu 保护 entries；flushMu 串行化所有写出路径，
// 保证定时刷新与 END 触发的刷新不会交错写入。
type ReorderBuffer struct {
	mu      sync.Mutex
	flushMu sync.Mutex
	entries map[uint16][]Entry

	window time.Duration
	store  inter.TelemetryStore
}

func NewReorderBuffer(store inter.TelemetryStore, window time.Duration) *ReorderBuffer {
	return &ReorderBuffer{
		entries: make(map[uint16][]Entry),
		window:  window,
		store:   store,
	}
}

func (b *ReorderBuffer) Add(deviceID uint16, e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[deviceID] = append(b.entries[deviceID], e)
}

// Pending 返回某设备尚未写出的条目数
func (b *ReorderBuffer) Pending(deviceID uint16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[deviceID])
}

// Flush 写出所有驻留时间 >= 窗口的条目，未就绪的条目保留。返回写出条数。
func (b *ReorderBuffer) Flush(now time.Time) (int, error) {
	return b.flush(func(deviceID uint16, e Entry) bool {
		return now.Sub(e.ArrivalTime) >= b.window
	})
}

// FlushDevice 无视窗口，写出某设备的全部条目
func (b *ReorderBuffer) FlushDevice(deviceID uint16) (int, error) {
	return b.flush(func(id uint16, _ Entry) bool { return id == deviceID })
}

// FlushAll 无视窗口，写出全部条目
func (b *ReorderBuffer) FlushAll() (int, error) {
	return b.flush(func(uint16, Entry) bool { return true })
}

func (b *ReorderBuffer) flush(ready func(deviceID uint16, e Entry) bool) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batches := b.extract(ready)
	ids := make([]int, 0, len(batches))
	for id := range batches {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	written := 0
	var firstErr error
	for _, id := range ids {
		deviceID := uint16(id)
		batch := batches[deviceID]
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].PayloadTimestamp < batch[j].PayloadTimestamp
		})
		records := make([]inter.TelemetryRecord, len(batch))
		for i, e := range batch {
			records[i] = inter.TelemetryRecord{
				DeviceID:         deviceID,
				Seq:              e.Seq,
				PayloadTimestamp: e.PayloadTimestamp,
				ArrivalTime:      e.ArrivalTime,
				Duplicate:        e.Duplicate,
				Gap:              e.Gap,
				Temp:             e.Temp,
				Hum:              e.Hum,
			}
		}
		// 条目已离开缓冲区，写入失败不重试
		if err := b.store.AppendRecords(records); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "flush device %d failed", deviceID)
			}
			continue
		}
		written += len(records)
	}
	return written, firstErr
}

// extract 在 mu 内取出就绪条目，保持剩余条目的到达顺序
func (b *ReorderBuffer) extract(ready func(uint16, Entry) bool) map[uint16][]Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[uint16][]Entry)
	for id, list := range b.entries {
		var keep []Entry
		for _, e := range list {
			if ready(id, e) {
				out[id] = append(out[id], e)
			} else {
				keep = append(keep, e)
			}
		}
		if len(keep) == 0 {
			delete(b.entries, id)
		} else {
			b.entries[id] = keep
		}
	}
	return out
}
