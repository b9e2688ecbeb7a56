package client

import (
	"context"
	"sort"
	"sync"
	"time"
)

type pendingEntry struct {
	data   []byte
	sentAt time.Time
	acked  chan struct{}
}

// Resend 一个需要重发的报文
type Resend struct {
	Seq  uint16
	Data []byte
}

// PendingSet 已发送但尚未确认的 DATA 报文，按序列号索引
type PendingSet struct {
	mu      sync.Mutex
	entries map[uint16]*pendingEntry
}

func NewPendingSet() *PendingSet {
	return &PendingSet{entries: make(map[uint16]*pendingEntry)}
}

// Add 登记报文。data 在登记后不应再被修改。
func (p *PendingSet) Add(seq uint16, data []byte, sentAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[seq]; ok {
		e.data = data
		e.sentAt = sentAt
		return
	}
	p.entries[seq] = &pendingEntry{
		data:   data,
		sentAt: sentAt,
		acked:  make(chan struct{}),
	}
}

// Ack 移除 seq 并唤醒等待者；seq 不在集合中时返回 false
func (p *PendingSet) Ack(seq uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[seq]
	if !ok {
		return false
	}
	delete(p.entries, seq)
	close(e.acked)
	return true
}

// WaitAck 最多等待 d，报告 seq 是否已被确认。超时不是错误。
func (p *PendingSet) WaitAck(ctx context.Context, seq uint16, d time.Duration) bool {
	p.mu.Lock()
	e, ok := p.entries[seq]
	p.mu.Unlock()
	if !ok {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.acked:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Expired 返回发送时间早于 now-timeout 的报文 (按序列号升序)，并把它们的发送时间刷新为 now
func (p *PendingSet) Expired(now time.Time, timeout time.Duration) []Resend {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Resend
	for seq, e := range p.entries {
		if now.Sub(e.sentAt) > timeout {
			e.sentAt = now
			out = append(out, Resend{Seq: seq, Data: e.data})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (p *PendingSet) Has(seq uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[seq]
	return ok
}

func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
