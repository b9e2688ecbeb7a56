package client

import "sync"

// Sequence 是 DATA、HEARTBEAT 与 END 共享的序列号计数器
type Sequence struct {
	mu   sync.Mutex
	last uint16
}

// Next 递增并返回新的序列号，65535 之后回绕到 0
func (s *Sequence) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last
}

// Last 返回最近一次分配的序列号
func (s *Sequence) Last() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
