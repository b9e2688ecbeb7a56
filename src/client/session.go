// Package client 实现模拟传感器端：批量上报、ACK 回收、超时重传与心跳。
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/config"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/nhirsama/Goster-Telemetry/src/logging"
	"github.com/nhirsama/Goster-Telemetry/src/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Session 一次设备上报会话
//
// mu 保护 state，并串行化所有出站报文：状态进入 TERMINATED 后
// 心跳与重传都不会再发出任何报文。
type Session struct {
	cfg     config.ClientConfig
	codec   inter.PacketCodec
	seq     *Sequence
	pending *PendingSet
	sampler Sampler
	now     func() time.Time

	conn  *net.UDPConn
	raddr *net.UDPAddr

	mu    sync.Mutex
	state State
}

// Option 配置 Session
type Option func(*Session)

// WithSampler 替换默认的随机采样器
func WithSampler(s Sampler) Option {
	return func(sess *Session) {
		sess.sampler = s
	}
}

func NewSession(cfg config.ClientConfig, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		codec:   protocol.NewTelemetryCodec(protocol.WithChecksum(cfg.Checksum)),
		seq:     &Sequence{},
		pending: NewPendingSet(),
		sampler: NewRandomSampler(time.Now().UnixNano()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending 返回未确认报文集合
func (s *Session) Pending() *PendingSet { return s.pending }

// Sequence 返回共享序列号计数器
func (s *Session) Sequence() *Sequence { return s.seq }

// Dial 解析服务端地址并打开本地 UDP 套接字。
// 套接字不做 connect，服务端尚未就绪时 ICMP 不可达不会中断 ACK 接收。
func (s *Session) Dial() error {
	raddr, err := net.ResolveUDPAddr("udp", s.cfg.ServerAddr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s failed", s.cfg.ServerAddr)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "open udp socket failed")
	}
	s.raddr = raddr
	s.conn = conn
	return nil
}

// Run 执行一次完整会话：INIT，持续上报 run_duration (或直到 ctx 取消)，END。
// 返回前停止全部后台任务并关闭套接字。
func (s *Session) Run(ctx context.Context) error {
	if s.State() != StateNotStarted {
		return errors.New("session already started")
	}
	if s.conn == nil {
		if err := s.Dial(); err != nil {
			return err
		}
	}
	defer s.conn.Close()

	if err := s.register(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunDuration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(s.receiveAcks)
	g.Go(func() error { return s.retransmitLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })

	streamErr := s.stream(gctx)
	endErr := s.terminate()

	cancel()
	// 唤醒阻塞中的 ReadFromUDP
	s.conn.Close()
	workerErr := g.Wait()

	logger.WithField("device_id", s.cfg.DeviceID).
		WithField("last_seq", s.seq.Last()).
		WithField("unacked", s.pending.Len()).
		Info("会话结束")

	switch {
	case streamErr != nil:
		return streamErr
	case workerErr != nil:
		return workerErr
	default:
		return endErr
	}
}

func (s *Session) write(pkt []byte) error {
	_, err := s.conn.WriteToUDP(pkt, s.raddr)
	return err
}

func (s *Session) header(t inter.MsgType, seq uint16, batch int) inter.Header {
	return inter.Header{
		Type:       t,
		DeviceID:   s.cfg.DeviceID,
		Seq:        seq,
		Timestamp:  uint32(s.now().Unix()),
		BatchCount: uint8(batch),
	}
}

// register 发送 INIT (seq=1, 一条零值记录)，不等待确认
func (s *Session) register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.header(inter.MsgInit, s.seq.Next(), 1)
	if err := s.write(s.codec.EncodePacket(h, []inter.Reading{{}})); err != nil {
		return errors.Wrap(err, "send INIT failed")
	}
	s.state = StateRegistered
	logger.WithFields(logging.PacketFields(h)).Info("设备已注册")
	s.state = StateStreaming
	return nil
}

// stream 采样、攒批并发送 DATA，直到 ctx 结束。未攒满的批次被丢弃。
func (s *Session) stream(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	batch := make([]inter.Reading, 0, s.cfg.BatchSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch = append(batch, s.sampler.Sample(s.now()))
		if len(batch) >= s.cfg.BatchSize {
			seq, sent, err := s.sendData(batch)
			batch = batch[:0]
			if err != nil {
				return err
			}
			if sent && !s.pending.WaitAck(ctx, seq, s.cfg.AckWait) {
				logger.WithField("seq", seq).Debug("等待 ACK 超时，交由重传处理")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sendData 分配序列号，先登记到未确认集合再发送
func (s *Session) sendData(batch []inter.Reading) (uint16, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return 0, false, nil
	}

	seq := s.seq.Next()
	h := s.header(inter.MsgData, seq, len(batch))
	pkt := s.codec.EncodePacket(h, batch)
	s.pending.Add(seq, pkt, s.now())
	if err := s.write(pkt); err != nil {
		return seq, false, errors.Wrapf(err, "send DATA %d failed", seq)
	}
	logger.WithFields(logging.PacketFields(h)).Debug("发送数据")
	return seq, true, nil
}

// terminate 发送 END (只有头部) 并进入 TERMINATED
func (s *Session) terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return nil
	}

	h := s.header(inter.MsgEnd, s.seq.Next(), 0)
	err := s.write(s.codec.EncodePacket(h, nil))
	s.state = StateTerminated
	if err != nil {
		return errors.Wrap(err, "send END failed")
	}
	logger.WithFields(logging.PacketFields(h)).Info("发送结束报文")
	return nil
}

// receiveAcks 是客户端套接字唯一的读取者
func (s *Session) receiveAcks() error {
	buf := make([]byte, inter.MaxDatagramSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.State() == StateTerminated || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "receive ack failed")
		}
		ack, err := s.codec.DecodeAck(buf[:n])
		if err != nil {
			logger.WithError(err).Debug("丢弃非 ACK 报文")
			continue
		}
		if ack.DeviceID != s.cfg.DeviceID {
			logger.WithField("device_id", ack.DeviceID).Debug("丢弃其他设备的 ACK")
			continue
		}
		if s.pending.Ack(ack.Seq) {
			logger.WithField("seq", ack.Seq).Debug("收到 ACK")
		}
	}
}

func (s *Session) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetransmitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.retransmit(); err != nil {
				return err
			}
		}
	}
}

// retransmit 原样重发超时未确认的报文，无退避、无次数上限
func (s *Session) retransmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return nil
	}
	for _, r := range s.pending.Expired(s.now(), s.cfg.RetransmitTimeout) {
		if err := s.write(r.Data); err != nil {
			return errors.Wrapf(err, "retransmit %d failed", r.Seq)
		}
		logger.WithField("seq", r.Seq).Info("重传未确认报文")
	}
	return nil
}

// heartbeatLoop 每 heartbeat_interval 发送一次心跳，首次在启动一个周期之后
func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.heartbeat(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return nil
	}
	h := s.header(inter.MsgHeartbeat, s.seq.Next(), 1)
	if err := s.write(s.codec.EncodePacket(h, []inter.Reading{{}})); err != nil {
		return errors.Wrapf(err, "send HEARTBEAT %d failed", h.Seq)
	}
	logger.WithFields(logging.PacketFields(h)).Debug("发送心跳")
	return nil
}
