package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nhirsama/Goster-Telemetry/src/client"
	"github.com/nhirsama/Goster-Telemetry/src/config"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/nhirsama/Goster-Telemetry/src/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerConfig() config.ServerConfig {
	cfg := config.DefaultServer()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.MonitorInterval = 50 * time.Millisecond
	return cfg
}

// startServer 启动服务端，返回其地址与 Run 的结果通道
func startServer(t *testing.T, cfg config.ServerConfig, store inter.TelemetryStore) (*Server, *net.UDPAddr, <-chan error) {
	t.Helper()
	s := New(cfg, store)
	require.NoError(t, s.Listen())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return s, s.Addr().(*net.UDPAddr), errc
}

type device struct {
	t     *testing.T
	conn  *net.UDPConn
	raddr *net.UDPAddr
	codec *protocol.TelemetryCodec
}

func newDevice(t *testing.T, raddr *net.UDPAddr) *device {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &device{t: t, conn: conn, raddr: raddr, codec: protocol.NewTelemetryCodec()}
}

func (d *device) send(h inter.Header, readings ...inter.Reading) {
	h.DeviceID = 101
	_, err := d.conn.WriteToUDP(d.codec.EncodePacket(h, readings), d.raddr)
	require.NoError(d.t, err)
}

func (d *device) sendRaw(b []byte) {
	_, err := d.conn.WriteToUDP(b, d.raddr)
	require.NoError(d.t, err)
}

func (d *device) expectAck(seq uint16) {
	d.t.Helper()
	buf := make([]byte, 64)
	require.NoError(d.t, d.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := d.conn.ReadFromUDP(buf)
	require.NoError(d.t, err)
	ack, err := d.codec.DecodeAck(buf[:n])
	require.NoError(d.t, err)
	assert.Equal(d.t, inter.Ack{DeviceID: 101, Seq: seq}, ack)
}

func waitRun(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after END")
	}
}

func TestServer_Session(t *testing.T) {
	store := &memStore{}
	cfg := testServerConfig()
	// 窗口足够长，所有条目都在 END 时一次写出
	cfg.ReorderWindow = time.Minute
	srv, addr, errc := startServer(t, cfg, store)
	d := newDevice(t, addr)

	d.send(inter.Header{Type: inter.MsgInit, Seq: 1, BatchCount: 1}, inter.Reading{})

	// 批内乱序
	batch := []inter.Reading{
		{Temp: 25.5, Hum: 55.25, Timestamp: 1005},
		{Temp: 21.004, Hum: 41.996, Timestamp: 1000},
	}
	d.send(inter.Header{Type: inter.MsgData, Seq: 2, BatchCount: 2}, batch...)
	d.expectAck(2)

	// 重传：仍然确认，但标记为重复
	d.send(inter.Header{Type: inter.MsgData, Seq: 2, BatchCount: 2}, batch...)
	d.expectAck(2)

	// 无法解析与未知类型的报文被丢弃
	d.sendRaw([]byte{1, 0, 101, 0, 9})
	d.sendRaw(protocol.EncodeHeader(inter.Header{Type: 9, DeviceID: 101, Seq: 3}))

	// seq 3、4 丢失
	d.send(inter.Header{Type: inter.MsgData, Seq: 5, BatchCount: 1}, inter.Reading{Temp: 30, Hum: 60, Timestamp: 1010})
	d.expectAck(5)

	d.send(inter.Header{Type: inter.MsgHeartbeat, Seq: 6, Timestamp: 1011, BatchCount: 1}, inter.Reading{})
	require.Eventually(t, func() bool { return len(store.Liveness()) == 1 }, 2*time.Second, 5*time.Millisecond)
	last, ok := srv.devices.LastSeq(101)
	require.True(t, ok)
	assert.Equal(t, uint16(6), last)

	d.send(inter.Header{Type: inter.MsgEnd, Seq: 7})
	waitRun(t, errc)

	recs := store.Records()
	require.Len(t, recs, 5)
	var ts []uint32
	for _, r := range recs {
		ts = append(ts, r.PayloadTimestamp)
	}
	assert.Equal(t, []uint32{1000, 1000, 1005, 1005, 1010}, ts)

	assert.False(t, recs[0].Duplicate)
	assert.True(t, recs[1].Duplicate)
	assert.False(t, recs[2].Duplicate)
	assert.True(t, recs[3].Duplicate)
	assert.False(t, recs[0].Gap)
	assert.True(t, recs[4].Gap)
	assert.False(t, recs[4].Duplicate)
	assert.Equal(t, 21.0, recs[0].Temp)
	assert.Equal(t, 42.0, recs[0].Hum)
	assert.Equal(t, 55.25, recs[2].Hum)

	hb := store.Liveness()[0]
	assert.Equal(t, inter.LivenessRecord{DeviceID: 101, Seq: 6, Timestamp: 1011, ArrivalTime: hb.ArrivalTime}, hb)

	sums := store.Summaries()
	require.Len(t, sums, 1)
	m := sums[0]
	// INIT + 3×DATA + HEARTBEAT + END
	assert.Equal(t, uint64(6), m.PacketsReceived)
	assert.InDelta(t, 1.0/6.0, m.DuplicateRate, 1e-9)
	assert.Equal(t, uint64(2), m.SequenceGapCount)
	// 24 + 36 + 36 + 24 + 24 + 12 字节，5 条记录
	assert.InDelta(t, 156.0/5.0, m.BytesPerReport, 1e-9)

	_, ok = srv.devices.LastSeq(101)
	assert.False(t, ok, "device state discarded at END")
}

func TestServer_WindowFlushBeforeEnd(t *testing.T) {
	store := &memStore{}
	cfg := testServerConfig()
	cfg.ReorderWindow = 30 * time.Millisecond
	_, addr, errc := startServer(t, cfg, store)
	d := newDevice(t, addr)

	d.send(inter.Header{Type: inter.MsgInit, Seq: 1, BatchCount: 1}, inter.Reading{})
	d.send(inter.Header{Type: inter.MsgData, Seq: 2, BatchCount: 1}, inter.Reading{Timestamp: 1000})
	d.expectAck(2)

	// 刷新循环在窗口到期后写出
	require.Eventually(t, func() bool { return len(store.Records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	d.send(inter.Header{Type: inter.MsgEnd, Seq: 3})
	waitRun(t, errc)
	assert.Len(t, store.Records(), 1)
}

func TestServer_ChecksumMismatchDropped(t *testing.T) {
	store := &memStore{}
	cfg := testServerConfig()
	cfg.Checksum = true
	cfg.ReorderWindow = 0
	_, addr, errc := startServer(t, cfg, store)
	d := newDevice(t, addr)
	d.codec = protocol.NewTelemetryCodec(protocol.WithChecksum(true))

	d.send(inter.Header{Type: inter.MsgInit, Seq: 1, BatchCount: 1}, inter.Reading{})

	h := inter.Header{Type: inter.MsgData, DeviceID: 101, Seq: 2, BatchCount: 1}
	corrupt := d.codec.EncodePacket(h, []inter.Reading{{Temp: 1, Timestamp: 1000}})
	corrupt[len(corrupt)-1] ^= 0xFF
	d.sendRaw(corrupt)

	d.send(h, inter.Reading{Temp: 2, Timestamp: 1001})
	d.expectAck(2)

	d.send(inter.Header{Type: inter.MsgEnd, Seq: 3})
	waitRun(t, errc)

	recs := store.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(1001), recs[0].PayloadTimestamp)
	assert.False(t, recs[0].Duplicate)
}

func TestServer_ContextCancel(t *testing.T) {
	store := &memStore{}
	s := New(testServerConfig(), store)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

// 客户端与服务端通过回环地址完成一次完整会话
func TestServer_EndToEndWithClient(t *testing.T) {
	store := &memStore{}
	cfg := testServerConfig()
	cfg.ReorderWindow = 20 * time.Millisecond
	_, addr, errc := startServer(t, cfg, store)

	ccfg := config.DefaultClient()
	ccfg.ServerAddr = addr.String()
	ccfg.DeviceID = 101
	ccfg.BatchSize = 2
	ccfg.SampleInterval = 10 * time.Millisecond
	ccfg.RunDuration = 200 * time.Millisecond
	ccfg.HeartbeatInterval = time.Minute

	sess := client.NewSession(ccfg)
	require.NoError(t, sess.Run(context.Background()))
	assert.False(t, sess.Pending().Has(2))
	waitRun(t, errc)

	recs := store.Records()
	require.GreaterOrEqual(t, len(recs), 2)
	assert.Equal(t, uint16(2), recs[0].Seq)
	assert.Equal(t, uint16(2), recs[1].Seq)
	assert.LessOrEqual(t, recs[0].PayloadTimestamp, recs[1].PayloadTimestamp)
	for _, r := range recs {
		assert.False(t, r.Duplicate, "seq %d", r.Seq)
		assert.False(t, r.Gap, "seq %d", r.Seq)
		assert.Equal(t, uint16(101), r.DeviceID)
	}

	sums := store.Summaries()
	require.Len(t, sums, 1)
	assert.Zero(t, sums[0].DuplicateRate)
	assert.Zero(t, sums[0].SequenceGapCount)
	assert.InDelta(t, float64(inter.HeaderSize+2*inter.ReadingSize)/2, sums[0].BytesPerReport, 12)
}
