package protocol

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
)

// =============================================================================
// 辅助函数与变量
// =============================================================================

func sampleReadings(n int) []inter.Reading {
	out := make([]inter.Reading, n)
	for i := range out {
		out[i] = inter.Reading{
			Temp:      20 + rand.Float32()*15,
			Hum:       40 + rand.Float32()*30,
			Timestamp: 1700000000 + uint32(i),
		}
	}
	return out
}

// =============================================================================
// 单元测试 (Unit Tests)
// =============================================================================

// 测试：头部编码后再解码得到相同字段
func TestHeaderRoundTrip(t *testing.T) {
	h := inter.Header{
		Type:       inter.MsgData,
		DeviceID:   101,
		Seq:        65534,
		Timestamp:  1700000123,
		BatchCount: 7,
	}
	buf := EncodeHeader(h)
	if len(buf) != inter.HeaderSize {
		t.Fatalf("header length mismatch: got %d, want %d", len(buf), inter.HeaderSize)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if got != h {
		t.Errorf("header mismatch: got %+v, want %+v", got, h)
	}
}

// 测试：线上布局为网络字节序
func TestHeaderWireLayout(t *testing.T) {
	buf := EncodeHeader(inter.Header{
		Type:       inter.MsgHeartbeat,
		DeviceID:   0x0102,
		Seq:        0x0304,
		Timestamp:  0x05060708,
		BatchCount: 0x09,
	})
	want := []byte{0x02, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x00, 0x00}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d: got 0x%02X, want 0x%02X (%x)", i, buf[i], want[i], buf)
		}
	}
}

func TestReadingRoundTrip(t *testing.T) {
	r := inter.Reading{Temp: 27.35, Hum: 55.5, Timestamp: 1700000042}
	buf := EncodeReading(r)
	if len(buf) != inter.ReadingSize {
		t.Fatalf("reading length mismatch: got %d", len(buf))
	}
	got, err := DecodeReading(buf)
	if err != nil {
		t.Fatalf("DecodeReading failed: %v", err)
	}
	if got != r {
		t.Errorf("reading mismatch: got %+v, want %+v", got, r)
	}
}

// 测试：头部不足 12 字节
func TestDecodeHeader_Short(t *testing.T) {
	_, err := DecodeHeader(make([]byte, inter.HeaderSize-1))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("expect ErrMalformedPacket, got %v", err)
	}
}

func TestDecodeReading_Short(t *testing.T) {
	_, err := DecodeReading(make([]byte, 11))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("expect ErrMalformedPacket, got %v", err)
	}
}

// 测试：完整 DATA 报文的封包与解包
func TestPacketRoundTrip(t *testing.T) {
	codec := NewTelemetryCodec()
	readings := sampleReadings(3)
	h := inter.Header{Type: inter.MsgData, DeviceID: 7, Seq: 2, Timestamp: 1700000000, BatchCount: 3}

	buf := codec.EncodePacket(h, readings)
	if want := inter.HeaderSize + 3*inter.ReadingSize; len(buf) != want {
		t.Fatalf("packet length mismatch: got %d, want %d", len(buf), want)
	}

	gotH, err := codec.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if gotH != h {
		t.Errorf("header mismatch: got %+v, want %+v", gotH, h)
	}

	got, err := codec.DecodeReadings(gotH, buf)
	if err != nil {
		t.Fatalf("DecodeReadings failed: %v", err)
	}
	if len(got) != len(readings) {
		t.Fatalf("reading count mismatch: got %d, want %d", len(got), len(readings))
	}
	for i := range readings {
		if got[i] != readings[i] {
			t.Errorf("reading %d mismatch: got %+v, want %+v", i, got[i], readings[i])
		}
	}
}

// 测试：batch_count 声明超出实际数据时返回已解析部分
func TestDecodeReadings_Truncated(t *testing.T) {
	codec := NewTelemetryCodec()
	readings := sampleReadings(4)
	h := inter.Header{Type: inter.MsgData, DeviceID: 1, Seq: 3, BatchCount: 4}
	buf := codec.EncodePacket(h, readings)

	// 截掉最后一条记录的一半
	buf = buf[:len(buf)-6]

	got, err := codec.DecodeReadings(h, buf)
	if !errors.Is(err, ErrTruncatedBatch) {
		t.Fatalf("expect ErrTruncatedBatch, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expect 3 parsed readings, got %d", len(got))
	}
	for i := 0; i < 3; i++ {
		if got[i] != readings[i] {
			t.Errorf("reading %d mismatch", i)
		}
	}
}

// 测试：END 报文只有头部
func TestDecodeReadings_ZeroBatch(t *testing.T) {
	codec := NewTelemetryCodec()
	h := inter.Header{Type: inter.MsgEnd, DeviceID: 1, Seq: 9}
	buf := codec.EncodePacket(h, nil)
	if len(buf) != inter.HeaderSize {
		t.Fatalf("END length: got %d", len(buf))
	}
	got, err := codec.DecodeReadings(h, buf)
	if err != nil || len(got) != 0 {
		t.Errorf("expect no readings and no error, got %d, %v", len(got), err)
	}
}

func TestAckRoundTrip(t *testing.T) {
	codec := NewTelemetryCodec()
	buf := codec.EncodeAck(inter.Ack{DeviceID: 101, Seq: 42})
	if len(buf) != inter.AckSize {
		t.Fatalf("ack length: got %d", len(buf))
	}
	if buf[0] != uint8(inter.MsgAck) {
		t.Errorf("ack type byte: got %d", buf[0])
	}
	a, err := codec.DecodeAck(buf)
	if err != nil {
		t.Fatalf("DecodeAck failed: %v", err)
	}
	if a.DeviceID != 101 || a.Seq != 42 {
		t.Errorf("ack mismatch: %+v", a)
	}
}

func TestDecodeAck_Invalid(t *testing.T) {
	codec := NewTelemetryCodec()
	if _, err := codec.DecodeAck([]byte{3, 0, 1}); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("short ack: expect ErrMalformedPacket, got %v", err)
	}
	if _, err := codec.DecodeAck([]byte{1, 0, 1, 0, 2}); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("wrong type: expect ErrMalformedPacket, got %v", err)
	}
}

// 测试：启用校验后篡改内容被检出
func TestChecksum_DetectsCorruption(t *testing.T) {
	codec := NewTelemetryCodec(WithChecksum(true))
	h := inter.Header{Type: inter.MsgData, DeviceID: 5, Seq: 10, Timestamp: 1700000000, BatchCount: 2}
	buf := codec.EncodePacket(h, sampleReadings(2))

	if _, err := codec.DecodeHeader(buf); err != nil {
		t.Fatalf("clean packet rejected: %v", err)
	}

	buf[inter.HeaderSize+1] ^= 0xFF
	if _, err := codec.DecodeHeader(buf); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expect ErrChecksumMismatch, got %v", err)
	}
}

// 测试：保留字段为 0 的报文按未签名处理
func TestChecksum_AcceptsUnstamped(t *testing.T) {
	plain := NewTelemetryCodec()
	verifying := NewTelemetryCodec(WithChecksum(true))
	buf := plain.EncodePacket(inter.Header{Type: inter.MsgHeartbeat, DeviceID: 1, Seq: 3, BatchCount: 1}, sampleReadings(1))

	if _, err := verifying.DecodeHeader(buf); err != nil {
		t.Errorf("unstamped packet rejected: %v", err)
	}
}

// 测试：未启用校验时输出与基础格式一致
func TestEncodePacket_DefaultReservedZero(t *testing.T) {
	codec := NewTelemetryCodec()
	buf := codec.EncodePacket(inter.Header{Type: inter.MsgData, Seq: 2, BatchCount: 1, Reserved: 0xBEEF}, sampleReadings(1))
	if buf[10] != 0 || buf[11] != 0 {
		t.Errorf("reserved bytes must be zero, got %x", buf[10:12])
	}
}

func TestMsgType(t *testing.T) {
	if !inter.MsgEnd.Valid() || inter.MsgType(5).Valid() {
		t.Error("Valid boundary wrong")
	}
	if inter.MsgData.String() != "DATA" {
		t.Errorf("String: got %s", inter.MsgData.String())
	}
}

// 测试：并发安全性 (Codec 应该是无状态的)
func TestConcurrency(t *testing.T) {
	codec := NewTelemetryCodec(WithChecksum(true))
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func(seq uint16) {
			defer func() { done <- struct{}{} }()
			buf := codec.EncodePacket(inter.Header{Type: inter.MsgData, Seq: seq, BatchCount: 1}, sampleReadings(1))
			if _, err := codec.DecodeHeader(buf); err != nil {
				t.Errorf("decode failed: %v", err)
			}
		}(uint16(i))
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

// =============================================================================
// 性能测试 (Benchmarks)
// =============================================================================

func BenchmarkEncodePacket_Batch10(b *testing.B) {
	codec := NewTelemetryCodec()
	readings := sampleReadings(10)
	h := inter.Header{Type: inter.MsgData, BatchCount: 10}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Seq = uint16(i)
		_ = codec.EncodePacket(h, readings)
	}
}

func BenchmarkDecode_Batch10_Checksum(b *testing.B) {
	codec := NewTelemetryCodec(WithChecksum(true))
	buf := codec.EncodePacket(inter.Header{Type: inter.MsgData, BatchCount: 10}, sampleReadings(10))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _ := codec.DecodeHeader(buf)
		_, _ = codec.DecodeReadings(h, buf)
	}
}
