package protocol

import (
	"encoding/binary"
	"math"

	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
)

// 头部字段偏移 (网络字节序)
const (
	offType      = 0
	offDeviceID  = 1
	offSeq       = 3
	offTimestamp = 5
	offBatch     = 9
	offReserved  = 10
)

// 初始化 Modbus CRC16 表
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// TelemetryCodec 实现 inter.PacketCodec 接口
type TelemetryCodec struct {
	stamp  bool
	verify bool
}

// Option 配置 TelemetryCodec
type Option func(*TelemetryCodec)

// WithChecksum 在保留字段中写入 CRC16，并在解码时校验非零的保留字段
func WithChecksum(enabled bool) Option {
	return func(c *TelemetryCodec) {
		c.stamp = enabled
		c.verify = enabled
	}
}

// NewTelemetryCodec 创建一个新的编解码器实例，默认输出与基础格式逐字节一致
func NewTelemetryCodec(opts ...Option) *TelemetryCodec {
	c := &TelemetryCodec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncodeHeader 将头部编码为 12 字节
func EncodeHeader(h inter.Header) []byte {
	buf := make([]byte, inter.HeaderSize)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h inter.Header) {
	buf[offType] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[offDeviceID:], h.DeviceID)
	binary.BigEndian.PutUint16(buf[offSeq:], h.Seq)
	binary.BigEndian.PutUint32(buf[offTimestamp:], h.Timestamp)
	buf[offBatch] = h.BatchCount
	binary.BigEndian.PutUint16(buf[offReserved:], h.Reserved)
}

// DecodeHeader 解析 12 字节头部，不足时返回 ErrMalformedPacket
func DecodeHeader(b []byte) (inter.Header, error) {
	if len(b) < inter.HeaderSize {
		return inter.Header{}, errors.Wrapf(ErrMalformedPacket, "header needs %d bytes, got %d", inter.HeaderSize, len(b))
	}
	return inter.Header{
		Type:       inter.MsgType(b[offType]),
		DeviceID:   binary.BigEndian.Uint16(b[offDeviceID:]),
		Seq:        binary.BigEndian.Uint16(b[offSeq:]),
		Timestamp:  binary.BigEndian.Uint32(b[offTimestamp:]),
		BatchCount: b[offBatch],
		Reserved:   binary.BigEndian.Uint16(b[offReserved:]),
	}, nil
}

// EncodeReading 将一条采样记录编码为 12 字节
func EncodeReading(r inter.Reading) []byte {
	buf := make([]byte, inter.ReadingSize)
	putReading(buf, r)
	return buf
}

func putReading(buf []byte, r inter.Reading) {
	binary.BigEndian.PutUint32(buf[0:], math.Float32bits(r.Temp))
	binary.BigEndian.PutUint32(buf[4:], math.Float32bits(r.Hum))
	binary.BigEndian.PutUint32(buf[8:], r.Timestamp)
}

// DecodeReading 解析一条采样记录，不足 12 字节时返回 ErrMalformedPacket
func DecodeReading(b []byte) (inter.Reading, error) {
	if len(b) < inter.ReadingSize {
		return inter.Reading{}, errors.Wrapf(ErrMalformedPacket, "reading needs %d bytes, got %d", inter.ReadingSize, len(b))
	}
	return inter.Reading{
		Temp:      math.Float32frombits(binary.BigEndian.Uint32(b[0:])),
		Hum:       math.Float32frombits(binary.BigEndian.Uint32(b[4:])),
		Timestamp: binary.BigEndian.Uint32(b[8:]),
	}, nil
}

// EncodePacket 头部 + 采样记录。batch_count 取 h.BatchCount 原值。
func (c *TelemetryCodec) EncodePacket(h inter.Header, readings []inter.Reading) []byte {
	buf := make([]byte, inter.HeaderSize+len(readings)*inter.ReadingSize)
	h.Reserved = 0
	putHeader(buf, h)
	for i, r := range readings {
		off := inter.HeaderSize + i*inter.ReadingSize
		putReading(buf[off:off+inter.ReadingSize], r)
	}
	if c.stamp {
		binary.BigEndian.PutUint16(buf[offReserved:], datagramChecksum(buf))
	}
	return buf
}

// DecodeHeader 解析头部；启用校验时同时验证保留字段中的 CRC16
func (c *TelemetryCodec) DecodeHeader(datagram []byte) (inter.Header, error) {
	h, err := DecodeHeader(datagram)
	if err != nil {
		return h, err
	}
	// 保留字段为 0 视为未签名的报文
	if c.verify && h.Reserved != 0 {
		if sum := datagramChecksum(datagram); sum != h.Reserved {
			return h, errors.Wrapf(ErrChecksumMismatch, "expected 0x%04X, actual 0x%04X", h.Reserved, sum)
		}
	}
	return h, nil
}

// DecodeReadings 按 batch_count 解析记录。数据不足时停止解析，
// 返回已解析的记录以及 ErrTruncatedBatch。
func (c *TelemetryCodec) DecodeReadings(h inter.Header, datagram []byte) ([]inter.Reading, error) {
	readings := make([]inter.Reading, 0, h.BatchCount)
	for i := 0; i < int(h.BatchCount); i++ {
		off := inter.HeaderSize + i*inter.ReadingSize
		if off+inter.ReadingSize > len(datagram) {
			return readings, errors.Wrapf(ErrTruncatedBatch, "declared %d readings, %d fit in %d bytes",
				h.BatchCount, len(readings), len(datagram))
		}
		r, err := DecodeReading(datagram[off : off+inter.ReadingSize])
		if err != nil {
			return readings, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// EncodeAck 编码 5 字节 ACK
func (c *TelemetryCodec) EncodeAck(a inter.Ack) []byte {
	buf := make([]byte, inter.AckSize)
	buf[0] = uint8(inter.MsgAck)
	binary.BigEndian.PutUint16(buf[1:], a.DeviceID)
	binary.BigEndian.PutUint16(buf[3:], a.Seq)
	return buf
}

// DecodeAck 解析 ACK；长度不足或类型不是 ACK 时返回 ErrMalformedPacket
func (c *TelemetryCodec) DecodeAck(datagram []byte) (inter.Ack, error) {
	if len(datagram) < inter.AckSize {
		return inter.Ack{}, errors.Wrapf(ErrMalformedPacket, "ack needs %d bytes, got %d", inter.AckSize, len(datagram))
	}
	if t := inter.MsgType(datagram[0]); t != inter.MsgAck {
		return inter.Ack{}, errors.Wrapf(ErrMalformedPacket, "expected ACK, got %s", t)
	}
	return inter.Ack{
		DeviceID: binary.BigEndian.Uint16(datagram[1:]),
		Seq:      binary.BigEndian.Uint16(datagram[3:]),
	}, nil
}

// datagramChecksum 计算整个数据报的 CRC16/MODBUS，保留字段按 0 参与计算
func datagramChecksum(datagram []byte) uint16 {
	crc := crc16.Init(modbusTable)
	crc = crc16.Update(crc, datagram[:offReserved], modbusTable)
	crc = crc16.Update(crc, []byte{0, 0}, modbusTable)
	crc = crc16.Update(crc, datagram[inter.HeaderSize:], modbusTable)
	return crc16.Complete(crc, modbusTable)
}
