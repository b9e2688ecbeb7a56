package inter

import "fmt"

// =============================================================================
// Goster-Telemetry 协议常量与类型定义
// =============================================================================

const (
	// HeaderSize 固定头部大小 (12 Bytes)
	HeaderSize = 12
	// ReadingSize 单条采样记录大小 (12 Bytes)
	ReadingSize = 12
	// AckSize ACK 报文大小 (5 Bytes)
	AckSize = 5
	// MaxDatagramSize 服务端单次读取的缓冲区大小
	MaxDatagramSize = 2048
	// MaxBatchCount batch_count 字段可表示的最大记录数
	MaxBatchCount = 255
)

// MsgType 报文类型
type MsgType uint8

const (
	// MsgInit 设备上线注册
	MsgInit MsgType = iota
	// MsgData 批量采样数据
	MsgData
	// MsgHeartbeat 心跳
	MsgHeartbeat
	// MsgAck 服务端确认
	MsgAck
	// MsgEnd 设备结束本次会话
	MsgEnd
)

func (t MsgType) String() string {
	switch t {
	case MsgInit:
		return "INIT"
	case MsgData:
		return "DATA"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgAck:
		return "ACK"
	case MsgEnd:
		return "END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid 报告该类型是否为协议定义的类型
func (t MsgType) Valid() bool {
	return t <= MsgEnd
}

// Header 表示一个解码后的报文头部
// 线上布局: u8 msg_type | u16 device_id | u16 seq | u32 timestamp | u8 batch_count | 2B reserved
type Header struct {
	Type       MsgType
	DeviceID   uint16
	Seq        uint16
	Timestamp  uint32 // Unix 秒
	BatchCount uint8
	// Reserved 保留字段，启用完整性校验时承载 CRC16
	Reserved uint16
}

// Reading 单条传感器采样记录
type Reading struct {
	Temp      float32
	Hum       float32
	Timestamp uint32 // 采样时刻 Unix 秒
}

// Ack 服务端对 DATA 报文的确认
type Ack struct {
	DeviceID uint16
	Seq      uint16
}

// PacketCodec 定义了协议封包与解包的核心接口
type PacketCodec interface {
	// EncodePacket 将头部与采样记录封装为一个完整的数据报
	EncodePacket(h Header, readings []Reading) []byte

	// DecodeHeader 解析数据报头部
	DecodeHeader(datagram []byte) (Header, error)

	// DecodeReadings 解析头部之后的 batch_count 条记录
	// 数据不足时返回已成功解析的记录以及 ErrTruncatedBatch
	DecodeReadings(h Header, datagram []byte) ([]Reading, error)

	// EncodeAck / DecodeAck 处理 5 字节的 ACK 报文
	EncodeAck(a Ack) []byte
	DecodeAck(datagram []byte) (Ack, error)
}
