package protocol

import "github.com/pkg/errors"

var (
	// ErrMalformedPacket 数据报短于固定头部 (或 ACK) 长度
	ErrMalformedPacket = errors.New("protocol: malformed packet")

	// ErrTruncatedBatch 声明的 batch_count 超出数据报实际承载的记录数
	ErrTruncatedBatch = errors.New("protocol: truncated batch")

	// ErrUnknownMessageType 未定义的 msg_type
	ErrUnknownMessageType = errors.New("protocol: unknown message type")

	// ErrChecksumMismatch 保留字段中的 CRC16 与内容不符
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
)
