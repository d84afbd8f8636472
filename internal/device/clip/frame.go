package clip

import (
	"errors"
	"fmt"
)

const (
	DirectionOutbound byte = 0x65

	OpSet    byte = 0x01
	OpQuery  byte = 0x02
	OpReport byte = 0x04

	// 两字节前缀 + 9 字节头 + 2 字节校验
	frameOverhead = 13
)

var (
	ErrShortFrame     = errors.New("frame too short")
	ErrBadMagic       = errors.New("unexpected frame header")
	ErrBadDirection   = errors.New("unexpected frame direction")
	ErrLengthMismatch = errors.New("frame length mismatch")
)

var (
	SetHeader   = [5]byte{1, 1, 2, OpSet, 1}
	QueryHeader = [5]byte{1, 1, 2, OpQuery, 1}
)

// Frame 是解析后的设备帧
type Frame struct {
	Prefix    [2]byte
	Direction byte
	H1        byte
	Op        byte
	H3        byte
	Elements  []TLV
	CRC       uint16
}

func inbound(dir byte) bool {
	// 空调发送 0x87，其他型号发送 0xA7
	return dir == 0x87 || dir == 0xA7
}

// ParseFrame 解析设备上行帧，校验固定头和长度字节。校验和不做验证。
func ParseFrame(buf []byte) (*Frame, error) {
	if len(buf) < frameOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	if buf[2] != 0x04 || buf[3] != 0x00 || buf[4] != 0x00 || buf[5] != 0x00 {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, buf[2:6])
	}
	if !inbound(buf[6]) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadDirection, buf[6])
	}
	if int(buf[10]) != len(buf)-frameOverhead {
		return nil, fmt.Errorf("%w: header says %d, frame carries %d", ErrLengthMismatch, buf[10], len(buf)-frameOverhead)
	}
	elements, err := ParseTLV(buf[11 : len(buf)-2])
	if err != nil {
		return nil, err
	}
	return &Frame{
		Prefix:    [2]byte{buf[0], buf[1]},
		Direction: buf[6],
		H1:        buf[7],
		Op:        buf[8],
		H3:        buf[9],
		Elements:  elements,
		CRC:       uint16(buf[len(buf)-2])<<8 | uint16(buf[len(buf)-1]),
	}, nil
}

// BuildFrame 生成下行帧：前缀、固定头、TLV，末尾为除前缀外内容的 CRC
func BuildFrame(header [5]byte, elements []TLV) ([]byte, error) {
	body := BuildTLV(elements)
	if len(body) > 0xFF {
		return nil, fmt.Errorf("tlv body of %d bytes does not fit in a frame", len(body))
	}
	buf := make([]byte, 0, frameOverhead+len(body))
	buf = append(buf, header[0], header[1])
	buf = append(buf, 0x04, 0x00, 0x00, 0x00, DirectionOutbound, header[2], header[3], header[4], byte(len(body)))
	buf = append(buf, body...)
	crc := CRC16(buf[2:])
	buf = append(buf, byte(crc>>8), byte(crc))
	return buf, nil
}
