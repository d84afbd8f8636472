package mqtt

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	ErrMalformedLength = errors.New("the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge  = errors.New("packet exceeds the maximum packet size")
	ErrInvalidFlags    = errors.New("invalid fixed header flags")
	ErrUnknownPacket   = errors.New("unknown packet type")
	ErrMalformedPacket = errors.New("malformed packet")
)

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrMalformedLength
}

// IsProtocolError 判断 ReadFrame 的错误是否来自报文本身而非传输层
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedLength) ||
		errors.Is(err, ErrPacketTooLarge) ||
		errors.Is(err, ErrInvalidFlags) ||
		errors.Is(err, ErrUnknownPacket) ||
		errors.Is(err, ErrMalformedPacket)
}

func EncodeRemainingLength(x int) []byte {
	var buf [4]byte
	i := 0
	for {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
		if x == 0 || i == 4 {
			break
		}
	}
	return buf[:i]
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	if flags&^allowed != 0 {
		return false
	}
	required := requiredFlags[pt]
	return flags&required == required
}

// ReadFrame 读取一个完整的控制报文。固定头在交给 packets 解析前完成校验，
// 超过 maxSize 的报文体不会被读入内存。maxSize <= 0 表示不限制。
func ReadFrame(r io.Reader, maxSize int) (packets.ControlPacket, error) {
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	pt := PacketType(typeAndFlags >> 4)
	flags := typeAndFlags & 0x0F
	if _, ok := PacketTypeMap[pt]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, byte(pt))
	}
	if !ValidateFlags(pt, flags) {
		return nil, fmt.Errorf("%w: flags %04b of %s packet", ErrInvalidFlags, flags, pt)
	}
	if pt == PUBLISH && (flags>>1)&0x03 == 3 {
		return nil, fmt.Errorf("%w: PUBLISH with QoS 3", ErrInvalidFlags)
	}

	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	header := append([]byte{typeAndFlags}, EncodeRemainingLength(remaining)...)
	pkt, err := packets.ReadPacket(io.MultiReader(bytes.NewReader(header), bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s packet: %w", ErrMalformedPacket, pt, err)
	}
	return pkt, nil
}

// WriteFrame 将报文编码后一次性写出
func WriteFrame(w io.Writer, pkt packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
