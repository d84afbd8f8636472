package clip

import "errors"

var ErrTruncatedTLV = errors.New("truncated tlv element")

// TLV 是一个寄存器元素：10 位标签和最多 24 位的值
type TLV struct {
	Tag   uint16
	Value uint32
}

// ParseTLV 解析 TLV 序列。头部 2 字节：高 10 位为标签，接着 2 位为值长度，
// 长度为 0 时值内联在低 4 位，否则随后 1 到 3 字节大端存放值。
func ParseTLV(buf []byte) ([]TLV, error) {
	out := make([]TLV, 0, len(buf)/2)
	for i := 0; i < len(buf); {
		if i+2 > len(buf) {
			return out, ErrTruncatedTLV
		}
		b0, b1 := buf[i], buf[i+1]
		tag := uint16(b0)<<2 | uint16(b1)>>6
		n := int((b1 >> 4) & 0x03)
		if i+2+n > len(buf) {
			return out, ErrTruncatedTLV
		}
		var v uint32
		if n == 0 {
			v = uint32(b1 & 0x0F)
		} else {
			for _, b := range buf[i+2 : i+2+n] {
				v = v<<8 | uint32(b)
			}
		}
		out = append(out, TLV{Tag: tag, Value: v})
		i += 2 + n
	}
	return out, nil
}

// BuildTLV 按最短形式编码 TLV 序列
func BuildTLV(elements []TLV) []byte {
	out := make([]byte, 0, len(elements)*4)
	for _, el := range elements {
		out = append(out, byte(el.Tag>>2))
		tl := byte(el.Tag&0x03) << 6
		v := el.Value
		switch {
		case v < 0x10:
			out = append(out, tl|byte(v))
		case v < 0x100:
			out = append(out, tl|0x10, byte(v))
		case v < 0x10000:
			out = append(out, tl|0x20, byte(v>>8), byte(v))
		default:
			out = append(out, tl|0x30, byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return out
}
