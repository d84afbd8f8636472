package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Registers 是设备最近一次上报的原始寄存器值，按标签索引
type Registers map[uint16]uint32

func (r Registers) Clone() Registers {
	if r == nil {
		return Registers{}
	}
	return maps.Clone(r)
}

// Decoded 是一次解码的结果：变化的规范字段和合并后的寄存器
type Decoded struct {
	Fields    map[string]any
	Registers Registers
}

// Outbound 是编码器生成的一条待发布消息
type Outbound struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Encoded 是一次编码的结果，Registers 为发送后预期的寄存器值
type Encoded struct {
	Messages  []Outbound
	Registers Registers
}

// Codec 在设备报文和规范字段之间转换，每个定义持有一个实例
type Codec interface {
	Decode(deviceID string, payload []byte, regs Registers) (*Decoded, error)
	Encode(deviceID string, c *Capability, value any, regs Registers) (*Encoded, error)
}

// Querier 由能主动查询设备全量状态的编解码器实现
type Querier interface {
	Query(deviceID string) ([]Outbound, error)
}

type CodecFactory func(def *Definition) (Codec, error)

var (
	codecsMu sync.RWMutex
	codecs   = map[string]CodecFactory{}
)

// RegisterCodec 按名称注册编解码器，通常在包的 init 中调用
func RegisterCodec(name string, factory CodecFactory) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if _, dup := codecs[name]; dup {
		panic("device: codec registered twice: " + name)
	}
	codecs[name] = factory
}

func NewCodec(def *Definition) (Codec, error) {
	codecsMu.RLock()
	factory, ok := codecs[def.Codec]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q for model %s", ErrUnknownCodec, def.Codec, def.Model)
	}
	return factory(def)
}

func Codecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterCodec("json", newJSONCodec)
}

// jsonCodec 处理以能力 key 为字段名的扁平 JSON 对象
type jsonCodec struct {
	def *Definition
}

func newJSONCodec(def *Definition) (Codec, error) {
	for _, c := range def.Capabilities {
		if c.Key == "" {
			return nil, fmt.Errorf("%w %s: capability %s needs a key for the json codec", ErrInvalidDefinition, def.Model, c.Name)
		}
	}
	return &jsonCodec{def: def}, nil
}

func (jc *jsonCodec) Decode(_ string, payload []byte, regs Registers) (*Decoded, error) {
	payload = bytes.TrimRight(payload, "\x00")
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("payload is not a json object: %w", err)
	}

	fields := make(map[string]any)
	for key, raw := range doc {
		c, ok := jc.def.CapabilityByKey(key)
		if !ok || !c.Readable {
			continue
		}
		value, err := decodeJSONValue(c, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		fields[c.Name] = value
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no known fields", ErrNoState)
	}
	return &Decoded{Fields: fields, Registers: regs}, nil
}

func decodeJSONValue(c *Capability, raw json.RawMessage) (any, error) {
	switch c.Kind {
	case KindNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: expected number", ErrInvalidValue)
		}
		return f * c.Scale, nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: expected boolean", ErrInvalidValue)
		}
		return b, nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: expected string", ErrInvalidValue)
		}
		if c.Kind == KindEnum {
			if _, err := c.Parse(s); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

func (jc *jsonCodec) Encode(deviceID string, c *Capability, value any, regs Registers) (*Encoded, error) {
	if f, ok := value.(float64); ok {
		value = f / c.Scale
	}
	payload, err := json.Marshal(map[string]any{c.Key: value})
	if err != nil {
		return nil, err
	}
	return &Encoded{
		Messages:  []Outbound{{Topic: jc.def.CommandTopicOf(c, deviceID), Payload: payload, QoS: 1}},
		Registers: regs,
	}, nil
}
