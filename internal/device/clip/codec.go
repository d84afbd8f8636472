// Package clip 实现空调类设备使用的 JSON 信封 + 十六进制 TLV 帧格式
package clip

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arrudagates/ponder/internal/device"
)

const CodecName = "clip-tlv"

const (
	cmdDevicePacket = "device_packet"
	cmdPacket       = "packet"
	// 查询帧中请求全量上报的寄存器
	queryTag   uint16 = 0x1f5
	queryValue uint32 = 2
)

var ErrUnexpectedOp = errors.New("unexpected frame operation")

// Envelope 是设备与云端之间的 JSON 信封
type Envelope struct {
	DID  string          `json:"did"`
	MID  int64           `json:"mid"`
	Cmd  string          `json:"cmd"`
	Type int             `json:"type"`
	Data json.RawMessage `json:"data"`
}

func init() {
	device.RegisterCodec(CodecName, New)
}

type Codec struct {
	def *device.Definition
	now func() time.Time
}

func New(def *device.Definition) (device.Codec, error) {
	for _, c := range def.Capabilities {
		if c.Tag == 0 {
			return nil, fmt.Errorf("%w %s: capability %s needs a register tag", device.ErrInvalidDefinition, def.Model, c.Name)
		}
	}
	if def.CommandTopic == "" {
		return nil, fmt.Errorf("%w %s: command_topic is required", device.ErrInvalidDefinition, def.Model)
	}
	return &Codec{def: def, now: time.Now}, nil
}

// Decode 解析上行信封。report 和 set 帧更新寄存器，query 帧不携带状态。
func (c *Codec) Decode(deviceID string, payload []byte, regs device.Registers) (*device.Decoded, error) {
	payload = bytes.TrimRight(payload, "\x00")
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("envelope is not valid json: %w", err)
	}
	if env.Cmd != cmdDevicePacket && env.Cmd != cmdPacket {
		return nil, fmt.Errorf("%w: envelope cmd %q", device.ErrNoState, env.Cmd)
	}
	if env.DID != "" && env.DID != deviceID {
		return nil, fmt.Errorf("envelope did %q does not match device %s", env.DID, deviceID)
	}

	var data string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("envelope data is not a string: %w", err)
	}
	buf, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("envelope data is not hex: %w", err)
	}
	frame, err := ParseFrame(buf)
	if err != nil {
		return nil, err
	}

	switch frame.Op {
	case OpReport, OpSet:
	case OpQuery:
		return nil, fmt.Errorf("%w: query frame", device.ErrNoState)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnexpectedOp, frame.Op)
	}

	merged := regs.Clone()
	touched := make(map[uint16]struct{}, len(frame.Elements))
	for _, el := range frame.Elements {
		merged[el.Tag] = el.Value
		touched[el.Tag] = struct{}{}
	}

	fields := make(map[string]any)
	for tag := range touched {
		if capability, ok := c.def.CapabilityByTag(tag); ok {
			c.expose(capability, merged, fields)
		}
		// 电源变化后重新计算依赖它的模式
		for _, dep := range c.def.Dependents(tag) {
			c.expose(dep, merged, fields)
		}
	}
	return &device.Decoded{Fields: fields, Registers: merged}, nil
}

func (c *Codec) expose(capability *device.Capability, regs device.Registers, fields map[string]any) {
	if !capability.Readable {
		return
	}
	raw, ok := regs[capability.Tag]
	if !ok {
		return
	}
	fields[capability.Name] = capability.FromRaw(raw, regs)
}

// Encode 生成写入帧。派生取值先被展开：写入 off 变为关闭电源，
// 电源关闭时写入其他取值会先发送恢复电源的帧。
func (c *Codec) Encode(deviceID string, capability *device.Capability, value any, regs device.Registers) (*device.Encoded, error) {
	regs = regs.Clone()
	var messages []device.Outbound

	if ov := capability.Override; ov != nil {
		target, ok := c.def.CapabilityByTag(ov.Tag)
		if !ok {
			return nil, fmt.Errorf("override of %s refers to unknown tag 0x%x", capability.Name, ov.Tag)
		}
		if s, isString := value.(string); isString && s == ov.Value {
			msg, err := c.write(deviceID, target, ov.Raw, regs)
			if err != nil {
				return nil, err
			}
			regs[ov.Tag] = ov.Raw
			return &device.Encoded{Messages: []device.Outbound{msg}, Registers: regs}, nil
		}
		if current, ok := regs[ov.Tag]; ok && current == ov.Raw {
			msg, err := c.write(deviceID, target, ov.Restore, regs)
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
			regs[ov.Tag] = ov.Restore
		}
	}

	raw, err := capability.ToRaw(value)
	if err != nil {
		return nil, err
	}
	msg, err := c.write(deviceID, capability, raw, regs)
	if err != nil {
		return nil, err
	}
	regs[capability.Tag] = raw
	messages = append(messages, msg)
	return &device.Encoded{Messages: messages, Registers: regs}, nil
}

// write 生成一个 set 帧，附带的寄存器取最近上报的值，未知的不发送
func (c *Codec) write(deviceID string, capability *device.Capability, raw uint32, regs device.Registers) (device.Outbound, error) {
	elements := []TLV{{Tag: capability.Tag, Value: raw}}
	if !(capability.SkipCompanionsOnZero && raw == 0) {
		for _, tag := range capability.Companions {
			if v, ok := regs[tag]; ok {
				elements = append(elements, TLV{Tag: tag, Value: v})
			}
		}
	}
	return c.envelope(deviceID, SetHeader, elements)
}

// Query 生成请求全量上报的查询帧
func (c *Codec) Query(deviceID string) ([]device.Outbound, error) {
	msg, err := c.envelope(deviceID, QueryHeader, []TLV{{Tag: queryTag, Value: queryValue}})
	if err != nil {
		return nil, err
	}
	return []device.Outbound{msg}, nil
}

func (c *Codec) envelope(deviceID string, header [5]byte, elements []TLV) (device.Outbound, error) {
	frame, err := BuildFrame(header, elements)
	if err != nil {
		return device.Outbound{}, err
	}
	data, _ := json.Marshal(hex.EncodeToString(frame))
	payload, err := json.Marshal(Envelope{
		DID:  deviceID,
		MID:  c.now().UnixMilli(),
		Cmd:  cmdPacket,
		Type: 1,
		Data: data,
	})
	if err != nil {
		return device.Outbound{}, err
	}
	return device.Outbound{Topic: c.def.CommandTopicFor(deviceID), Payload: payload, QoS: 0}, nil
}
