package device

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const IDPlaceholder = "{id}"

type Kind string

const (
	KindNumber Kind = "number"
	KindEnum   Kind = "enum"
	KindBool   Kind = "bool"
	KindString Kind = "string"
)

// EnumValue 把寄存器原始值映射为对外的取值
type EnumValue struct {
	Raw   uint32 `yaml:"raw" json:"raw"`
	Value string `yaml:"value" json:"value"`
}

// Override 描述由另一个寄存器派生的取值。
// 例如空调在电源寄存器为 0 时，模式对外显示为 off；写入 off 实际是关闭电源，
// 电源关闭时写入其他模式需要先写入 Restore 恢复电源。
type Override struct {
	Tag     uint16 `yaml:"tag" json:"tag"`
	Raw     uint32 `yaml:"raw" json:"raw"`
	Value   string `yaml:"value" json:"value"`
	Restore uint32 `yaml:"restore" json:"restore"`
}

// Discovery 覆盖 Home Assistant 发现配置中该能力使用的键名
type Discovery struct {
	StateKey   string `yaml:"state_key,omitempty" json:"state_key,omitempty"`
	CommandKey string `yaml:"command_key,omitempty" json:"command_key,omitempty"`
}

type Capability struct {
	Name     string      `yaml:"name" json:"name"`
	Kind     Kind        `yaml:"kind,omitempty" json:"kind"`
	Key      string      `yaml:"key,omitempty" json:"key,omitempty"`
	Tag      uint16      `yaml:"tag,omitempty" json:"tag,omitempty"`
	Readable bool        `yaml:"readable" json:"readable"`
	Writable bool        `yaml:"writable" json:"writable"`
	Scale    float64     `yaml:"scale,omitempty" json:"scale,omitempty"`
	Min      *float64    `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64    `yaml:"max,omitempty" json:"max,omitempty"`
	Unit     string      `yaml:"unit,omitempty" json:"unit,omitempty"`
	Values   []EnumValue `yaml:"values,omitempty" json:"values,omitempty"`
	// Companions 是写入时需要一并发送的寄存器，取最近一次上报的值
	Companions []uint16 `yaml:"companions,omitempty" json:"companions,omitempty"`
	// SkipCompanionsOnZero 为 true 时写入原始值 0 不附带 Companions
	SkipCompanionsOnZero bool       `yaml:"skip_companions_on_zero,omitempty" json:"skip_companions_on_zero,omitempty"`
	Override             *Override  `yaml:"override,omitempty" json:"override,omitempty"`
	CommandTopic         string     `yaml:"command_topic,omitempty" json:"command_topic,omitempty"`
	Discovery            *Discovery `yaml:"discovery,omitempty" json:"discovery,omitempty"`
}

// Definition 是一种设备型号的声明式描述，加载后不可变
type Definition struct {
	Model        string         `yaml:"model" json:"model"`
	Name         string         `yaml:"name" json:"name"`
	Manufacturer string         `yaml:"manufacturer,omitempty" json:"manufacturer,omitempty"`
	Class        string         `yaml:"class" json:"class"`
	Codec        string         `yaml:"codec" json:"codec"`
	StateTopic   string         `yaml:"state_topic" json:"state_topic"`
	CommandTopic string         `yaml:"command_topic" json:"command_topic"`
	Discovery    map[string]any `yaml:"discovery,omitempty" json:"discovery,omitempty"`
	Capabilities []Capability   `yaml:"capabilities" json:"capabilities"`

	byName map[string]*Capability
	byTag  map[uint16]*Capability
	byKey  map[string]*Capability
}

// ParseDefinition 解析并校验 YAML 定义
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.init(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) init() error {
	var errs []error
	if d.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if d.Codec == "" {
		errs = append(errs, errors.New("codec is required"))
	}
	if strings.Count(d.StateTopic, IDPlaceholder) != 1 {
		errs = append(errs, fmt.Errorf("state_topic %q must contain %s exactly once", d.StateTopic, IDPlaceholder))
	}
	if d.CommandTopic != "" && !strings.Contains(d.CommandTopic, IDPlaceholder) {
		errs = append(errs, fmt.Errorf("command_topic %q must contain %s", d.CommandTopic, IDPlaceholder))
	}

	d.byName = make(map[string]*Capability, len(d.Capabilities))
	d.byTag = make(map[uint16]*Capability)
	d.byKey = make(map[string]*Capability)
	for i := range d.Capabilities {
		c := &d.Capabilities[i]
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("capabilities[%d]: name is required", i))
			continue
		}
		if _, dup := d.byName[c.Name]; dup {
			errs = append(errs, fmt.Errorf("capability %s defined twice", c.Name))
		}
		if c.Kind == "" {
			if len(c.Values) > 0 {
				c.Kind = KindEnum
			} else {
				c.Kind = KindNumber
			}
		}
		switch c.Kind {
		case KindNumber, KindBool, KindString:
		case KindEnum:
			if len(c.Values) == 0 {
				errs = append(errs, fmt.Errorf("capability %s: enum without values", c.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("capability %s: unknown kind %q", c.Name, c.Kind))
		}
		if c.Scale == 0 {
			c.Scale = 1
		}
		if c.Writable && c.CommandTopic == "" && d.CommandTopic == "" {
			errs = append(errs, fmt.Errorf("capability %s is writable but no command topic is defined", c.Name))
		}
		d.byName[c.Name] = c
		if c.Tag != 0 {
			d.byTag[c.Tag] = c
		}
		if c.Key != "" {
			d.byKey[c.Key] = c
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %w", ErrInvalidDefinition, d.Model, errors.Join(errs...))
	}
	return nil
}

func (d *Definition) Capability(name string) (*Capability, bool) {
	c, ok := d.byName[name]
	return c, ok
}

func (d *Definition) CapabilityByTag(tag uint16) (*Capability, bool) {
	c, ok := d.byTag[tag]
	return c, ok
}

func (d *Definition) CapabilityByKey(key string) (*Capability, bool) {
	c, ok := d.byKey[key]
	return c, ok
}

// Dependents 返回取值依赖 tag 寄存器的能力
func (d *Definition) Dependents(tag uint16) []*Capability {
	var out []*Capability
	for i := range d.Capabilities {
		c := &d.Capabilities[i]
		if c.Override != nil && c.Override.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func (d *Definition) StateTopicFor(id string) string {
	return strings.ReplaceAll(d.StateTopic, IDPlaceholder, id)
}

func (d *Definition) CommandTopicFor(id string) string {
	return strings.ReplaceAll(d.CommandTopic, IDPlaceholder, id)
}

// CommandTopicOf 返回能力的命令主题，未单独配置时使用型号的命令主题
func (d *Definition) CommandTopicOf(c *Capability, id string) string {
	if c.CommandTopic != "" {
		return strings.ReplaceAll(c.CommandTopic, IDPlaceholder, id)
	}
	return d.CommandTopicFor(id)
}

// MatchStateTopic 从状态主题中提取设备标识
func (d *Definition) MatchStateTopic(topic string) (string, bool) {
	prefix, suffix, _ := strings.Cut(d.StateTopic, IDPlaceholder)
	if len(topic) <= len(prefix)+len(suffix) ||
		!strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
		return "", false
	}
	id := topic[len(prefix) : len(topic)-len(suffix)]
	if strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Parse 校验外部输入并转换为规范取值：number 为 float64，bool 为 bool，其余为 string
func (c *Capability) Parse(value string) (any, error) {
	value = strings.TrimSpace(value)
	switch c.Kind {
	case KindNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, value)
		}
		if c.Min != nil && f < *c.Min {
			return nil, fmt.Errorf("%w: %v is below %v", ErrInvalidValue, f, *c.Min)
		}
		if c.Max != nil && f > *c.Max {
			return nil, fmt.Errorf("%w: %v is above %v", ErrInvalidValue, f, *c.Max)
		}
		return f, nil
	case KindEnum:
		if c.Override != nil && value == c.Override.Value {
			return value, nil
		}
		for _, v := range c.Values {
			if v.Value == value {
				return value, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not one of %v", ErrInvalidValue, value, c.Options())
	case KindBool:
		b, err := parseBool(value)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return value, nil
	}
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, value)
}

// Options 返回枚举的全部对外取值，含派生值
func (c *Capability) Options() []string {
	out := make([]string, 0, len(c.Values)+1)
	for _, v := range c.Values {
		out = append(out, v.Value)
	}
	if c.Override != nil {
		out = append(out, c.Override.Value)
	}
	return out
}

// ToRaw 把规范取值转换为寄存器原始值
func (c *Capability) ToRaw(value any) (uint32, error) {
	switch v := value.(type) {
	case float64:
		raw := math.Round(v / c.Scale)
		if raw < 0 || raw > 0xFFFFFF {
			return 0, fmt.Errorf("%w: %v out of register range", ErrInvalidValue, v)
		}
		return uint32(raw), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		for _, e := range c.Values {
			if e.Value == v {
				return e.Raw, nil
			}
		}
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %v has no raw encoding for %s", ErrInvalidValue, value, c.Name)
}

// FromRaw 把寄存器原始值转换为规范取值。未知的枚举值退化为原始数字的字符串形式。
func (c *Capability) FromRaw(raw uint32, regs Registers) any {
	if c.Override != nil {
		if v, ok := regs[c.Override.Tag]; ok && v == c.Override.Raw {
			return c.Override.Value
		}
	}
	switch c.Kind {
	case KindEnum:
		for _, e := range c.Values {
			if e.Raw == raw {
				return e.Value
			}
		}
		return strconv.FormatUint(uint64(raw), 10)
	case KindBool:
		return raw != 0
	case KindString:
		return strconv.FormatUint(uint64(raw), 10)
	default:
		return float64(raw) * c.Scale
	}
}
