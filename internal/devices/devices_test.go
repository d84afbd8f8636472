package devices

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/device/clip"
)

func loadRegistry(t *testing.T) *device.Registry {
	t.Helper()
	reg := device.NewRegistry()
	if err := Load(reg, ""); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestEmbeddedDefinitions(t *testing.T) {
	reg := loadRegistry(t)
	tests := []struct {
		model    string
		codec    string
		writable []string
	}{
		{"RAC_056905_WW", clip.CodecName, []string{"power", "mode", "fan_mode", "temperature", "vertical_swing_mode", "swing_mode"}},
		{"generic_thermostat", "json", []string{"temperature", "mode"}},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			def, ok := reg.Definition(tt.model)
			if !ok {
				t.Fatalf("definition %s not loaded", tt.model)
			}
			if def.Codec != tt.codec {
				t.Errorf("codec = %s, want %s", def.Codec, tt.codec)
			}
			for _, name := range tt.writable {
				c, ok := def.Capability(name)
				if !ok || !c.Writable {
					t.Errorf("capability %s should be writable", name)
				}
			}
		})
	}
}

// echo 把下行帧改写为设备回显的上行帧
func echo(t *testing.T, out device.Outbound) []byte {
	t.Helper()
	var env clip.Envelope
	if err := json.Unmarshal(out.Payload, &env); err != nil {
		t.Fatal(err)
	}
	var data string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	buf, err := hex.DecodeString(data)
	if err != nil {
		t.Fatal(err)
	}
	buf[6] = 0x87
	env.Cmd = "device_packet"
	env.Data, _ = json.Marshal(hex.EncodeToString(buf))
	payload, _ := json.Marshal(env)
	return payload
}

func sampleValues(c *device.Capability) []string {
	switch c.Kind {
	case device.KindEnum:
		return c.Options()
	case device.KindBool:
		return []string{"true", "false"}
	case device.KindNumber:
		if c.Min != nil {
			return []string{strconv.FormatFloat(*c.Min+0.5, 'f', -1, 64)}
		}
		return []string{"21.5"}
	default:
		return []string{"x"}
	}
}

// 每个内置定义的每个可写能力都要能编码后再解码回同一个取值
func TestCodecRoundTrip(t *testing.T) {
	reg := loadRegistry(t)
	initial := device.Registers{0x1f7: 1, 0x1f9: 0, 0x1fa: 8, 0x1fe: 44, 0x321: 0, 0x322: 0}

	for _, def := range reg.Definitions() {
		codec, err := device.NewCodec(def)
		if err != nil {
			t.Fatal(err)
		}
		for i := range def.Capabilities {
			c := &def.Capabilities[i]
			if !c.Writable {
				continue
			}
			for _, input := range sampleValues(c) {
				t.Run(def.Model+"/"+c.Name+"="+input, func(t *testing.T) {
					value, err := c.Parse(input)
					if err != nil {
						t.Fatal(err)
					}
					encoded, err := codec.Encode("dev1", c, value, initial)
					if err != nil {
						t.Fatal(err)
					}
					regs := initial.Clone()
					fields := map[string]any{}
					for _, out := range encoded.Messages {
						payload := out.Payload
						if def.Codec == clip.CodecName {
							payload = echo(t, out)
						}
						decoded, err := codec.Decode("dev1", payload, regs)
						if err != nil {
							t.Fatal(err)
						}
						if decoded.Registers != nil {
							regs = decoded.Registers
						}
						for k, v := range decoded.Fields {
							fields[k] = v
						}
					}

					if !c.Readable {
						raw, _ := c.ToRaw(value)
						if regs[c.Tag] != raw {
							t.Fatalf("register 0x%x = %d, want %d", c.Tag, regs[c.Tag], raw)
						}
						return
					}
					if fields[c.Name] != value {
						t.Fatalf("decoded %s = %#v, want %#v", c.Name, fields[c.Name], value)
					}
				})
			}
		}
	}
}

type presence map[string]bool

func (p presence) IsConnected(id string) bool { return p[id] }

type recorder struct {
	mu  sync.Mutex
	got []*broker.Message
}

func (r *recorder) ClientID() string { return "recorder" }

func (r *recorder) Deliver(msg *broker.Message, _ byte, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *recorder) messages() []*broker.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*broker.Message(nil), r.got...)
}

type gateway struct {
	reg        *device.Registry
	states     *device.StateTable
	broker     *broker.Broker
	translator *device.Translator
	online     presence
	rec        *recorder
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{
		reg:    loadRegistry(t),
		states: device.NewStateTable(nil),
		broker: broker.New(broker.Options{}),
		online: presence{},
		rec:    &recorder{},
	}
	g.translator = device.NewTranslator(device.TranslatorOptions{
		Registry:  g.reg,
		States:    g.states,
		Publisher: g.broker,
		Presence:  g.online,
	})
	g.broker.AddHook(g.translator.HandlePublish)
	g.broker.Attach(g.rec)
	g.broker.Subscribe(g.rec, []broker.Subscription{{ClientID: "recorder", Filter: "#", QoS: 1}})
	t.Cleanup(func() { _ = g.broker.Close(context.Background()) })
	return g
}

func (g *gateway) report(id, payload string) {
	g.broker.Publish(&broker.Message{Topic: "thermostat/" + id + "/state", Payload: []byte(payload), Origin: id})
}

func TestDecodeFailureKeepsLastKnownState(t *testing.T) {
	g := newGateway(t)
	if err := g.translator.Register(context.Background(), "AC-002", "generic_thermostat"); err != nil {
		t.Fatal(err)
	}

	g.report("AC-002", `{"temp": 24, "setpoint": 21}`)
	rec, ok := g.states.Get("AC-002")
	if !ok || rec.Fields["temperature"] != 21.0 {
		t.Fatalf("expected setpoint 21, got %+v", rec)
	}

	g.report("AC-002", `{"setpoint": 2`)
	rec, _ = g.states.Get("AC-002")
	if rec.Fields["temperature"] != 21.0 {
		t.Fatalf("malformed payload changed the setpoint: %+v", rec.Fields)
	}
	failures := g.translator.Failures("AC-002")
	if len(failures) != 1 || failures[0].Topic != "thermostat/AC-002/state" {
		t.Fatalf("expected one recorded failure, got %+v", failures)
	}

	g.report("AC-002", `{"setpoint": 22.5}`)
	rec, _ = g.states.Get("AC-002")
	if rec.Fields["temperature"] != 22.5 || rec.Fields["current_temperature"] != 24.0 {
		t.Fatalf("expected setpoint 22.5 with temperature kept, got %+v", rec.Fields)
	}

	// 三条报文都照常被路由
	if n := len(g.rec.messages()); n != 3 {
		t.Fatalf("expected 3 routed messages, got %d", n)
	}
}

func TestCommandToUnknownDevice(t *testing.T) {
	g := newGateway(t)
	g.online["AC-404"] = true

	err := g.translator.Submit(context.Background(), device.Command{DeviceID: "AC-404", Capability: "mode", Value: "cool"})
	if !errors.Is(err, device.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	var cmdErr *device.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.DeviceID != "AC-404" || cmdErr.Capability != "mode" {
		t.Fatalf("expected *CommandError for AC-404, got %#v", err)
	}
	if msgs := g.rec.messages(); len(msgs) != 0 {
		t.Fatalf("no message should be published, got %d", len(msgs))
	}
	if _, ok := g.states.Get("AC-404"); ok {
		t.Fatal("no state record should be created")
	}
}

func TestCommandValidation(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	if err := g.translator.Register(ctx, "ac1", "RAC_056905_WW"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		online bool
		cmd    device.Command
		want   error
	}{
		{"unsupported", true, device.Command{DeviceID: "ac1", Capability: "humidity", Value: "1"}, device.ErrUnsupportedCapability},
		{"read only", true, device.Command{DeviceID: "ac1", Capability: "current_temperature", Value: "20"}, device.ErrNotWritable},
		{"bad enum", true, device.Command{DeviceID: "ac1", Capability: "mode", Value: "turbo"}, device.ErrInvalidValue},
		{"out of range", true, device.Command{DeviceID: "ac1", Capability: "temperature", Value: "40"}, device.ErrInvalidValue},
		{"offline", false, device.Command{DeviceID: "ac1", Capability: "mode", Value: "cool"}, device.ErrDeviceOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.online["ac1"] = tt.online
			if err := g.translator.Submit(ctx, tt.cmd); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if msgs := g.rec.messages(); len(msgs) != 0 {
		t.Fatalf("rejected commands must not publish, got %d", len(msgs))
	}

	g.online["ac1"] = true
	if err := g.translator.Submit(ctx, device.Command{DeviceID: "ac1", Capability: "temperature", Value: "23"}); err != nil {
		t.Fatal(err)
	}
	msgs := g.rec.messages()
	if len(msgs) != 1 || msgs[0].Topic != "lime/devices/ac1" || msgs[0].Origin != "" {
		t.Fatalf("unexpected published command %+v", msgs)
	}
	if regs := g.states.Registers("ac1"); regs[0x1fe] != 46 {
		t.Fatalf("expected optimistic register update, got %v", regs)
	}
}
