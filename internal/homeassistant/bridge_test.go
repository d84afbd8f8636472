package homeassistant

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/devices"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakePublisher struct {
	mu  sync.Mutex
	got []published
}

func (f *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	f.mu.Lock()
	f.got = append(f.got, published{topic, retained, s})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakePublisher) find(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.got) - 1; i >= 0; i-- {
		if f.got[i].topic == topic {
			return f.got[i], true
		}
	}
	return published{}, false
}

type fakeSubmitter struct {
	cmds []device.Command
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd device.Command) error {
	f.cmds = append(f.cmds, cmd)
	return f.err
}

func newBridge(t *testing.T) (*Bridge, *fakePublisher, *fakeSubmitter, *device.StateTable) {
	t.Helper()
	reg := device.NewRegistry()
	if err := devices.Load(reg, ""); err != nil {
		t.Fatal(err)
	}
	if err := reg.Bind("ac1", "RAC_056905_WW"); err != nil {
		t.Fatal(err)
	}
	states := device.NewStateTable(nil)
	sub := &fakeSubmitter{}
	b := New(Options{
		Config: config.HomeAssistantConfig{
			PonderPrefix:    "ponder",
			DiscoveryPrefix: "homeassistant",
		},
		Registry:  reg,
		States:    states,
		Submitter: sub,
	})
	pub := &fakePublisher{}
	b.pub = pub
	return b, pub, sub, states
}

func TestDiscoveryConfig(t *testing.T) {
	b, _, _, _ := newBridge(t)
	def, _ := b.registry.Definition("RAC_056905_WW")
	cfg := b.DiscoveryConfig(def, "ac1")

	want := map[string]any{
		"name":                      "LG Air Conditioner",
		"current_temperature_topic": "ponder/ac1/current_temperature",
		"power_command_topic":       "ponder/ac1/power/set",
		"mode_state_topic":          "ponder/ac1/mode",
		"mode_command_topic":        "ponder/ac1/mode/set",
		"temperature_command_topic": "ponder/ac1/temperature/set",
		"swing_mode_state_topic":    "ponder/ac1/swing_mode",
		"unique_id":                 "ac1",
		"temp_step":                 0.5,
		"temperature_unit":          "C",
		"optimistic":                false,
	}
	for k, v := range want {
		if cfg[k] != v {
			t.Errorf("%s = %#v, want %#v", k, cfg[k], v)
		}
	}
	if _, ok := cfg["power_state_topic"]; ok {
		t.Error("write-only power must not have a state topic")
	}
	if _, ok := cfg["current_temperature_command_topic"]; ok {
		t.Error("read-only capability must not have a command topic")
	}
	avail := cfg["availability"].([]map[string]string)
	if len(avail) != 2 || avail[0]["topic"] != "ponder/ac1/availability" || avail[1]["topic"] != "ponder/availability" {
		t.Errorf("unexpected availability %v", avail)
	}
	if _, err := json.Marshal(cfg); err != nil {
		t.Fatalf("config must be json encodable: %v", err)
	}
}

func TestCommandTopic(t *testing.T) {
	b, _, sub, _ := newBridge(t)
	tests := []struct {
		topic string
		ok    bool
	}{
		{"ponder/ac1/mode/set", true},
		{"ponder/ac1/mode", false},
		{"ponder/ac1/mode/set/extra", false},
		{"other/ac1/mode/set", false},
		{"ponder//mode/set", false},
	}
	for _, tt := range tests {
		if _, _, ok := b.parseCommandTopic(tt.topic); ok != tt.ok {
			t.Errorf("parseCommandTopic(%q) = %v, want %v", tt.topic, ok, tt.ok)
		}
	}

	b.handleMessage("ponder/ac1/temperature/set", []byte("22.5"))
	if len(sub.cmds) != 1 || sub.cmds[0] != (device.Command{DeviceID: "ac1", Capability: "temperature", Value: "22.5"}) {
		t.Fatalf("unexpected commands %+v", sub.cmds)
	}
}

func TestRediscoveryOnStatus(t *testing.T) {
	b, pub, _, states := newBridge(t)
	states.Apply("ac1", "RAC_056905_WW", map[string]any{"mode": "cool", "temperature": 22.0}, nil)
	states.SetOnline("ac1", "RAC_056905_WW", true)

	b.handleMessage("homeassistant/status", []byte("offline"))
	if _, ok := pub.find("homeassistant/climate/ponder/ac1/config"); ok {
		t.Fatal("offline status must not trigger discovery")
	}

	b.handleMessage("homeassistant/status", []byte("online"))
	if _, ok := pub.find("homeassistant/climate/ponder/ac1/config"); !ok {
		t.Fatal("discovery config not published")
	}
	if p, ok := pub.find("ponder/ac1/temperature"); !ok || p.payload != "22" || !p.retained {
		t.Fatalf("state not republished retained: %+v", p)
	}
	if p, _ := pub.find("ponder/ac1/availability"); p.payload != "online" {
		t.Fatalf("availability = %q", p.payload)
	}
}

func TestChangesArePublished(t *testing.T) {
	b, pub, _, _ := newBridge(t)

	b.handleChange(device.Change{Kind: device.ChangeState, DeviceID: "ac1", Model: "RAC_056905_WW",
		Fields: map[string]any{"current_temperature": 23.5}})
	if _, ok := pub.find("homeassistant/climate/ponder/ac1/config"); !ok {
		t.Fatal("first change should publish discovery")
	}
	if p, _ := pub.find("ponder/ac1/current_temperature"); p.payload != "23.5" {
		t.Fatalf("unexpected state payload %q", p.payload)
	}

	b.handleChange(device.Change{Kind: device.ChangeOnline, DeviceID: "ac1", Model: "RAC_056905_WW", Online: false})
	if p, _ := pub.find("ponder/ac1/availability"); p.payload != "offline" {
		t.Fatalf("availability = %q", p.payload)
	}

	b.handleChange(device.Change{Kind: device.ChangeRemoved, DeviceID: "ac1", Model: "RAC_056905_WW"})
	if p, _ := pub.find("homeassistant/climate/ponder/ac1/config"); p.payload != "" {
		t.Fatalf("removal should clear the config, got %q", p.payload)
	}
}
