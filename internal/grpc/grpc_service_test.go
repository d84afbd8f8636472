package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/devices"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type presence map[string]bool

func (p presence) IsConnected(id string) bool { return p[id] }

type recorder struct {
	ch chan *broker.Message
}

func (r *recorder) ClientID() string { return "recorder" }

func (r *recorder) Deliver(msg *broker.Message, _ byte, _ bool) error {
	r.ch <- msg
	return nil
}

type harness struct {
	client *Client
	states *device.StateTable
	online presence
	out    chan *broker.Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := device.NewRegistry()
	if err := devices.Load(reg, ""); err != nil {
		t.Fatal(err)
	}
	if err := reg.Bind("ac1", "RAC_056905_WW"); err != nil {
		t.Fatal(err)
	}
	states := device.NewStateTable(nil)
	online := presence{"ac1": true}

	b := broker.New(broker.Options{})
	rec := &recorder{ch: make(chan *broker.Message, 16)}
	b.Attach(rec)
	b.Subscribe(rec, []broker.Subscription{{ClientID: rec.ClientID(), Filter: "lime/#", QoS: 0}})

	tr := device.NewTranslator(device.TranslatorOptions{Registry: reg, States: states, Publisher: b, Presence: online})
	srv := New(Options{Registry: reg, States: states, Translator: tr, Presence: online})

	ln := bufconn.Listen(1 << 20)
	go srv.Serve(ln)
	conn, err := grpclib.NewClient("passthrough:///bufnet",
		grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Invoke(ctx)
		_ = b.Close(ctx)
	})
	return &harness{client: NewClient(conn), states: states, online: online, out: rec.ch}
}

func TestListAndGetDevice(t *testing.T) {
	h := newHarness(t)
	h.states.Apply("ac1", "RAC_056905_WW", map[string]any{"mode": "cool"}, nil)
	ctx := context.Background()

	list, err := h.client.ListDevices(ctx, &ListDevicesRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Devices) != 1 || list.Devices[0].ID != "ac1" || !list.Devices[0].Connected {
		t.Fatalf("unexpected devices %+v", list.Devices)
	}
	d, err := h.client.GetDevice(ctx, &GetDeviceRequest{ID: "ac1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields["mode"] != "cool" {
		t.Fatalf("unexpected fields %+v", d.Fields)
	}
	if _, err := h.client.GetDevice(ctx, &GetDeviceRequest{ID: "nope"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tests := []struct {
		name   string
		req    *SendCommandRequest
		online bool
		code   codes.Code
	}{
		{"unknown device", &SendCommandRequest{DeviceID: "x", Capability: "mode", Value: "cool"}, true, codes.NotFound},
		{"read only", &SendCommandRequest{DeviceID: "ac1", Capability: "current_temperature", Value: "20"}, true, codes.PermissionDenied},
		{"invalid", &SendCommandRequest{DeviceID: "ac1", Capability: "temperature", Value: "99"}, true, codes.InvalidArgument},
		{"offline", &SendCommandRequest{DeviceID: "ac1", Capability: "temperature", Value: "22"}, false, codes.Unavailable},
		{"ok", &SendCommandRequest{DeviceID: "ac1", Capability: "temperature", Value: "22"}, true, codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.online["ac1"] = tt.online
			_, err := h.client.SendCommand(ctx, tt.req)
			if status.Code(err) != tt.code {
				t.Fatalf("code = %v, want %v (%v)", status.Code(err), tt.code, err)
			}
		})
	}
	select {
	case msg := <-h.out:
		if msg.Topic != "lime/devices/ac1" {
			t.Fatalf("unexpected command topic %s", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("accepted command was not published")
	}
}

func TestWatchStates(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv, err := h.client.WatchStates(ctx, &WatchStatesRequest{DeviceID: "ac1"})
	if err != nil {
		t.Fatal(err)
	}
	// 流建立后服务端才注册观察者，持续写入直到收到第一条
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		temp := 20.0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.states.Apply("other", "RAC_056905_WW", map[string]any{"temperature": temp}, nil)
				h.states.Apply("ac1", "RAC_056905_WW", map[string]any{"temperature": temp}, nil)
				temp += 0.5
			}
		}
	}()
	change, err := recv()
	if err != nil {
		t.Fatal(err)
	}
	if change.DeviceID != "ac1" || change.Kind != device.ChangeState {
		t.Fatalf("unexpected change %+v", change)
	}
}
