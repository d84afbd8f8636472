package tsdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type fakeAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed bool
}

func (f *fakeAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeAPI) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func TestPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	tests := []struct {
		name   string
		change device.Change
		fields int
	}{
		{"numeric", device.Change{Kind: device.ChangeState, DeviceID: "d", Model: "m", At: at,
			Fields: map[string]any{"temperature": 21.5, "mode": "heat", "boost": true}}, 2},
		{"strings only", device.Change{Kind: device.ChangeState, Fields: map[string]any{"mode": "cool"}}, 0},
		{"online", device.Change{Kind: device.ChangeOnline, Online: true}, 0},
		{"sync snapshot", device.Change{Kind: device.ChangeSync, DeviceID: "d", Model: "m", At: at,
			Fields: map[string]any{"temperature": 21.5, "humidity": 40.0}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Point(tt.change)
			if tt.fields == 0 {
				if p != nil {
					t.Fatalf("expected no point, got %v", p)
				}
				return
			}
			if p == nil {
				t.Fatal("expected a point")
			}
			if p.Name() != Measurement || len(p.FieldList()) != tt.fields || len(p.TagList()) != 2 || !p.Time().Equal(at) {
				t.Fatalf("unexpected point %v", p)
			}
		})
	}
}

func TestWriterConsumesChanges(t *testing.T) {
	api := &fakeAPI{}
	w := &Writer{api: api}
	states := device.NewStateTable(nil)
	w.Start(states)

	states.Apply("d", "m", map[string]any{"temperature": 20.0}, nil)
	states.Apply("d", "m", map[string]any{"mode": "heat"}, nil)
	states.Apply("d", "m", map[string]any{"temperature": 21.0}, nil)

	deadline := time.Now().Add(time.Second)
	for api.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := w.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.count() != 2 || !api.flushed {
		t.Fatalf("expected 2 points and a flush, got %d %v", api.count(), api.flushed)
	}
}

func TestConnectDisabled(t *testing.T) {
	if _, err := Connect(config.InfluxDBConfig{}); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
