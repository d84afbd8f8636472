package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type delivery struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

type fakeSubscriber struct {
	id   string
	mu   sync.Mutex
	got  []delivery
	fail bool
}

func (f *fakeSubscriber) ClientID() string { return f.id }

func (f *fakeSubscriber) Deliver(msg *Message, qos byte, retained bool) error {
	if f.fail {
		return errors.New("queue full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, delivery{msg.Topic, string(msg.Payload), qos, retained})
	return nil
}

func (f *fakeSubscriber) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.got...)
}

func TestRetainedDeliveredBeforeLive(t *testing.T) {
	b := New(Options{})
	b.Publish(&Message{Topic: "cmd/AC-001/set-temp", Payload: []byte(`{"temp":22}`), QoS: 1, Retain: true})

	monitor := &fakeSubscriber{id: "monitor"}
	b.Attach(monitor)
	b.Subscribe(monitor, []Subscription{{ClientID: "monitor", Filter: "cmd/+/set-temp", QoS: 1}})
	b.Publish(&Message{Topic: "cmd/AC-001/set-temp", Payload: []byte(`{"temp":23}`), QoS: 1})

	got := monitor.deliveries()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %+v", got)
	}
	if !got[0].retained || got[0].payload != `{"temp":22}` {
		t.Errorf("first delivery must be the retained copy, got %+v", got[0])
	}
	if got[1].retained || got[1].payload != `{"temp":23}` {
		t.Errorf("second delivery must be live, got %+v", got[1])
	}
}

func TestEmptyRetainedPayloadDeletes(t *testing.T) {
	b := New(Options{})
	b.Publish(&Message{Topic: "a/b", Payload: []byte("x"), Retain: true})
	b.Publish(&Message{Topic: "a/b", Payload: nil, Retain: true})

	if len(b.Retained("#")) != 0 {
		t.Fatalf("retained message not deleted")
	}

	sub := &fakeSubscriber{id: "s"}
	b.Attach(sub)
	b.Subscribe(sub, []Subscription{{ClientID: "s", Filter: "a/#"}})
	if len(sub.deliveries()) != 0 {
		t.Errorf("unexpected replay %+v", sub.deliveries())
	}
}

func TestPublishDowngradesQoSAndSkipsDetached(t *testing.T) {
	b := New(Options{})
	s0 := &fakeSubscriber{id: "s0"}
	s1 := &fakeSubscriber{id: "s1"}
	for _, s := range []*fakeSubscriber{s0, s1} {
		b.Attach(s)
	}
	b.Subscribe(s0, []Subscription{{ClientID: "s0", Filter: "t", QoS: 0}})
	b.Subscribe(s1, []Subscription{{ClientID: "s1", Filter: "t", QoS: 1}})

	if n := b.Publish(&Message{Topic: "t", Payload: []byte("1"), QoS: 1}); n != 2 {
		t.Fatalf("delivered to %d sessions", n)
	}
	if s0.deliveries()[0].qos != 0 || s1.deliveries()[0].qos != 1 {
		t.Errorf("QoS not min(publish, granted): %+v %+v", s0.deliveries(), s1.deliveries())
	}

	b.Detach(s1)
	if n := b.Publish(&Message{Topic: "t", Payload: []byte("2")}); n != 1 {
		t.Errorf("detached subscriber still routed, delivered=%d", n)
	}
	if b.SubscriptionCount() != 1 {
		t.Errorf("subscriptions = %d", b.SubscriptionCount())
	}
}

func TestDetachIgnoresReplacedSubscriber(t *testing.T) {
	b := New(Options{})
	old := &fakeSubscriber{id: "AC-001"}
	b.Attach(old)
	b.Subscribe(old, []Subscription{{ClientID: "AC-001", Filter: "lime/devices/AC-001"}})

	replacement := &fakeSubscriber{id: "AC-001"}
	b.Attach(replacement)
	b.Detach(old)

	if b.SubscriptionCount() != 1 {
		t.Fatalf("detaching a replaced subscriber removed state")
	}
	b.Publish(&Message{Topic: "lime/devices/AC-001", Payload: []byte("p")})
	if len(replacement.deliveries()) != 1 || len(old.deliveries()) != 0 {
		t.Errorf("message routed to wrong subscriber")
	}
}

func TestHooksRunWithoutSubscribers(t *testing.T) {
	b := New(Options{})
	var seen []string
	b.AddHook(func(msg *Message) { seen = append(seen, msg.Topic) })

	if n := b.Publish(&Message{Topic: "clip/message/devices/AC-002", Payload: []byte("{}")}); n != 0 {
		t.Fatalf("unexpected deliveries %d", n)
	}
	if len(seen) != 1 {
		t.Errorf("hook not invoked")
	}
}

func TestFailingSubscriberDoesNotStopFanOut(t *testing.T) {
	b := New(Options{})
	bad := &fakeSubscriber{id: "bad", fail: true}
	good := &fakeSubscriber{id: "good"}
	for _, s := range []*fakeSubscriber{bad, good} {
		b.Attach(s)
		b.Subscribe(s, []Subscription{{ClientID: s.id, Filter: "#"}})
	}
	if n := b.Publish(&Message{Topic: "x", Payload: []byte("1")}); n != 1 {
		t.Errorf("delivered=%d", n)
	}
}

type memoryBackend struct {
	mu      sync.Mutex
	saved   map[string]*Message
	deletes int
}

func (m *memoryBackend) LoadRetained(context.Context) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.saved {
		out = append(out, msg)
	}
	return out, nil
}

func (m *memoryBackend) SaveRetained(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[msg.Topic] = msg
	return nil
}

func (m *memoryBackend) DeleteRetained(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, topic)
	m.deletes++
	return nil
}

func TestRetainedBackendWriteThrough(t *testing.T) {
	backend := &memoryBackend{saved: map[string]*Message{}}
	b := New(Options{Backend: backend})
	b.Publish(&Message{Topic: "a", Payload: []byte("1"), Retain: true})
	b.Publish(&Message{Topic: "b", Payload: []byte("2"), Retain: true})
	b.Publish(&Message{Topic: "b", Retain: true})
	b.Publish(&Message{Topic: "never-set", Retain: true})
	_ = b.Close(context.Background())

	if len(backend.saved) != 1 || backend.saved["a"] == nil {
		t.Fatalf("backend state = %+v", backend.saved)
	}
	if backend.deletes != 1 {
		t.Errorf("deletes = %d", backend.deletes)
	}

	restored := New(Options{Backend: backend})
	defer restored.Close(context.Background())
	if err := restored.LoadRetained(context.Background()); err != nil {
		t.Fatalf("LoadRetained: %v", err)
	}
	if msgs := restored.Retained("#"); len(msgs) != 1 || msgs[0].Topic != "a" {
		t.Errorf("restored retained = %+v", msgs)
	}
}

// blockingBackend 在 release 关闭前阻塞所有写入
type blockingBackend struct {
	memoryBackend
	release chan struct{}
}

func (m *blockingBackend) SaveRetained(ctx context.Context, msg *Message) error {
	select {
	case <-m.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.memoryBackend.SaveRetained(ctx, msg)
}

func TestSlowRetainedBackendDoesNotStallRouting(t *testing.T) {
	backend := &blockingBackend{memoryBackend: memoryBackend{saved: map[string]*Message{}}, release: make(chan struct{})}
	b := New(Options{Backend: backend, BackendTimeout: 10 * time.Second})
	sub := &fakeSubscriber{id: "live"}
	b.Attach(sub)
	b.Subscribe(sub, []Subscription{{ClientID: "live", Filter: "live/#"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Publish(&Message{Topic: fmt.Sprintf("state/%d", i), Payload: []byte("1"), Retain: true})
		}
		b.Unsubscribe("live", []string{"other/#"})
		b.Publish(&Message{Topic: "live/z", Payload: []byte("x")})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing stalled behind the retained backend")
	}
	if got := sub.deliveries(); len(got) != 1 || got[0].topic != "live/z" {
		t.Fatalf("deliveries = %+v", got)
	}

	// 同一主题的多次写入合并为最新值
	b.Publish(&Message{Topic: "state/0", Payload: []byte("latest"), Retain: true})
	close(backend.release)
	_ = b.Close(context.Background())
	if len(backend.saved) != 2000 || string(backend.saved["state/0"].Payload) != "latest" {
		t.Fatalf("saved %d messages, state/0 = %+v", len(backend.saved), backend.saved["state/0"])
	}
}
