package device

import (
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/metrics"
)

// Record 是一个设备最近一次成功解码后的状态
type Record struct {
	DeviceID  string         `json:"device_id"`
	Model     string         `json:"model"`
	Fields    map[string]any `json:"fields"`
	Registers Registers      `json:"-"`
	Online    bool           `json:"online"`
	UpdatedAt time.Time      `json:"updated_at"`

	// 在线状态和寄存器可能先于首次解码写入，此时记录对外不可见
	reported bool
}

func (r *Record) clone() Record {
	c := *r
	c.Fields = maps.Clone(r.Fields)
	c.Registers = r.Registers.Clone()
	return c
}

type ChangeKind string

const (
	ChangeState   ChangeKind = "state"
	ChangeOnline  ChangeKind = "online"
	ChangeRemoved ChangeKind = "removed"
	// ChangeSync 携带完整记录，在观察者掉队重新注册后补发
	ChangeSync ChangeKind = "sync"
)

// Change 是推送给观察者的一次状态变化，Fields 只包含本次变化的字段
type Change struct {
	Kind     ChangeKind     `json:"kind"`
	DeviceID string         `json:"device_id"`
	Model    string         `json:"model"`
	Fields   map[string]any `json:"fields,omitempty"`
	Online   bool           `json:"online"`
	At       time.Time      `json:"at"`
}

// Watcher 通过有界通道接收变化，消费过慢时被移除并关闭通道
type Watcher struct {
	C       <-chan Change
	ch      chan Change
	table   *StateTable
	name    string
	dropped atomic.Bool
}

func (w *Watcher) Close() {
	w.table.unwatch(w)
}

// StateTable 保存所有设备的状态记录
type StateTable struct {
	mu       sync.RWMutex
	records  map[string]*Record
	watchMu  sync.Mutex
	watchers map[*Watcher]struct{}
	closed   bool
	metrics  *metrics.Metrics
}

func NewStateTable(m *metrics.Metrics) *StateTable {
	return &StateTable{
		records:  make(map[string]*Record),
		watchers: make(map[*Watcher]struct{}),
		metrics:  m,
	}
}

// Watch 注册一个观察者，buffer 为通道容量
func (t *StateTable) Watch(name string, buffer int) *Watcher {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	w := &Watcher{C: ch, ch: ch, table: t, name: name}
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	if t.closed {
		close(ch)
		return w
	}
	t.watchers[w] = struct{}{}
	return w
}

func (t *StateTable) unwatch(w *Watcher) {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	if _, ok := t.watchers[w]; ok {
		delete(t.watchers, w)
		close(w.ch)
	}
}

func (t *StateTable) notify(c Change) {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	for w := range t.watchers {
		select {
		case w.ch <- c:
		default:
			logger.WarnF("State watcher %s is too slow, dropping it", w.name)
			delete(t.watchers, w)
			w.dropped.Store(true)
			close(w.ch)
			t.metrics.WatcherDrop()
		}
	}
}

// Apply 合并一次解码结果，返回变化的字段。首次成功解码时创建记录。
func (t *StateTable) Apply(deviceID, model string, fields map[string]any, regs Registers) map[string]any {
	now := time.Now()
	t.mu.Lock()
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, Model: model, Fields: make(map[string]any), Registers: Registers{}}
		t.records[deviceID] = rec
	}
	changed := make(map[string]any)
	for name, v := range fields {
		if old, exists := rec.Fields[name]; !exists || old != v {
			changed[name] = v
		}
		rec.Fields[name] = v
	}
	if regs != nil {
		rec.Registers = regs.Clone()
	}
	rec.Model = model
	rec.UpdatedAt = now
	rec.reported = true
	online := rec.Online
	t.mu.Unlock()

	if len(changed) > 0 {
		t.notify(Change{Kind: ChangeState, DeviceID: deviceID, Model: model, Fields: changed, Online: online, At: now})
	}
	return changed
}

// SetRegisters 只更新寄存器，不改变对外字段，用于命令发送后的预期值。
// 设备还没有成功上报过时记录保持不可见。
func (t *StateTable) SetRegisters(deviceID, model string, regs Registers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, Model: model, Fields: make(map[string]any)}
		t.records[deviceID] = rec
	}
	rec.Registers = regs.Clone()
}

func (t *StateTable) SetOnline(deviceID, model string, online bool) {
	now := time.Now()
	t.mu.Lock()
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, Model: model, Fields: make(map[string]any), Registers: Registers{}}
		t.records[deviceID] = rec
	}
	if rec.Online == online {
		t.mu.Unlock()
		return
	}
	rec.Online = online
	t.mu.Unlock()
	t.notify(Change{Kind: ChangeOnline, DeviceID: deviceID, Model: model, Online: online, At: now})
}

// Restore 载入持久化的快照，不通知观察者
func (t *StateTable) Restore(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := rec.clone()
	c.Online = false
	c.reported = true
	if c.Fields == nil {
		c.Fields = make(map[string]any)
	}
	t.records[rec.DeviceID] = &c
}

func (t *StateTable) Delete(deviceID string) bool {
	t.mu.Lock()
	rec, ok := t.records[deviceID]
	delete(t.records, deviceID)
	t.mu.Unlock()
	if ok {
		t.notify(Change{Kind: ChangeRemoved, DeviceID: deviceID, Model: rec.Model, At: time.Now()})
	}
	return ok
}

func (t *StateTable) Get(deviceID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[deviceID]
	if !ok || !rec.reported {
		return Record{}, false
	}
	return rec.clone(), true
}

func (t *StateTable) Registers(deviceID string) Registers {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[deviceID]; ok {
		return rec.Registers.Clone()
	}
	return Registers{}
}

// List 返回按设备标识排序的全部记录
func (t *StateTable) List() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if rec.reported {
			out = append(out, rec.clone())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close 关闭所有观察者通道，之后注册的观察者立即结束
func (t *StateTable) Close() {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	t.closed = true
	for w := range t.watchers {
		delete(t.watchers, w)
		close(w.ch)
	}
}

// Follower 是不会丢失的观察者：内部观察者因消费过慢被移除后立即重新注册，
// 并为每条可见记录补发一次 ChangeSync。补发期间被删除的设备不会产生 ChangeRemoved。
type Follower struct {
	C      <-chan Change
	out    chan Change
	table  *StateTable
	name   string
	buffer int
	stop   chan struct{}
	once   sync.Once
}

// Follow 注册一个 Follower。返回时已开始接收变化，通道在 Close 后读完剩余变化再关闭。
func (t *StateTable) Follow(name string, buffer int) *Follower {
	out := make(chan Change)
	f := &Follower{C: out, out: out, table: t, name: name, buffer: buffer, stop: make(chan struct{})}
	go f.run(t.Watch(name, buffer))
	return f
}

func (f *Follower) run(w *Watcher) {
	defer close(f.out)
	for {
		select {
		case c, ok := <-w.C:
			if ok {
				f.out <- c
				continue
			}
			if !w.dropped.Load() {
				return
			}
			// 先重新注册再取快照，快照之后的变化不会丢失
			w = f.table.Watch(f.name, f.buffer)
			records := f.table.List()
			logger.WarnF("State watcher %s resyncing %d records", f.name, len(records))
			for _, rec := range records {
				f.out <- Change{
					Kind: ChangeSync, DeviceID: rec.DeviceID, Model: rec.Model,
					Fields: rec.Fields, Online: rec.Online, At: rec.UpdatedAt,
				}
			}
		case <-f.stop:
			w.Close()
			for c := range w.C {
				f.out <- c
			}
			return
		}
	}
}

// Close 停止接收新的变化，可以多次调用
func (f *Follower) Close() {
	f.once.Do(func() { close(f.stop) })
}
