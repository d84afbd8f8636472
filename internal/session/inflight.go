package session

import (
	"sort"
	"sync"

	"github.com/arrudagates/ponder/internal/database"
)

// PacketIDManager 分配会话内唯一的报文标识符，0 不可用
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个未被占用的ID，全部占用时返回 ErrInflightFull
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range 65535 {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, used := m.inUse[id]; !used {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
	return 0, ErrInflightFull
}

// Reserve 标记一个已知的ID为占用，用于恢复持久化的在途消息
func (m *PacketIDManager) Reserve(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse[id] = struct{}{}
}

// ReleaseID 释放ID（收到确认后调用）
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, id)
}

type inflightEntry struct {
	seq uint64
	msg database.PendingMessage
}

// Inflight 保存已发出但尚未收到 PUBACK 的 QoS 1 消息
type Inflight struct {
	ids     *PacketIDManager
	mu      sync.Mutex
	seq     uint64
	entries map[uint16]inflightEntry
}

func NewInflight() *Inflight {
	return &Inflight{
		ids:     NewPacketIDManager(),
		entries: make(map[uint16]inflightEntry),
	}
}

// Add 分配报文标识符并登记消息
func (f *Inflight) Add(topic string, payload []byte, retain bool) (uint16, error) {
	id, err := f.ids.NextID()
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.entries[id] = inflightEntry{seq: f.seq, msg: database.PendingMessage{
		PacketID: id,
		Topic:    topic,
		Payload:  payload,
		QoS:      1,
		Retain:   retain,
	}}
	return id, nil
}

// Restore 按原顺序恢复持久化的在途消息，保留原报文标识符
func (f *Inflight) Restore(pending []database.PendingMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pending {
		f.ids.Reserve(p.PacketID)
		f.seq++
		f.entries[p.PacketID] = inflightEntry{seq: f.seq, msg: p}
	}
}

// Ack 清除在途消息，未知的标识符返回 false
func (f *Inflight) Ack(id uint16) bool {
	f.mu.Lock()
	_, ok := f.entries[id]
	delete(f.entries, id)
	f.mu.Unlock()
	if ok {
		f.ids.ReleaseID(id)
	}
	return ok
}

// Pending 按发送顺序返回所有在途消息
func (f *Inflight) Pending() []database.PendingMessage {
	f.mu.Lock()
	entries := make([]inflightEntry, 0, len(f.entries))
	for _, e := range f.entries {
		entries = append(entries, e)
	}
	f.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]database.PendingMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
