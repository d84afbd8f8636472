package session

import (
	"errors"
	"testing"

	"github.com/arrudagates/ponder/internal/database"
)

func TestPacketID(t *testing.T) {
	mgr := NewPacketIDManager()

	// 测试分配
	id1, _ := mgr.NextID()
	if id1 != 1 {
		t.Fatalf("Expected 1, got %d", id1)
	}

	// 占用中的ID不会被再次分配
	id2, _ := mgr.NextID()
	if id2 != 2 {
		t.Fatalf("Expected 2, got %d", id2)
	}

	// 测试溢出
	mgr.currentID = 65535
	id3, _ := mgr.NextID()
	if id3 != 65535 {
		t.Fatalf("Expected 65535, got %d", id3)
	}
	id4, _ := mgr.NextID()
	if id4 != 3 {
		t.Fatalf("Expected 3 after overflow skipping used ids, got %d", id4)
	}

	// 测试释放与复用
	mgr.ReleaseID(id1)
	mgr.currentID = 1
	id5, _ := mgr.NextID()
	if id5 != 1 {
		t.Fatalf("Expected 1 after release, got %d", id5)
	}
}

func TestPacketIDExhausted(t *testing.T) {
	mgr := NewPacketIDManager()
	for i := 1; i <= 65535; i++ {
		mgr.Reserve(uint16(i))
	}
	if _, err := mgr.NextID(); !errors.Is(err, ErrInflightFull) {
		t.Fatalf("expected ErrInflightFull, got %v", err)
	}
}

func TestInflightOrder(t *testing.T) {
	f := NewInflight()
	f.Restore([]database.PendingMessage{{PacketID: 7, Topic: "a", QoS: 1}})
	id, err := f.Add("b", []byte("x"), false)
	if err != nil || id == 7 {
		t.Fatalf("unexpected id %d err %v", id, err)
	}
	pending := f.Pending()
	if len(pending) != 2 || pending[0].Topic != "a" || pending[1].Topic != "b" {
		t.Fatalf("unexpected pending order %+v", pending)
	}
	if !f.Ack(7) || f.Ack(7) {
		t.Fatal("ack should clear exactly once")
	}
	if f.Len() != 1 {
		t.Fatalf("expected 1 in flight, got %d", f.Len())
	}
}
