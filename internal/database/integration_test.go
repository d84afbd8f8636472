package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/config"
)

func TestRedisRetainedStore(t *testing.T) {
	addr := os.Getenv("PONDER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PONDER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisRetainedStore(ctx, config.RedisConfig{Addr: addr, KeyPrefix: "ponder-test:" + time.Now().Format("150405.000") + ":"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.client.Del(ctx, store.key); _ = store.Invoke(ctx) }()

	msg := &broker.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1, Retain: true, CreatedAt: time.Now()}
	if err := store.SaveRetained(ctx, msg); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadRetained(ctx)
	if err != nil || len(loaded) != 1 || loaded[0].Topic != "a/b" || string(loaded[0].Payload) != "x" {
		t.Fatalf("unexpected load result %v %v", loaded, err)
	}
	if err := store.DeleteRetained(ctx, "a/b"); err != nil {
		t.Fatal(err)
	}
	loaded, _ = store.LoadRetained(ctx)
	if len(loaded) != 0 {
		t.Fatalf("expected empty store, got %d", len(loaded))
	}
}

func TestMongoStore(t *testing.T) {
	host := os.Getenv("PONDER_TEST_MONGO_HOST")
	if host == "" {
		t.Skip("PONDER_TEST_MONGO_HOST not set")
	}
	ctx := context.Background()
	cfg := config.Default().Database
	cfg.Host = host
	cfg.Database = "ponder_test"
	m, err := Connect(ctx, cfg, "ponder-test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Database.Drop(ctx); _ = m.Invoke(ctx) }()

	store := NewMongoStore(m)
	session := NewSessionData("device-1")
	session.Subscriptions = append(session.Subscriptions, SubscriptionData{Filter: "lime/devices/1/#", QoS: 1})
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSession(ctx, "device-1")
	if err != nil || len(got.Subscriptions) != 1 {
		t.Fatalf("unexpected session %+v %v", got, err)
	}
	_ = store.DeleteSession(ctx, "device-1")
	if _, err := store.GetSession(ctx, "device-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
