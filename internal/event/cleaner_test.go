package event

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCleanerRunsInReverseOrder(t *testing.T) {
	c := newCleaner(time.Second)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.AddFunc(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	loggerClosed := false
	c.Init(CallableFunc(func(context.Context) error {
		loggerClosed = true
		return nil
	}))

	if err := c.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("unexpected order %v", order)
	}
	if !loggerClosed {
		t.Errorf("logger shutdown not invoked")
	}

	c.AddFunc(func(context.Context) error {
		t.Errorf("cleaner added after shutdown must not run")
		return nil
	})
	_ = c.Clean()
}

func TestCleanerCollectsErrorsAndTimeouts(t *testing.T) {
	c := newCleaner(20 * time.Millisecond)
	boom := errors.New("boom")
	c.AddFunc(func(context.Context) error { return boom })
	c.AddFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := c.Clean()
	if !errors.Is(err, boom) {
		t.Errorf("expected boom in %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in %v", err)
	}
}

func TestWaitCleansWhenContextEnds(t *testing.T) {
	c := newCleaner(time.Second)
	ran := make(chan struct{})
	c.AddFunc(func(context.Context) error {
		close(ran)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Errorf("cleaner did not run")
	}
}
