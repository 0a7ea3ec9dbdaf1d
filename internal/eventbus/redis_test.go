package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

func TestPublishSubscribe(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	bus := NewRedisBus(&redis.Options{Addr: s.Addr()}, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, DefaultTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev := core.Event{ID: "1", Kind: core.KindSprintUpdated, Timestamp: time.Now(), TeamID: "t1"}
	if err := bus.Publish(ctx, DefaultTopic, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID != ev.ID || got.Kind != core.KindSprintUpdated || got.TeamID != "t1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	bus := NewRedisBus(&redis.Options{Addr: s.Addr()}, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, DefaultTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestRedisBusPing(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	bus := NewRedisBus(&redis.Options{Addr: s.Addr()}, nil)
	defer bus.Close()

	if err := bus.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	s.Close()
	if err := bus.Ping(context.Background()); err == nil {
		t.Fatal("ping should fail once redis is gone")
	}
}

func TestRedisBusRecoversFromClientFailure(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()
	bus := NewRedisBus(&redis.Options{Addr: s.Addr()}, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = bus.conn().Close()
	ch, err := bus.Subscribe(ctx, "updates")
	if err != nil {
		t.Fatalf("subscribe after client failure: %v", err)
	}

	if err := bus.Publish(ctx, "updates", core.Event{ID: "1", Kind: core.KindSyncCompleted}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.ID != "1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
