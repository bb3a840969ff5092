package redis

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/buntime/adapter"
	"github.com/pithecene-io/buntime/iox"
	"github.com/pithecene-io/buntime/log"
)

func testLogger() *log.Logger {
	return log.NewLoggerWithWriter(io.Discard)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-redis-url", testLogger())
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestNew_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(ctx, "redis://127.0.0.1:1/0", testLogger())
	if err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestPublish_DeliversEvent(t *testing.T) {
	srv := miniredis.RunT(t)

	publisher, err := New(context.Background(), "redis://"+srv.Addr(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(iox.CloseFunc(publisher))

	// Subscribe on a second connection so the publish has a receiver.
	sub := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(iox.CloseFunc(sub))
	pubsub := sub.Subscribe(context.Background(), Channel)
	t.Cleanup(iox.CloseFunc(pubsub))
	if _, err := pubsub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := &adapter.WorkerEvent{
		EventType: adapter.EventWorkerCreated,
		Key:       "key-1",
		WorkerID:  "worker-1",
		AppDir:    "/apps/shop",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("no message received: %v", err)
	}

	var got adapter.WorkerEvent
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.EventType != adapter.EventWorkerCreated {
		t.Errorf("EventType = %q, want %q", got.EventType, adapter.EventWorkerCreated)
	}
	if got.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", got.WorkerID)
	}
}

func TestPublish_RetriesTransientFailure(t *testing.T) {
	srv := miniredis.RunT(t)

	publisher, err := New(context.Background(), "redis://"+srv.Addr(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(iox.CloseFunc(publisher))

	// Drop the server so the first attempts fail, then bring it back within
	// the retry window.
	srv.Close()
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = srv.Restart()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = publisher.Publish(ctx, &adapter.WorkerEvent{
		EventType: adapter.EventWorkerRetired,
		Key:       "key-1",
	})
	if err != nil {
		t.Fatalf("Publish should succeed once redis returns: %v", err)
	}
}
