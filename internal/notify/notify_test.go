package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
)

func TestNew_NoAddrIsNoop(t *testing.T) {
	n := New(common.RedisConfig{}, slog.New(slog.DiscardHandler))
	if _, ok := n.(Noop); !ok {
		t.Fatalf("New without address = %T, want Noop", n)
	}
}

func TestRedisNotifier_DegradesToPolling(t *testing.T) {
	n := NewRedisNotifier(common.RedisConfig{Addr: "127.0.0.1:1"}, slog.New(slog.DiscardHandler))
	if n.Available() {
		t.Fatal("notifier reports available with nothing listening")
	}
	n.Notify(context.Background(), 5)

	start := time.Now()
	n.Wait(context.Background(), 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait returned after %v, want about the poll timeout", elapsed)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestWait_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	Noop{}.Wait(ctx, time.Minute)
	if time.Since(start) > time.Second {
		t.Error("Wait ignored a cancelled context")
	}
}
