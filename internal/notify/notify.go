package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
)

// Notifier wakes idle workers when jobs are queued. It only shortens
// polling latency; the database stays the source of truth.
type Notifier interface {
	Notify(ctx context.Context, n int)
	Wait(ctx context.Context, timeout time.Duration)
	Close() error
}

// New returns a Redis notifier when an address is configured and Noop
// otherwise.
func New(cfg common.RedisConfig, logger *slog.Logger) Notifier {
	if cfg.Addr == "" {
		return Noop{}
	}
	return NewRedisNotifier(cfg, logger)
}

// Noop never wakes anyone; Wait just sleeps.
type Noop struct{}

func (Noop) Notify(context.Context, int) {}

func (Noop) Wait(ctx context.Context, timeout time.Duration) { sleep(ctx, timeout) }

func (Noop) Close() error { return nil }

// maxTokens bounds the wake-up list so producers never grow it unchecked.
const maxTokens = 1024

type RedisNotifier struct {
	client *redis.Client
	key    string
	logger *slog.Logger

	warnedUnavailable atomic.Bool
}

func NewRedisNotifier(cfg common.RedisConfig, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.QueueKey
	if key == "" {
		key = "tender:wake"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, falling back to polling", "addr", cfg.Addr, "error", err)
		_ = client.Close()
		n := &RedisNotifier{key: key, logger: logger}
		n.warnedUnavailable.Store(true)
		return n
	}
	logger.Info("redis wake-up channel ready", "addr", cfg.Addr, "key", key)
	return &RedisNotifier{client: client, key: key, logger: logger}
}

// Available reports whether Redis answered at startup.
func (r *RedisNotifier) Available() bool {
	return r != nil && r.client != nil
}

func (r *RedisNotifier) warnUnavailableOnce(err error) {
	if r.warnedUnavailable.CompareAndSwap(false, true) {
		r.logger.Warn("redis unavailable, falling back to polling", "error", err)
	}
}

// Notify pushes up to n wake-up tokens, one per newly queued job.
func (r *RedisNotifier) Notify(ctx context.Context, n int) {
	if !r.Available() || n <= 0 {
		return
	}
	if n > maxTokens {
		n = maxTokens
	}
	tokens := make([]any, n)
	for i := range tokens {
		tokens[i] = "1"
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key, tokens...)
		pipe.LTrim(ctx, r.key, 0, maxTokens-1)
		return nil
	})
	if err != nil {
		r.warnUnavailableOnce(err)
		return
	}
	r.warnedUnavailable.Store(false)
}

// Wait blocks until a token arrives, timeout passes or ctx is done.
func (r *RedisNotifier) Wait(ctx context.Context, timeout time.Duration) {
	if !r.Available() {
		sleep(ctx, timeout)
		return
	}
	start := time.Now()
	err := r.client.BRPop(ctx, timeout, r.key).Err()
	switch {
	case err == nil, errors.Is(err, redis.Nil), ctx.Err() != nil:
	default:
		r.warnUnavailableOnce(err)
		if rest := timeout - time.Since(start); rest > 0 {
			sleep(ctx, rest)
		}
	}
}

func (r *RedisNotifier) Close() error {
	if !r.Available() {
		return nil
	}
	return r.client.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
