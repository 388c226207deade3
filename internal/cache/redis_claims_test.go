package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisClaims_FirstClaimWins(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	claims := NewRedisClaims(rdb, 10*time.Second)
	ctx := context.Background()

	ok, err := claims.Claim(ctx, "1700000000.000100")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if !ok {
		t.Fatalf("expected first claim to succeed")
	}

	ok, err = claims.Claim(ctx, "1700000000.000100")
	if err != nil {
		t.Fatalf("second Claim() error: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to be rejected")
	}

	key := "proposal:claimed:1700000000.000100"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}
}

func TestRedisClaims_ExpiredClaimCanBeTakenAgain(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	claims := NewRedisClaims(rdb, time.Minute)
	ctx := context.Background()

	if ok, _ := claims.Claim(ctx, "a"); !ok {
		t.Fatalf("expected first claim to succeed")
	}

	mr.FastForward(2 * time.Minute)

	ok, err := claims.Claim(ctx, "a")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if !ok {
		t.Fatalf("expected claim to succeed after expiry")
	}
}

func TestRedisClaims_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	claims := NewRedisClaims(rdb, time.Minute)

	var (
		wins atomic.Int64
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := claims.Claim(context.Background(), "same"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestRedisClaims_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	claims := NewRedisClaims(rdb, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := claims.Claim(ctx, "x"); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

func TestRedisClaims_ServerDown(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	claims := NewRedisClaims(rdb, time.Second)
	mr.Close()

	if _, err := claims.Claim(context.Background(), "x"); err == nil {
		t.Fatalf("expected error when redis is unreachable, got nil")
	}
}
