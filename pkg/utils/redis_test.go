package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisOptions_PrefersURL(t *testing.T) {
	opts, err := RedisOptions(RedisConfig{URL: "redis://:pw@cache:6380/2", Addr: "ignored:1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if opts.Addr != "cache:6380" || opts.DB != 2 || opts.Password != "pw" {
		t.Fatalf("unexpected options: addr=%q db=%d", opts.Addr, opts.DB)
	}
	if opts.PoolSize != 20 {
		t.Fatalf("expected default pool size, got %d", opts.PoolSize)
	}
}

func TestRedisOptions_RequiresTarget(t *testing.T) {
	if _, err := RedisOptions(RedisConfig{}); err == nil {
		t.Fatalf("expected error without url or addr")
	}
}

func TestOpenRedis_Pings(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr(), PingTimeout: time.Second})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer rdb.Close()

	mr.Close()
	if _, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr(), PingTimeout: 200 * time.Millisecond, DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected ping failure against closed server")
	}
}
