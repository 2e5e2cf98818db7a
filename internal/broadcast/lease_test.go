package broadcast

import (
	"context"
	"testing"
	"time"

	"campuscast/internal/testsupport/redisstub"
)

func TestRedisLeaseSingleHolderAcrossClients(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	cfg := RedisLeaseConfig{Addr: srv.Addr(), Password: "secret", Prefix: "test:promotion"}
	first := NewRedisLease(cfg)
	second := NewRedisLease(cfg)

	ctx := context.Background()
	acquired, err := first.Acquire(ctx, "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected first acquire to win")
	}

	acquired, err = second.Acquire(ctx, "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if acquired {
		t.Fatal("expected second client to lose while lease is held")
	}

	// A different session is an independent lease.
	acquired, err = second.Acquire(ctx, "sess-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire for other session failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected lease on a different session to succeed")
	}

	first.Release(ctx, "sess-1")

	acquired, err = second.Acquire(ctx, "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestRedisLeaseExpiresWithTTL(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	lease := NewRedisLease(RedisLeaseConfig{Addr: srv.Addr()})
	ctx := context.Background()

	acquired, err := lease.Acquire(ctx, "sess-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquire to succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		acquired, err = lease.Acquire(ctx, "sess-1", time.Minute)
		if err != nil {
			t.Fatalf("re-acquire failed: %v", err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
