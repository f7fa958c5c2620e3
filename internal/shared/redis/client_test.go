package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_GetSet(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err=%v", err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set err=%v", err)
	}
	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("v=%q err=%v", v, err)
	}
}

func TestClient_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	start := time.Unix(1_700_000_000, 0)
	window := time.Minute

	for i := 0; i < 3; i++ {
		now := start.Add(time.Duration(i) * 5 * time.Second)
		res, err := c.SlidingWindow(ctx, "rl:a", fmt.Sprintf("m%d", i), now, window, 3)
		if err != nil {
			t.Fatalf("call %d err=%v", i, err)
		}
		if !res.Admitted || res.Count != int64(i+1) {
			t.Fatalf("call %d res=%+v", i, res)
		}
	}

	res, err := c.SlidingWindow(ctx, "rl:a", "m3", start.Add(20*time.Second), window, 3)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Admitted || res.Count != 3 {
		t.Fatalf("fourth res=%+v", res)
	}
	if !res.Oldest.Equal(start) {
		t.Fatalf("oldest=%s", res.Oldest)
	}

	// first entry leaves the window exactly at start+window
	res, err = c.SlidingWindow(ctx, "rl:a", "m4", start.Add(window), window, 3)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !res.Admitted || res.Count != 3 {
		t.Fatalf("after window res=%+v", res)
	}
}

func TestClient_SlidingWindowDenialLeavesSetUntouched(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := New(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 2; i++ {
		if res, err := c.SlidingWindow(ctx, "rl:b", fmt.Sprintf("m%d", i), now, time.Minute, 2); err != nil || !res.Admitted {
			t.Fatalf("call %d res=%+v err=%v", i, res, err)
		}
	}
	res, err := c.SlidingWindow(ctx, "rl:b", "denied", now.Add(time.Second), time.Minute, 2)
	if err != nil || res.Admitted {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	members, err := mr.ZMembers("rl:b")
	if err != nil {
		t.Fatalf("ZMembers err=%v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members=%v", members)
	}
	for _, m := range members {
		if m == "denied" {
			t.Fatalf("denied member left in window: %v", members)
		}
	}
	if ttl := mr.TTL("rl:b"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl=%s", ttl)
	}
}
