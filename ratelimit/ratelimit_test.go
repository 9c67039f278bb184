package ratelimit

import (
	"testing"
	"time"
)

func TestNoopAlwaysAllows(t *testing.T) {
	var l Noop
	for i := 0; i < 5; i++ {
		if d := l.Allow("/s/a", "client-1"); !d.Allowed {
			t.Fatalf("Noop rejected a request")
		}
	}
}

func TestTokenBucketExhaustsAndRecovers(t *testing.T) {
	b := NewTokenBucket(2, 1000) // capacity 2, fast refill so the test doesn't sleep long

	if !b.Allow("/s/a", "client-1").Allowed {
		t.Fatalf("expected first request to be allowed")
	}
	if !b.Allow("/s/a", "client-1").Allowed {
		t.Fatalf("expected second request to be allowed")
	}
	d := b.Allow("/s/a", "client-1")
	if d.Allowed {
		t.Fatalf("expected third request to exhaust the bucket")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry-after when rejected")
	}

	time.Sleep(5 * time.Millisecond)
	if !b.Allow("/s/a", "client-1").Allowed {
		t.Fatalf("expected the bucket to refill and allow a request again")
	}
}

func TestTokenBucketIsPerClient(t *testing.T) {
	b := NewTokenBucket(1, 1)

	if !b.Allow("/s/a", "client-1").Allowed {
		t.Fatalf("expected client-1's first request to be allowed")
	}
	if !b.Allow("/s/a", "client-2").Allowed {
		t.Fatalf("expected client-2 to have its own independent bucket")
	}
	if b.Allow("/s/a", "client-1").Allowed {
		t.Fatalf("expected client-1's bucket to stay exhausted")
	}
}

func TestTokenBucketAnonymousClientsGetOwnBucket(t *testing.T) {
	b := NewTokenBucket(1, 1)

	if !b.Allow("/s/a", "").Allowed {
		t.Fatalf("expected first anonymous request to be allowed")
	}
	if b.Allow("/s/a", "").Allowed {
		t.Fatalf("expected anonymous bucket to exhaust like any other")
	}
}
