package httpmiddleware

import (
	"testing"
	"time"
)

func TestTokenBucketExhaustion(t *testing.T) {
	l := NewTokenBucket(3, 60)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.allow("1.2.3.4", now) {
			t.Fatalf("request %d denied within capacity", i)
		}
	}
	if l.allow("1.2.3.4", now) {
		t.Fatal("request allowed past capacity")
	}
	// Another caller has its own bucket.
	if !l.allow("5.6.7.8", now) {
		t.Fatal("independent caller denied")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	l := NewTokenBucket(2, 60) // one token per second
	now := time.Now()

	l.allow("k", now)
	l.allow("k", now)
	if l.allow("k", now) {
		t.Fatal("allowed while empty")
	}
	if !l.allow("k", now.Add(1100*time.Millisecond)) {
		t.Fatal("denied after refill interval")
	}
}

func TestTokenBucketCapDefaultsToRate(t *testing.T) {
	l := NewTokenBucket(0, 10)
	if l.capacity != 10 {
		t.Fatalf("capacity = %d, want 10", l.capacity)
	}
}
