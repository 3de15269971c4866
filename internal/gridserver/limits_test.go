package gridserver

import "testing"

func TestTokenBucket_Burst(t *testing.T) {
	b := newTokenBucket(0, 3)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() #%d = false within burst", i)
		}
	}
	if b.Allow() {
		t.Error("Allow() = true after burst with zero rate")
	}
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(1, 2)
	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third connect should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other hosts have their own bucket")
	}

	off := newIPLimiter(0, 1)
	for i := 0; i < 10; i++ {
		if !off.Allow("10.0.0.1") {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestConnLimiter(t *testing.T) {
	l := newConnLimiter(2)
	if !l.Acquire() || !l.Acquire() {
		t.Fatal("should acquire up to the limit")
	}
	if l.Acquire() {
		t.Error("acquire over the limit")
	}
	l.Release()
	if !l.Acquire() {
		t.Error("release should free a slot")
	}

	unlimited := newConnLimiter(0)
	for i := 0; i < 100; i++ {
		if !unlimited.Acquire() {
			t.Fatal("zero limit should be unlimited")
		}
	}
}
