package ws

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second, 0)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second, // stays capped
	}

	for i, want := range expected {
		got, ok := bo.Next()
		if !ok {
			t.Fatalf("attempt %d: unexpectedly exhausted", i)
		}
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second, 0)
	bo.Next() // 1s
	bo.Next() // 2s
	bo.Next() // 4s
	bo.Reset()

	got, _ := bo.Next()
	if got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

func TestBackoffMaxAttempts(t *testing.T) {
	bo := NewBackoff(10*time.Millisecond, time.Second, 3)
	for i := 0; i < 3; i++ {
		if _, ok := bo.Next(); !ok {
			t.Fatalf("attempt %d exhausted early", i)
		}
	}
	if _, ok := bo.Next(); ok {
		t.Error("expected exhaustion after 3 attempts")
	}
	if bo.Attempt() != 3 {
		t.Errorf("Attempt() = %d, want 3", bo.Attempt())
	}
	bo.Reset()
	if _, ok := bo.Next(); !ok {
		t.Error("expected attempts after reset")
	}
}

func TestBackoffNoOverflow(t *testing.T) {
	bo := NewBackoff(time.Second, time.Minute, 0)
	for i := 0; i < 100; i++ {
		d, _ := bo.Next()
		if d <= 0 || d > time.Minute {
			t.Fatalf("attempt %d: delay %v out of range", i, d)
		}
	}
}
