package server

import (
	"testing"
	"time"
)

func TestSignalRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewSignalRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("attempt %d blocked under the limit", i)
		}
	}
	if rl.Allow("alice") {
		t.Fatalf("fourth attempt must be blocked")
	}

	// Other users have their own window.
	if !rl.Allow("bob") {
		t.Fatalf("unrelated user blocked")
	}
}

func TestSignalRateLimiter_WindowSlides(t *testing.T) {
	rl := NewSignalRateLimiter(2, 30*time.Millisecond)

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatalf("initial attempts blocked")
	}
	if rl.Allow("alice") {
		t.Fatalf("over-limit attempt allowed")
	}

	time.Sleep(40 * time.Millisecond)
	if !rl.Allow("alice") {
		t.Fatalf("attempt blocked after the window passed")
	}
}
