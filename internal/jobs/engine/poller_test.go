package engine

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(base, attempt)
			if d <= 0 {
				t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
			}
			if d > backoffCap {
				t.Fatalf("attempt %d: delay %v above cap", attempt, d)
			}
		}
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	if d := backoffDelay(0, 3); d <= 0 || d > backoffCap {
		t.Fatalf("zero base should fall back to a sane delay, got %v", d)
	}
}
