package retry

import (
	"testing"
	"time"
)

func noJitter() float64 { return 0 }

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: noJitter, MaxJitter: time.Second}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.retryCount); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestDelay_JitterBounded(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxJitter: 500 * time.Millisecond}

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < time.Second || d >= 1500*time.Millisecond {
			t.Fatalf("Delay(1) = %v outside [1s, 1.5s)", d)
		}
	}
}

func TestDelay_NonDecreasing(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = noJitter

	prev := time.Duration(0)
	for n := 1; n <= 30; n++ {
		d := p.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", n, d, prev)
		}
		prev = d
	}
}

func TestNextEligibleAt(t *testing.T) {
	p := Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: noJitter}
	now := time.Unix(1_700_000_000, 0)

	if got := p.NextEligibleAt(3, now); !got.Equal(now.Add(4 * time.Minute)) {
		t.Errorf("NextEligibleAt(3) = %v", got)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	for n, want := range map[int]bool{0: false, 2: false, 3: true, 4: true} {
		if got := p.Exhausted(n); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", n, got, want)
		}
	}

	if (Policy{}).Exhausted(100) {
		t.Error("zero MaxAttempts means unlimited")
	}
}
