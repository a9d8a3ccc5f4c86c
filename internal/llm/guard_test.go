package llm

import (
	"testing"
	"time"
)

// Workers swap to their fallback backend while the guard is tripped, so the
// cooldown window controls how long the pool runs degraded.
func TestGuardCooldownWindow(t *testing.T) {
	t.Parallel()
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	guard := NewGuard(3, 5*time.Minute)
	guard.now = func() time.Time { return current }

	for i := 0; i < 2; i++ {
		guard.RecordFailure()
		if !guard.Allow() {
			t.Fatalf("tripped after %d failures, threshold is 3", i+1)
		}
	}
	guard.RecordFailure()
	if guard.Allow() {
		t.Fatal("third consecutive failure must trip the guard")
	}
	if guard.Failures() != 3 {
		t.Fatalf("failures = %d, want 3", guard.Failures())
	}

	current = current.Add(5 * time.Minute)
	if guard.Allow() {
		t.Fatal("still inside the cooldown window")
	}
	current = current.Add(time.Second)
	if !guard.Allow() {
		t.Fatal("guard must re-allow once the cooldown has passed")
	}
}

func TestGuardSuccessClearsBackoff(t *testing.T) {
	t.Parallel()
	guard := NewGuard(1, time.Hour)
	guard.RecordFailure()
	if guard.Allow() {
		t.Fatal("single-failure guard must trip immediately")
	}
	guard.RecordSuccess()
	if !guard.Allow() {
		t.Fatal("a successful call must clear the trip")
	}
	if !guard.DisabledUntil().IsZero() {
		t.Fatal("cooldown deadline must be cleared on success")
	}
	if guard.Failures() != 0 {
		t.Fatalf("failures = %d, want reset to 0", guard.Failures())
	}
}

func TestGuardZeroThresholdNeverTrips(t *testing.T) {
	t.Parallel()
	guard := NewGuard(0, time.Hour)
	for i := 0; i < 10; i++ {
		guard.RecordFailure()
	}
	if !guard.Allow() {
		t.Fatal("threshold 0 disables the guard entirely")
	}
}
