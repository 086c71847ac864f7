package ratelimit

import (
	"testing"
	"time"

	"github.com/trafficgen/tgen/api"
)

func TestQuantumPolicyAccountsWithinBudget(t *testing.T) {
	p := NewQuantumPolicy(10_000, 100*time.Millisecond) // 1000 bytes/quantum
	now := int64(1_000_000_000)

	var task api.IoTask
	p.UpdateOffset(&task, 400, now)
	if task.TimeOffsetMillis != 0 {
		t.Fatalf("expected no delay within budget, got %d", task.TimeOffsetMillis)
	}
	p.UpdateOffset(&task, 400, now+1000)
	if task.TimeOffsetMillis != 0 {
		t.Fatalf("expected no delay still within budget, got %d", task.TimeOffsetMillis)
	}
}

func TestQuantumPolicyDelaysWhenFull(t *testing.T) {
	p := NewQuantumPolicy(10_000, 100*time.Millisecond) // 1000 bytes/quantum
	now := int64(1_000_000_000)

	var task api.IoTask
	p.UpdateOffset(&task, 900, now)
	p.UpdateOffset(&task, 200, now+1000) // exceeds 1000-byte budget
	if task.TimeOffsetMillis <= 0 {
		t.Fatalf("expected a positive delay once quantum is full, got %d", task.TimeOffsetMillis)
	}
}

func TestQuantumPolicyHandlesClockSkew(t *testing.T) {
	p := NewQuantumPolicy(10_000, 100*time.Millisecond)
	now := int64(1_000_000_000)

	var task api.IoTask
	p.UpdateOffset(&task, 100, now)
	p.UpdateOffset(&task, 100, now-500) // clock went backwards
	if task.TimeOffsetMillis <= 0 {
		t.Fatalf("expected delay to the committed quantum boundary, got %d", task.TimeOffsetMillis)
	}
}

func TestQuantumPolicyAdvancesNaturally(t *testing.T) {
	p := NewQuantumPolicy(10_000, 100*time.Millisecond) // 1000 bytes/quantum
	now := int64(1_000_000_000)

	var task api.IoTask
	p.UpdateOffset(&task, 900, now)
	p.UpdateOffset(&task, 900, now+int64(200*time.Millisecond))
	if task.TimeOffsetMillis != 0 {
		t.Fatalf("expected fresh quantum after natural advance, got %d", task.TimeOffsetMillis)
	}
}

func TestNoThrottleNeverDelays(t *testing.T) {
	var nt NoThrottle
	var task api.IoTask
	task.TimeOffsetMillis = 42
	nt.UpdateOffset(&task, 1_000_000, 0)
	if task.TimeOffsetMillis != 0 {
		t.Fatalf("expected NoThrottle to zero the offset, got %d", task.TimeOffsetMillis)
	}
}

func TestQuantumPolicyDeterministic(t *testing.T) {
	p1 := NewQuantumPolicy(10_000, 100*time.Millisecond)
	p2 := NewQuantumPolicy(10_000, 100*time.Millisecond)
	now := int64(5_000_000_000)

	var t1, t2 api.IoTask
	for i := 0; i < 5; i++ {
		p1.UpdateOffset(&t1, 300, now+int64(i)*int64(30*time.Millisecond))
		p2.UpdateOffset(&t2, 300, now+int64(i)*int64(30*time.Millisecond))
		if t1.TimeOffsetMillis != t2.TimeOffsetMillis {
			t.Fatalf("iteration %d: policies diverged: %d vs %d", i, t1.TimeOffsetMillis, t2.TimeOffsetMillis)
		}
	}
}
