package dedup_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/dedup"
)

func TestShouldProcess_FirstSight(t *testing.T) {
	t.Parallel()

	d := dedup.New(time.Minute, nil)
	if !d.ShouldProcess("m1") {
		t.Fatal("first sighting must be processed")
	}
}

func TestShouldProcess_DuplicateWithinTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := dedup.NewWithClock(time.Minute, nil, func() time.Time { return now })

	if !d.ShouldProcess("m1") {
		t.Fatal("first sighting must be processed")
	}

	now = now.Add(5 * time.Second)
	if d.ShouldProcess("m1") {
		t.Fatal("repeat within TTL must be suppressed")
	}
}

func TestShouldProcess_AfterTTLElapsed(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := dedup.NewWithClock(time.Minute, nil, func() time.Time { return now })

	d.ShouldProcess("m1")

	now = now.Add(time.Minute + time.Second)
	if !d.ShouldProcess("m1") {
		t.Fatal("sighting after TTL elapsed must be processed again")
	}
}

func TestShouldProcess_EmptyID(t *testing.T) {
	t.Parallel()

	d := dedup.New(time.Minute, nil)
	for i := 0; i < 3; i++ {
		if !d.ShouldProcess("") {
			t.Fatal("empty delivery id can never be deduplicated")
		}
	}
}

func TestShouldProcess_IndependentIDs(t *testing.T) {
	t.Parallel()

	d := dedup.New(time.Minute, nil)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%d", i)
		if !d.ShouldProcess(id) {
			t.Fatalf("distinct id %q suppressed", id)
		}
	}
}
