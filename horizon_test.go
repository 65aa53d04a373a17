package hn4

import (
	"errors"
	"testing"
)

func TestHorizonRingBasicAlloc(t *testing.T) {
	bm := NewBitmap(2000)
	hr, err := NewHorizonRing(1000, 1000, 2000, bm)
	if err != nil {
		t.Fatalf("NewHorizonRing: %v", err)
	}
	lba, err := hr.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if lba < 1000 || lba >= 2000 {
		t.Fatalf("Alloc returned lba %d outside ring [1000, 2000)", lba)
	}
	ok, err := bm.Test(lba)
	if err != nil || !ok {
		t.Fatalf("allocated lba %d not reflected as set in bitmap: ok=%v err=%v", lba, ok, err)
	}
}

func TestHorizonRingCrossesJournalRejected(t *testing.T) {
	bm := NewBitmap(2000)
	if _, err := NewHorizonRing(1500, 1000, 2000, bm); !errors.Is(err, ErrGeometry) {
		t.Fatalf("ring crossing journal_start: err=%v, want ErrGeometry", err)
	}
}

func TestHorizonRingExhaustion(t *testing.T) {
	bm := NewBitmap(10)
	hr, err := NewHorizonRing(0, 4, 10, bm)
	if err != nil {
		t.Fatalf("NewHorizonRing: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := hr.Alloc(); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := hr.Alloc(); !errors.Is(err, ErrENoSpc) {
		t.Fatalf("Alloc after exhaustion: err=%v, want ErrENoSpc", err)
	}
}

func TestHorizonRingSkipsAlreadySet(t *testing.T) {
	bm := NewBitmap(10)
	// Pre-set lba 0 (index 0) so the first fetch-add lands on an occupied
	// slot and the ring must probe forward.
	if _, err := bm.Set(0); err != nil {
		t.Fatalf("Set(0): %v", err)
	}
	hr, err := NewHorizonRing(0, 4, 10, bm)
	if err != nil {
		t.Fatalf("NewHorizonRing: %v", err)
	}
	lba, err := hr.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if lba == 0 {
		t.Fatalf("Alloc returned already-occupied lba 0")
	}
}
