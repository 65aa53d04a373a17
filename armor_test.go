package hn4

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestBitmapSetClearIdempotent(t *testing.T) {
	b := NewBitmap(256)

	changed, err := b.Set(10)
	if err != nil || !changed {
		t.Fatalf("first Set(10): changed=%v err=%v", changed, err)
	}
	changed, err = b.Set(10)
	if err != nil || changed {
		t.Fatalf("second Set(10): changed=%v err=%v, want changed=false", changed, err)
	}

	if err := b.Clear(10); err != nil {
		t.Fatalf("Clear(10): %v", err)
	}
	// Clearing an already-clear bit must be a no-op, not an error.
	if err := b.Clear(10); err != nil {
		t.Fatalf("Clear(10) again: %v, want nil (idempotent free)", err)
	}

	ok, err := b.Test(10)
	if err != nil {
		t.Fatalf("Test(10): %v", err)
	}
	if ok {
		t.Fatalf("Test(10) = true after clear, want false")
	}
}

func TestBitmapOutOfRange(t *testing.T) {
	b := NewBitmap(64)
	if _, err := b.Set(64); !errors.Is(err, ErrGeometry) {
		t.Fatalf("Set(64) on 64-block bitmap: err=%v, want ErrGeometry", err)
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	b := NewBitmap(256)
	for _, lba := range []uint64{0, 1, 63, 64, 65, 200, 255} {
		if _, err := b.Set(lba); err != nil {
			t.Fatalf("Set(%d): %v", lba, err)
		}
	}

	raw := b.ToBytes()
	b2, err := LoadBitmapFromBytes(raw, 256)
	if err != nil {
		t.Fatalf("LoadBitmapFromBytes: %v", err)
	}

	for lba := uint64(0); lba < 256; lba++ {
		want, err := b.Test(lba)
		if err != nil {
			t.Fatalf("Test(%d) on original: %v", lba, err)
		}
		got, err := b2.Test(lba)
		if err != nil {
			t.Fatalf("Test(%d) on reloaded: %v", lba, err)
		}
		if want != got {
			t.Fatalf("round trip mismatch at lba %d: want %v got %v", lba, want, got)
		}
	}

	if diff := deep.Equal(b.ToBytes(), b2.ToBytes()); diff != nil {
		t.Fatalf("packed bytes differ after round trip: %v", diff)
	}
}

func TestArmoredWordDataRot(t *testing.T) {
	w := newArmoredWord(0)
	w.ecc ^= 0xFF // corrupt it directly, simulating bit rot on the medium

	if _, err := w.test(0); !errors.Is(err, ErrDataRot) {
		t.Fatalf("test() on corrupted word: err=%v, want ErrDataRot", err)
	}

	changed, err := w.mutate(func(d uint64) (uint64, bool) { return d | 1, true })
	if changed || !errors.Is(err, ErrDataRot) {
		t.Fatalf("mutate() on corrupted word: changed=%v err=%v, want changed=false, ErrDataRot", changed, err)
	}
}

func TestForceClearRewritesECC(t *testing.T) {
	w := newArmoredWord(0b1)
	w.ecc ^= 0xFF // corrupt

	w.forceMutate(func(d uint64) uint64 { return d &^ 1 })

	if !w.verify() {
		t.Fatalf("forceMutate left word with invalid ECC")
	}
	if w.data != 0 {
		t.Fatalf("forceMutate did not clear bit: data=%x", w.data)
	}
}

func TestBitmapConcurrentAllocAtMostOneOwner(t *testing.T) {
	b := NewBitmap(64)
	const lba = 5
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		go func() {
			changed, err := b.Set(lba)
			if err != nil {
				results <- false
				return
			}
			results <- changed
		}()
	}
	winners := 0
	for i := 0; i < 8; i++ {
		if <-results {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("concurrent Set(%d) by 8 goroutines: %d winners, want exactly 1", lba, winners)
	}
}
