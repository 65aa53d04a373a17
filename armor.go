package hn4

import (
	"encoding/binary"
	"math/bits"
	"sync"
)

// armoredWord is a single 128-bit bitmap lane: 64 data bits (one per
// block), a version counter, and an ECC byte derived from the data and
// version (§3, §4.1). Go has no native 128-bit compare-and-swap, so per the
// design note on target languages without one (§9), the word is
// serialized under its own fine-grained lock rather than a global one —
// the bitmap remains the sole synchronization point for block ownership
// (§5), it's just word-striped instead of a single atomic instruction.
type armoredWord struct {
	mu      sync.Mutex
	data    uint64
	version uint32
	ecc     byte
}

func computeECC(data uint64, version uint32) byte {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], data)
	binary.LittleEndian.PutUint32(buf[8:12], version)
	return byte(crc32cChecksum(buf[:]))
}

func newArmoredWord(data uint64) *armoredWord {
	w := &armoredWord{data: data, version: 1}
	w.ecc = computeECC(w.data, w.version)
	return w
}

// verify must be called with mu held. It reports whether the word's stored
// ECC still matches its data and version.
func (w *armoredWord) verify() bool {
	return w.ecc == computeECC(w.data, w.version)
}

// mutate applies fn to the word's current data under the word's lock. fn
// returns the candidate new data and whether a change should actually be
// committed; if it returns changed=false, no version bump or ECC
// recompute occurs (this is how Set-of-already-set and Clear-of-already-
// clear stay no-ops per §4.1). A corrupted word is refused before fn ever
// runs.
func (w *armoredWord) mutate(fn func(data uint64) (newData uint64, changed bool)) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.verify() {
		return false, wrapErr(KindDataRot, nil, "armored word ECC mismatch")
	}
	newData, changed := fn(w.data)
	if !changed {
		return false, nil
	}
	w.data = newData
	w.version++
	w.ecc = computeECC(w.data, w.version)
	return true, nil
}

// forceMutate applies fn unconditionally, bypassing the ECC check, and
// always recomputes a fresh, valid ECC afterward. This is the resolution
// of the "force_clear vs. a poisoned word" open question (§9): a forced
// mutation always leaves the word in a verifiably consistent state rather
// than preserving a prior corruption.
func (w *armoredWord) forceMutate(fn func(data uint64) uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.data = fn(w.data)
	w.version++
	w.ecc = computeECC(w.data, w.version)
}

func (w *armoredWord) test(bit uint) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.verify() {
		return false, wrapErr(KindDataRot, nil, "armored word ECC mismatch")
	}
	return w.data&(uint64(1)<<bit) != 0, nil
}

// snapshot returns the word's data bits, skipping the ECC check. Used only
// by serialization, which strips armor entirely and regenerates it on
// load (§6: "the armor ... is reconstructed on load").
func (w *armoredWord) snapshot() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data
}

// Bitmap is the void bitmap: an ordered sequence of armored words covering
// every block in the Flux and Horizon regions. It is the sole authority
// on free/used state (§3) and the only synchronization point between
// concurrent allocators (§5).
type Bitmap struct {
	words       []*armoredWord
	totalBlocks uint64
}

// NewBitmap allocates an all-clear bitmap covering totalBlocks blocks.
func NewBitmap(totalBlocks uint64) *Bitmap {
	n := (totalBlocks + 63) / 64
	words := make([]*armoredWord, n)
	for i := range words {
		words[i] = newArmoredWord(0)
	}
	return &Bitmap{words: words, totalBlocks: totalBlocks}
}

func (b *Bitmap) locate(lba uint64) (wordIdx int, bit uint, err error) {
	if lba >= b.totalBlocks {
		return 0, 0, wrapErr(KindGeometry, nil, "lba %d out of range (total %d)", lba, b.totalBlocks)
	}
	return int(lba / 64), uint(lba % 64), nil
}

// Set reserves lba. changed is true only if the bit transitioned from
// clear to set; an already-set bit returns changed=false with no error
// (§4.1).
func (b *Bitmap) Set(lba uint64) (changed bool, err error) {
	idx, bit, err := b.locate(lba)
	if err != nil {
		return false, err
	}
	mask := uint64(1) << bit
	return b.words[idx].mutate(func(data uint64) (uint64, bool) {
		if data&mask != 0 {
			return data, false
		}
		return data | mask, true
	})
}

// Clear frees lba. Clearing an already-clear bit is a no-op, not an error,
// so the free path is idempotent (§4.1, §9).
func (b *Bitmap) Clear(lba uint64) error {
	_, err := b.clearChanged(lba)
	return err
}

// clearChanged is Clear plus whether the bit actually transitioned from
// set to clear, used internally by the allocator's free path to decide
// whether to decrement the used_blocks counter.
func (b *Bitmap) clearChanged(lba uint64) (bool, error) {
	idx, bit, err := b.locate(lba)
	if err != nil {
		return false, err
	}
	mask := uint64(1) << bit
	return b.words[idx].mutate(func(data uint64) (uint64, bool) {
		if data&mask == 0 {
			return data, false
		}
		return data &^ mask, true
	})
}

// ForceClear frees lba unconditionally, even if the covering word's ECC
// was corrupt, and leaves a freshly valid ECC behind (§9 resolution).
func (b *Bitmap) ForceClear(lba uint64) error {
	idx, bit, err := b.locate(lba)
	if err != nil {
		return err
	}
	mask := uint64(1) << bit
	b.words[idx].forceMutate(func(data uint64) uint64 {
		return data &^ mask
	})
	return nil
}

// Test reports whether lba is currently allocated.
func (b *Bitmap) Test(lba uint64) (bool, error) {
	idx, bit, err := b.locate(lba)
	if err != nil {
		return false, err
	}
	return b.words[idx].test(bit)
}

// ToBytes packs the bitmap into the on-disk format: 8 bytes per 64 blocks,
// little-endian, with the armor (ECC/version) stripped entirely (§6).
func (b *Bitmap) ToBytes() []byte {
	out := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], w.snapshot())
	}
	return out
}

// LoadBitmapFromBytes reconstructs a Bitmap from its packed on-disk form,
// regenerating armor deterministically for every word (§6, §8
// round-trip property).
func LoadBitmapFromBytes(raw []byte, totalBlocks uint64) (*Bitmap, error) {
	n := int((totalBlocks + 63) / 64)
	if len(raw) != n*8 {
		return nil, wrapErr(KindGeometry, nil, "bitmap byte length %d does not match expected %d for %d blocks", len(raw), n*8, totalBlocks)
	}
	words := make([]*armoredWord, n)
	for i := 0; i < n; i++ {
		data := binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
		words[i] = newArmoredWord(data)
	}
	return &Bitmap{words: words, totalBlocks: totalBlocks}, nil
}

// TotalBlocks returns the number of blocks this bitmap covers.
func (b *Bitmap) TotalBlocks() uint64 { return b.totalBlocks }

// PopCount returns the number of currently set bits, used at mount to
// reseed the allocator's used_blocks counter from a loaded bitmap.
func (b *Bitmap) PopCount() uint64 {
	var n uint64
	for _, w := range b.words {
		n += uint64(bits.OnesCount64(w.snapshot()))
	}
	return n
}

// Scrub zeroes every word's data in place, the armored-bitmap half of
// unmount's unconditional "secure-zero then free" teardown (§4.9).
func (b *Bitmap) Scrub() {
	for _, w := range b.words {
		w.forceMutate(func(uint64) uint64 { return 0 })
	}
}
