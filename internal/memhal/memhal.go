// Package memhal is a reference HAL implementation backing a plain memory
// buffer instead of a real device. It exists for tests and examples outside
// the hn4 package itself: the unit tests inside hn4 use their own minimal
// in-package fake (see memDeviceHAL in epoch_test.go) so they stay free of
// this package's extra dependencies, but anything exercising hn4 from the
// outside — integration tests, example programs — wants a HAL that actually
// behaves like the real thing: page-locked buffers and a real entropy
// source rather than a fixed constant.
package memhal

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"

	"github.com/hn4-dev/hn4"
)

// Device is an in-memory block device implementing hn4.HAL.
type Device struct {
	blockSize uint32
	zoneSize  uint32
	flags     hn4.DeviceCaps
	topology  []hn4.TopologyNode

	mu   sync.RWMutex
	data []byte

	clock uint64 // nanoseconds, advanced monotonically on every GetTimeNS call

	entropyKey    [32]byte
	entropyCursor atomic.Uint64

	temperature     int32
	temperatureErr  error
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithZoneSize marks the device as zoned with the given zone size in
// blocks, setting hn4.CapZNSNative in GetCaps (§4.2's ZNS linearity path).
func WithZoneSize(blocksPerZone uint32) Option {
	return func(d *Device) {
		d.zoneSize = blocksPerZone
		d.flags |= hn4.CapZNSNative
	}
}

// WithTopology overrides the single-node default topology GetTopologyData
// reports.
func WithTopology(nodes []hn4.TopologyNode) Option {
	return func(d *Device) { d.topology = nodes }
}

// WithEntropySeed fixes the blake2b stream's key, making GetRandomU64
// reproducible across runs. Without it, New derives a key from the device's
// geometry, which is reproducible too but less obviously a seed.
func WithEntropySeed(seed [32]byte) Option {
	return func(d *Device) { d.entropyKey = seed }
}

// New allocates a zeroed in-memory device of numBlocks blocks of blockSize
// bytes each.
func New(blockSize uint32, numBlocks uint64, opts ...Option) *Device {
	d := &Device{
		blockSize: blockSize,
		data:      make([]byte, blockSize*uint32(numBlocks)),
		topology:  []hn4.TopologyNode{{ID: 0, CPUMask: 1, QueueIDs: []int{0}}},
	}
	binary.LittleEndian.PutUint32(d.entropyKey[0:], blockSize)
	binary.LittleEndian.PutUint64(d.entropyKey[4:], numBlocks)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Persist(buf []byte) {
	// A real HAL would issue CLWB/SFENCE (or the platform equivalent) over
	// buf; there is no cache hierarchy to flush here.
}

func (d *Device) SyncIO(op hn4.IOOp, lba uint64, buf []byte, lenBlocks uint32) error {
	switch op {
	case hn4.IOOpFlush, hn4.IOOpZoneReset:
		return nil
	case hn4.IOOpDiscard:
		d.mu.Lock()
		defer d.mu.Unlock()
		start, end := d.span(lba, lenBlocks)
		for i := start; i < end; i++ {
			d.data[i] = 0
		}
		return nil
	}

	start, end := d.span(lba, lenBlocks)
	if end > uint64(len(d.data)) {
		return hn4err("lba %d+%d blocks out of range", lba, lenBlocks)
	}
	want := int(end - start)
	if len(buf) < want {
		return hn4err("buffer too small: have %d bytes, need %d", len(buf), want)
	}

	switch op {
	case hn4.IOOpRead:
		d.mu.RLock()
		copy(buf[:want], d.data[start:end])
		d.mu.RUnlock()
	case hn4.IOOpWrite, hn4.IOOpZoneAppend:
		d.mu.Lock()
		copy(d.data[start:end], buf[:want])
		d.mu.Unlock()
	default:
		return hn4err("unsupported IOOp %v", op)
	}
	return nil
}

func (d *Device) span(lba uint64, lenBlocks uint32) (start, end uint64) {
	start = lba * uint64(d.blockSize)
	end = start + uint64(lenBlocks)*uint64(d.blockSize)
	return start, end
}

func (d *Device) Barrier() error { return nil }

// MemAlloc returns a zeroed, page-locked buffer. Mlock pins the pages of
// the I/O buffers the core asks for (epoch headers, metadata reads); the
// armored bitmap words and quality-mask planes themselves live on the Go
// heap and are not allocated here. Failure to lock (no CAP_IPC_LOCK, or a
// platform without mlock) is not fatal, the buffer is still usable, just
// not pinned.
func (d *Device) MemAlloc(size int) ([]byte, error) {
	buf := make([]byte, size)
	if size > 0 {
		_ = unix.Mlock(buf)
	}
	return buf, nil
}

// MemFree unlocks and drops a buffer returned by MemAlloc. Safe on nil.
func (d *Device) MemFree(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Munlock(buf)
}

func (d *Device) GetCaps() hn4.Caps {
	return hn4.Caps{
		CapacityBlocks:   uint64(len(d.data)) / uint64(d.blockSize),
		LogicalBlockSize: d.blockSize,
		ZoneSize:         d.zoneSize,
		Flags:            d.flags,
		QueueCount:       len(d.topology),
	}
}

// GetTimeNS returns a monotonically advancing nanosecond counter. Real
// clocks never repeat a value between two calls either; a fixed amount per
// tick keeps tests that diff two timestamps from seeing zero elapsed time.
func (d *Device) GetTimeNS() uint64 {
	return atomic.AddUint64(&d.clock, 1000)
}

// GetRandomU64 draws the next 8 bytes of a blake2b-keyed stream: block
// index n hashes (key, n) and the first 8 bytes of the digest become the
// n-th word. Deterministic given the same seed, non-repeating in practice
// (the genesis planner draws at most two words per anchor).
func (d *Device) GetRandomU64() uint64 {
	n := d.entropyCursor.Add(1) - 1
	h, err := blake2b.New256(d.entropyKey[:])
	if err != nil {
		// blake2b.New256 only fails on an oversized key, which entropyKey
		// (fixed at 32 bytes) never is.
		panic(err)
	}
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], n)
	h.Write(ctr[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

func (d *Device) MicroSleep(us uint64) {
	// Tests that exercise this path care about call count, not wall time;
	// a real HAL would park the goroutine for us microseconds.
}

func (d *Device) GetTemperature() (int32, error) {
	if d.temperatureErr != nil {
		return 0, d.temperatureErr
	}
	return d.temperature, nil
}

// SetTemperature lets tests simulate a thermal reading, or SetTemperatureErr
// an unsupported sensor.
func (d *Device) SetTemperature(milliC int32) { d.temperature = milliC }
func (d *Device) SetTemperatureErr(err error)  { d.temperatureErr = err }

func (d *Device) GetTopologyCount() int { return len(d.topology) }

func (d *Device) GetTopologyData(i int) hn4.TopologyNode {
	if i < 0 || i >= len(d.topology) {
		return hn4.TopologyNode{}
	}
	return d.topology[i]
}

func hn4err(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
