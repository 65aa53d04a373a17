package hn4

// This file declares the HAL contract consumed by the core (§6). The HAL
// itself — cache-line persist, submit/poll I/O, timer, entropy, topology
// enumeration — is out of scope (§1): it is implemented by a collaborator
// the core only calls through this interface. internal/memhal provides a
// reference implementation used by this package's own tests.

// IOOp identifies the kind of device operation a HAL call performs.
type IOOp int

const (
	IOOpRead IOOp = iota
	IOOpWrite
	IOOpFlush
	IOOpDiscard
	IOOpZoneAppend
	IOOpZoneReset
)

// Caps describes a device's fixed characteristics, as returned by
// HAL.GetCaps.
type Caps struct {
	CapacityBlocks   uint64
	LogicalBlockSize uint32
	ZoneSize         uint32
	Flags            DeviceCaps
	QueueCount       int
}

// IsZNS reports whether the device is a native zoned device, which forces
// the trajectory function's ZNS linearity path (§4.2).
func (c Caps) IsZNS() bool { return c.Flags&CapZNSNative != 0 }

// TopologyNode describes one entry of the device's NUMA/queue topology.
type TopologyNode struct {
	ID       int
	CPUMask  uint64
	QueueIDs []int
}

// HAL is the hardware abstraction contract the core consumes. Every method
// may block the calling goroutine; callers must not invoke a HAL from a
// context that cannot block (§5).
type HAL interface {
	// Persist flushes the given range to the persistence domain:
	// cache-line writeback plus a store fence, or equivalent.
	Persist(buf []byte)

	// SyncIO performs a blocking device operation of length lenBlocks
	// blocks starting at lba. For IOOpFlush/IOOpZoneReset, lba and buf are
	// ignored.
	SyncIO(op IOOp, lba uint64, buf []byte, lenBlocks uint32) error

	// Barrier issues a FLUSH/FUA to the device.
	Barrier() error

	// MemAlloc returns a zeroed, 128-byte aligned buffer of size bytes.
	MemAlloc(size int) ([]byte, error)

	// MemFree releases a buffer returned by MemAlloc. Safe to call with
	// nil.
	MemFree(buf []byte)

	// GetCaps returns the device's capacity, geometry, and flags.
	GetCaps() Caps

	// GetTimeNS returns the current time in nanoseconds since the Unix
	// epoch, as the HAL's clock sees it.
	GetTimeNS() uint64

	// GetRandomU64 returns a HAL-sourced random 64-bit value, used by the
	// genesis planner to draw G and V.
	GetRandomU64() uint64

	// MicroSleep suspends the calling goroutine for approximately us
	// microseconds; used by synchronous I/O wrappers that spin on
	// completion.
	MicroSleep(us uint64)

	// GetTemperature returns the device's reported temperature in
	// millidegrees Celsius, or an error if unsupported.
	GetTemperature() (int32, error)

	// GetTopologyCount returns the number of topology nodes GetTopologyData
	// can report.
	GetTopologyCount() int

	// GetTopologyData returns topology node i.
	GetTopologyData(i int) TopologyNode
}
