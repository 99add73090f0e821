// Package vhost is the host-side control plane for in-kernel virtio
// acceleration. The kernel backend processes guest descriptor rings
// directly; this package keeps the backend's view of guest memory, the
// per-queue ring addresses and notification descriptors, and the dirty-page
// log in sync with the VMM as the guest runs.
//
// A Device is driven from a single controller goroutine: the VMM delivers
// memory-topology and migration-log events through the MemoryListener
// methods, and starts or stops the backend around device lifecycle changes.
// The only concurrent actor is the kernel backend itself, which writes the
// dirty log; those words are drained with atomic read-and-clear.
package vhost

import (
	"errors"
)

var (
	// ErrOutOfMemory is returned when a guest-physical range cannot be
	// mapped at its full length.
	ErrOutOfMemory = errors.New("vhost: cannot map guest memory")

	// ErrRingRelocated is returned when a memory update moved the host
	// mapping of a ring the backend is using. A running device cannot
	// survive this.
	ErrRingRelocated = errors.New("vhost: ring buffer relocated")

	// ErrNotSupported is returned when the virtio transport binding lacks
	// an operation the device needs.
	ErrNotSupported = errors.New("vhost: binding does not support notifiers")
)

// AddressSpace identifies a guest-physical address space.
type AddressSpace int

// AddressSpaceSystem is the VMM's main guest-physical address space. The
// device ignores sections of any other space.
const AddressSpaceSystem AddressSpace = 0

// Memory is the VMM object backing a run of guest memory.
type Memory interface {
	// IsRAM reports whether the backing is plain RAM rather than MMIO or ROM.
	IsRAM() bool

	// IsLogging reports whether the VMM itself dirty-tracks this memory.
	// Logged memory is kept out of the backend's region table.
	IsLogging() bool

	// HostPointer returns the host address of the backing allocation.
	HostPointer() uintptr

	// MarkDirty records that [offset, offset+length) of the backing was
	// written on the guest's behalf.
	MarkDirty(offset, length uint64)
}

// Section is one memory event's view: a guest-physical range and where it
// falls within its backing Memory.
type Section struct {
	Memory    Memory
	Space     AddressSpace
	GuestAddr uint64
	Size      uint64

	// Offset is the section's position within Memory's allocation.
	Offset uint64
}

func (s Section) hostAddr() uint64 {
	return uint64(s.Memory.HostPointer()) + s.Offset
}

// GuestMapper resolves guest-physical ranges to host-virtual pointers.
type GuestMapper interface {
	// Map returns a host pointer for [guestAddr, guestAddr+size) and the
	// contiguous length actually mapped. A zero pointer or a short length
	// means the range is not mappable.
	Map(guestAddr, size uint64, writable bool) (hostAddr uintptr, mapped uint64)

	// Unmap releases a mapping. written marks the range as modified;
	// accessLen is how much of it was actually accessed.
	Unmap(hostAddr uintptr, size uint64, written bool, accessLen uint64)
}

// VirtioQueue exposes one virtqueue's state as the VMM tracks it.
type VirtioQueue interface {
	Num() uint16
	LastAvailIdx() uint16
	SetLastAvailIdx(idx uint16)

	DescAddr() uint64
	DescSize() uint64
	AvailAddr() uint64
	AvailSize() uint64
	UsedAddr() uint64
	UsedSize() uint64
	RingAddr() uint64
	RingSize() uint64

	HostNotifierFD() int
	GuestNotifierFD() int
}

// Binding is the capability set of a virtio transport. Optional
// operations are nil when the transport does not provide them.
type Binding struct {
	SetHostNotifier     func(queue int, enable bool) error
	SetGuestNotifiers   func(enable bool) error
	QueryGuestNotifiers func() bool
}

// VirtioDevice is the VMM-side virtio device whose queues the backend
// takes over.
type VirtioDevice interface {
	Queue(i int) VirtioQueue
	Binding() Binding
}

// MemoryListener is the event surface the VMM memory subsystem drives.
// Device implements it; pass the device to the VMM's listener
// registration. Begin, Commit, RegionNop, LogStart, LogStop, EventfdAdd
// and EventfdDel are accepted and ignored.
type MemoryListener interface {
	Begin()
	Commit()
	RegionAdd(s Section)
	RegionDel(s Section)
	RegionNop(s Section)
	LogStart(s Section)
	LogStop(s Section)
	LogSync(s Section)
	LogGlobalStart()
	LogGlobalStop()
	EventfdAdd(s Section, fd int)
	EventfdDel(s Section, fd int)
}

func rangesOverlap(start1, size1, start2, size2 uint64) bool {
	if size1 == 0 || size2 == 0 {
		return false
	}
	return start1 <= start2+size2-1 && start2 <= start1+size1-1
}
