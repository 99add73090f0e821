// Package control is the command transport to the vhost kernel backend.
// Channel is the abstract transport; Kernel (linux) speaks the ioctl
// protocol on a /dev/vhost-* descriptor.
package control

import (
	"fmt"
	"syscall"

	"github.com/tinyrange/vhost/internal/memtable"
)

const (
	// VringFlagLog instructs the backend to record used-ring writes for
	// this queue into the dirty log.
	VringFlagLog = 1 << 0

	// FeatureLogAll is the feature bit that enables dirty logging of all
	// guest writes performed by the backend.
	FeatureLogAll = 1 << 26
)

// VringAddr carries the ring addresses pushed for one virtqueue. The
// descriptor, available and used pointers are host-virtual; LogGuestAddr
// is the guest-physical used-ring address the backend logs writes against.
type VringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// Channel issues configuration commands to the backend. Commands are
// synchronous: a call returns only once the backend has observed it, so
// issue order is observation order.
type Channel interface {
	SetOwner() error
	ResetOwner() error

	Features() (uint64, error)
	SetFeatures(features uint64) error

	SetMemTable(regions []memtable.Region) error
	SetLogBase(base uint64) error
	SetLogFD(fd int) error

	SetVringNum(index int, num uint32) error
	SetVringBase(index int, num uint32) error
	GetVringBase(index int) (uint32, error)
	SetVringAddr(addr VringAddr) error
	SetVringKick(index, fd int) error
	SetVringCall(index, fd int) error
	SetVringErr(index, fd int) error

	Close() error
}

// Error is a backend command failure, carrying the errno the kernel
// returned.
type Error struct {
	Op    string
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("vhost control %s: %v", e.Op, e.Errno)
}

func (e *Error) Unwrap() error {
	return e.Errno
}
