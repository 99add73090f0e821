//go:build linux

package control

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vhost/internal/memtable"
)

// Kernel is a Channel backed by an open vhost device descriptor.
type Kernel struct {
	fd int
}

// Open opens a vhost device node, e.g. /dev/vhost-net or /dev/vhost-vsock.
func Open(path string) (*Kernel, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("control: open %s: %w", path, err)
	}
	return &Kernel{fd: fd}, nil
}

// FromFD wraps an already-open vhost descriptor. The caller hands over
// ownership; Close closes it.
func FromFD(fd int) *Kernel {
	return &Kernel{fd: fd}
}

func (k *Kernel) ioctl(op string, req uint64, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(k.fd), uintptr(req), uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return &Error{Op: op, Errno: syscall.Errno(errno)}
		}
		return nil
	}
}

func (k *Kernel) SetOwner() error {
	return k.ioctl("SET_OWNER", vhostSetOwner, nil)
}

func (k *Kernel) ResetOwner() error {
	return k.ioctl("RESET_OWNER", vhostResetOwner, nil)
}

func (k *Kernel) Features() (uint64, error) {
	var features uint64
	if err := k.ioctl("GET_FEATURES", vhostGetFeatures, unsafe.Pointer(&features)); err != nil {
		return 0, err
	}
	return features, nil
}

func (k *Kernel) SetFeatures(features uint64) error {
	err := k.ioctl("SET_FEATURES", vhostSetFeatures, unsafe.Pointer(&features))
	runtime.KeepAlive(&features)
	return err
}

// SetMemTable marshals the region table into the kernel's layout: a
// 32-bit region count, 32 bits of padding, then one 32-byte record per
// region.
func (k *Kernel) SetMemTable(regions []memtable.Region) error {
	words := make([]uint64, 1+4*len(regions))
	hdr := (*vhostMemoryHeader)(unsafe.Pointer(&words[0]))
	hdr.Nregions = uint32(len(regions))
	if len(regions) > 0 {
		recs := unsafe.Slice((*vhostMemoryRegion)(unsafe.Pointer(&words[1])), len(regions))
		for i, reg := range regions {
			recs[i] = vhostMemoryRegion{
				GuestPhysAddr: reg.GuestAddr,
				MemorySize:    reg.Size,
				UserspaceAddr: reg.HostAddr,
			}
		}
	}
	err := k.ioctl("SET_MEM_TABLE", vhostSetMemTable, unsafe.Pointer(&words[0]))
	runtime.KeepAlive(words)
	return err
}

func (k *Kernel) SetLogBase(base uint64) error {
	err := k.ioctl("SET_LOG_BASE", vhostSetLogBase, unsafe.Pointer(&base))
	runtime.KeepAlive(&base)
	return err
}

func (k *Kernel) SetLogFD(fd int) error {
	arg := int32(fd)
	err := k.ioctl("SET_LOG_FD", vhostSetLogFD, unsafe.Pointer(&arg))
	runtime.KeepAlive(&arg)
	return err
}

func (k *Kernel) setVringState(op string, req uint64, index int, num uint32) error {
	state := vhostVringState{Index: uint32(index), Num: num}
	err := k.ioctl(op, req, unsafe.Pointer(&state))
	runtime.KeepAlive(&state)
	return err
}

func (k *Kernel) SetVringNum(index int, num uint32) error {
	return k.setVringState("SET_VRING_NUM", vhostSetVringNum, index, num)
}

func (k *Kernel) SetVringBase(index int, num uint32) error {
	return k.setVringState("SET_VRING_BASE", vhostSetVringBase, index, num)
}

func (k *Kernel) GetVringBase(index int) (uint32, error) {
	state := vhostVringState{Index: uint32(index)}
	if err := k.ioctl("GET_VRING_BASE", vhostGetVringBase, unsafe.Pointer(&state)); err != nil {
		return 0, err
	}
	return state.Num, nil
}

func (k *Kernel) SetVringAddr(addr VringAddr) error {
	raw := vhostVringAddr(addr)
	err := k.ioctl("SET_VRING_ADDR", vhostSetVringAddr, unsafe.Pointer(&raw))
	runtime.KeepAlive(&raw)
	return err
}

func (k *Kernel) setVringFile(op string, req uint64, index, fd int) error {
	file := vhostVringFile{Index: uint32(index), FD: int32(fd)}
	err := k.ioctl(op, req, unsafe.Pointer(&file))
	runtime.KeepAlive(&file)
	return err
}

func (k *Kernel) SetVringKick(index, fd int) error {
	return k.setVringFile("SET_VRING_KICK", vhostSetVringKick, index, fd)
}

func (k *Kernel) SetVringCall(index, fd int) error {
	return k.setVringFile("SET_VRING_CALL", vhostSetVringCall, index, fd)
}

func (k *Kernel) SetVringErr(index, fd int) error {
	return k.setVringFile("SET_VRING_ERR", vhostSetVringErr, index, fd)
}

func (k *Kernel) Close() error {
	return unix.Close(k.fd)
}

var (
	_ Channel = &Kernel{}
)
