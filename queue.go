package vhost

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tinyrange/vhost/internal/control"
)

// virtqueue is the backend-facing shadow of one queue: host pointers for
// the rings plus the guest-physical used range needed for dirty logging
// and the full ring range needed to re-check mappings.
type virtqueue struct {
	num uint32

	desc  uintptr
	avail uintptr
	used  uintptr
	ring  uintptr

	usedPhys uint64
	usedSize uint64
	ringPhys uint64
	ringSize uint64
}

func (d *Device) setVringAddr(vq *virtqueue, idx int, enableLog bool) error {
	addr := control.VringAddr{
		Index:         uint32(idx),
		DescUserAddr:  uint64(vq.desc),
		AvailUserAddr: uint64(vq.avail),
		UsedUserAddr:  uint64(vq.used),
		LogGuestAddr:  vq.usedPhys,
	}
	if enableLog {
		addr.Flags = control.VringFlagLog
	}
	return d.control.SetVringAddr(addr)
}

func mapExact(m GuestMapper, guestAddr, size uint64, writable bool) (uintptr, bool) {
	hostAddr, mapped := m.Map(guestAddr, size, writable)
	if hostAddr == 0 || mapped != size {
		return 0, false
	}
	return hostAddr, true
}

// initVirtqueue hands one queue to the backend: ring geometry, the
// starting available index, host pointers for the rings, and the kick and
// call descriptors. On failure every mapping made so far is released in
// reverse order.
func (d *Device) initVirtqueue(vdev VirtioDevice, vq *virtqueue, idx int) error {
	q := vdev.Queue(idx)

	vq.num = uint32(q.Num())
	if err := d.control.SetVringNum(idx, vq.num); err != nil {
		return err
	}
	if err := d.control.SetVringBase(idx, uint32(q.LastAvailIdx())); err != nil {
		return err
	}

	var ok bool
	descSize := q.DescSize()
	if vq.desc, ok = mapExact(d.mapper, q.DescAddr(), descSize, false); !ok {
		return fmt.Errorf("%w: descriptor table for queue %d", ErrOutOfMemory, idx)
	}

	availSize := q.AvailSize()
	if vq.avail, ok = mapExact(d.mapper, q.AvailAddr(), availSize, false); !ok {
		d.mapper.Unmap(vq.desc, descSize, false, 0)
		return fmt.Errorf("%w: available ring for queue %d", ErrOutOfMemory, idx)
	}

	vq.usedSize = q.UsedSize()
	vq.usedPhys = q.UsedAddr()
	if vq.used, ok = mapExact(d.mapper, vq.usedPhys, vq.usedSize, true); !ok {
		d.mapper.Unmap(vq.avail, availSize, false, 0)
		d.mapper.Unmap(vq.desc, descSize, false, 0)
		return fmt.Errorf("%w: used ring for queue %d", ErrOutOfMemory, idx)
	}

	vq.ringSize = q.RingSize()
	vq.ringPhys = q.RingAddr()
	if vq.ring, ok = mapExact(d.mapper, vq.ringPhys, vq.ringSize, true); !ok {
		d.mapper.Unmap(vq.used, vq.usedSize, false, 0)
		d.mapper.Unmap(vq.avail, availSize, false, 0)
		d.mapper.Unmap(vq.desc, descSize, false, 0)
		return fmt.Errorf("%w: ring for queue %d", ErrOutOfMemory, idx)
	}

	err := d.setVringAddr(vq, idx, d.logEnabled)
	if err == nil {
		err = d.control.SetVringKick(idx, q.HostNotifierFD())
	}
	if err == nil {
		err = d.control.SetVringCall(idx, q.GuestNotifierFD())
	}
	if err != nil {
		d.mapper.Unmap(vq.ring, vq.ringSize, false, 0)
		d.mapper.Unmap(vq.used, vq.usedSize, false, 0)
		d.mapper.Unmap(vq.avail, availSize, false, 0)
		d.mapper.Unmap(vq.desc, descSize, false, 0)
		return err
	}

	return nil
}

// cleanupVirtqueue takes one queue back: the backend's final available
// index is restored into the VMM queue state and all four mappings are
// released, with the used ring and the ring area marked written since the
// backend updated them.
func (d *Device) cleanupVirtqueue(vdev VirtioDevice, vq *virtqueue, idx int) {
	q := vdev.Queue(idx)

	base, err := d.control.GetVringBase(idx)
	if err != nil {
		d.log.Error("vring state restore failed", zap.Int("queue", idx), zap.Error(err))
		panic(err)
	}
	q.SetLastAvailIdx(uint16(base))

	d.mapper.Unmap(vq.ring, q.RingSize(), true, q.RingSize())
	d.mapper.Unmap(vq.used, q.UsedSize(), true, q.UsedSize())
	d.mapper.Unmap(vq.avail, q.AvailSize(), false, q.AvailSize())
	d.mapper.Unmap(vq.desc, q.DescSize(), false, q.DescSize())
}

// verifyRingMappings re-maps the ring of every bound queue overlapping
// [start, start+size) and checks that the host pointer did not move. A
// moved ring means the backend's pointers are stale, which a running
// device cannot recover from.
func (d *Device) verifyRingMappings(start, size uint64) error {
	for i := range d.vqs {
		vq := &d.vqs[i]
		if !rangesOverlap(start, size, vq.ringPhys, vq.ringSize) {
			continue
		}
		hostAddr, mapped := d.mapper.Map(vq.ringPhys, vq.ringSize, true)
		if hostAddr == 0 || mapped != vq.ringSize {
			return fmt.Errorf("%w: ring for queue %d", ErrOutOfMemory, i)
		}
		if hostAddr != vq.ring {
			return fmt.Errorf("%w: queue %d", ErrRingRelocated, i)
		}
		d.mapper.Unmap(hostAddr, mapped, false, 0)
	}
	return nil
}
