package vhost

import (
	"github.com/tinyrange/vhost/internal/dirtylog"
)

// syncRegion drains the dirty log over the intersection of the section's
// range [mfirst, mlast] with one logged range [rfirst, rlast], reporting
// each dirty page to the section's backing memory.
func (d *Device) syncRegion(s Section, mfirst, mlast, rfirst, rlast uint64) {
	start := max(mfirst, rfirst)
	end := min(mlast, rlast)
	if end < start {
		return
	}
	d.dirty.Drain(start, end, func(pageAddr uint64) {
		s.Memory.MarkDirty(s.Offset+(pageAddr-start), dirtylog.PageSize)
	})
}

// syncDirtyBitmap harvests the dirty log for one section, clipped to the
// given guest range. Every table region and every bound queue's used range
// is considered; anything outside them cannot have been logged. Does
// nothing unless the device is running with logging enabled.
func (d *Device) syncDirtyBitmap(s Section, first, last uint64) {
	if !d.logEnabled || !d.started {
		return
	}
	for _, reg := range d.mem.Regions() {
		d.syncRegion(s, first, last, reg.GuestAddr, reg.GuestAddr+reg.Size-1)
	}
	for i := range d.vqs {
		vq := &d.vqs[i]
		if vq.usedSize == 0 {
			continue
		}
		d.syncRegion(s, first, last, vq.usedPhys, vq.usedPhys+vq.usedSize-1)
	}
}
