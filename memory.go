package vhost

import (
	"go.uber.org/zap"

	"github.com/tinyrange/vhost/internal/control"
	"github.com/tinyrange/vhost/internal/dirtylog"
)

// vhostSection reports whether the device tracks this section: plain RAM
// in the system address space.
func (d *Device) vhostSection(s Section) bool {
	return s.Space == AddressSpaceSystem && s.Memory != nil && s.Memory.IsRAM()
}

// requiredLogChunks is the dirty-log size, in words, needed to cover every
// table region and every bound queue's used range.
func (d *Device) requiredLogChunks() uint64 {
	chunks := d.mem.LogChunks(dirtylog.ChunkSize)
	for i := range d.vqs {
		vq := &d.vqs[i]
		if vq.usedSize == 0 {
			continue
		}
		last := vq.usedPhys + vq.usedSize - 1
		chunks = max(chunks, last/dirtylog.ChunkSize+1)
	}
	return chunks
}

// resizeLog swaps in a freshly zeroed log of the given size. The backend
// is pointed at the new storage first, then the bits that survive in the
// old storage are harvested for every tracked section, and only then is
// the old storage dropped. No dirty page is lost: the backend stops
// writing the old words before the harvest begins.
func (d *Device) resizeLog(words uint64) {
	newLog := dirtylog.New(words)
	if err := d.control.SetLogBase(newLog.Base()); err != nil {
		d.log.Error("log base update failed", zap.Error(err))
		panic(err)
	}
	if old := d.dirty.Len(); old > 0 {
		for _, s := range d.sections {
			d.syncDirtyBitmap(s, 0, old*dirtylog.ChunkSize-1)
		}
	}
	d.dirty = newLog
}

func (d *Device) mustSetMemTable() {
	if err := d.control.SetMemTable(d.mem.Regions()); err != nil {
		d.log.Error("memory table update failed", zap.Error(err))
		panic(err)
	}
}

// setMemory reconciles one section change into the region table and, when
// running, into the backend. While logging, the log is grown before the
// table push and shrunk only after it: growing late would let the backend
// mark a bit past the log's end, shrinking early would cut off words the
// old table still covers.
func (d *Device) setMemory(s Section, add bool) {
	if s.Size == 0 {
		panic("vhost: empty memory section")
	}

	// Memory the VMM dirty-tracks itself must never enter the backend's
	// table.
	if s.Memory.IsLogging() {
		add = false
	}

	start, size := s.GuestAddr, s.Size
	hostAddr := s.hostAddr()

	if add {
		if !d.mem.NeedsUpdate(start, size, hostAddr) {
			return
		}
	} else {
		if d.mem.FindOverlapping(start, size) == nil {
			return
		}
	}

	d.mem.Unassign(start, size)
	if add {
		d.mem.Assign(start, size, hostAddr)
	}

	if !d.started {
		return
	}

	if err := d.verifyRingMappings(start, size); err != nil {
		d.log.Error("ring mapping check failed after memory update", zap.Error(err))
		panic(err)
	}

	if !d.logEnabled {
		d.mustSetMemTable()
		return
	}

	need := d.requiredLogChunks()
	if d.dirty.Len() < need {
		d.resizeLog(need + dirtylog.SlackWords)
	}
	d.mustSetMemTable()
	if d.dirty.Len() > need+dirtylog.SlackWords {
		d.resizeLog(need)
	}
}

func (d *Device) setFeatures(enableLog bool) error {
	features := d.acked
	if enableLog {
		features |= control.FeatureLogAll
	}
	return d.control.SetFeatures(features)
}

// setLog pushes the log flag to the backend: the feature mask first, then
// every queue's addresses. A per-queue failure re-pushes the previous flag
// to the queues already converted and restores the feature mask; those
// unwind steps must not fail.
func (d *Device) setLog(enableLog bool) error {
	if err := d.setFeatures(enableLog); err != nil {
		return err
	}
	for i := range d.vqs {
		if err := d.setVringAddr(&d.vqs[i], i, enableLog); err != nil {
			for ; i >= 0; i-- {
				if err2 := d.setVringAddr(&d.vqs[i], i, d.logEnabled); err2 != nil {
					d.log.Error("vring address unwind failed",
						zap.Int("queue", i), zap.Error(err2))
					panic(err2)
				}
			}
			if err2 := d.setFeatures(d.logEnabled); err2 != nil {
				d.log.Error("feature unwind failed", zap.Error(err2))
				panic(err2)
			}
			return err
		}
	}
	return nil
}

// SetMigrationLog turns dirty logging on or off. On an idle device only
// the flag is recorded; on a running device the log storage, feature mask
// and per-queue flags are reconfigured, unwinding on failure.
func (d *Device) SetMigrationLog(enable bool) error {
	if enable == d.logEnabled {
		return nil
	}
	if !d.started {
		d.logEnabled = enable
		return nil
	}
	if !enable {
		if err := d.setLog(false); err != nil {
			return err
		}
		d.dirty = nil
	} else {
		d.resizeLog(d.requiredLogChunks())
		if err := d.setLog(true); err != nil {
			return err
		}
	}
	d.logEnabled = enable
	return nil
}

// Begin implements MemoryListener.
func (d *Device) Begin() {}

// Commit implements MemoryListener.
func (d *Device) Commit() {}

// RegionAdd tracks the section and reconciles it into the backend's
// memory table.
func (d *Device) RegionAdd(s Section) {
	if !d.vhostSection(s) {
		return
	}
	d.sections = append(d.sections, s)
	d.setMemory(s, true)
}

// RegionDel reconciles the section's removal and drops its shadow.
func (d *Device) RegionDel(s Section) {
	if !d.vhostSection(s) {
		return
	}
	d.setMemory(s, false)
	for i := range d.sections {
		if d.sections[i].GuestAddr == s.GuestAddr {
			d.sections = append(d.sections[:i], d.sections[i+1:]...)
			break
		}
	}
}

// RegionNop implements MemoryListener.
func (d *Device) RegionNop(s Section) {}

// LogStart implements MemoryListener. Per-section log ranges have no
// backend representation; only the global toggle does.
func (d *Device) LogStart(s Section) {}

// LogStop implements MemoryListener.
func (d *Device) LogStop(s Section) {}

// LogSync harvests the dirty log for one section.
func (d *Device) LogSync(s Section) {
	d.syncDirtyBitmap(s, s.GuestAddr, s.GuestAddr+s.Size-1)
}

// LogGlobalStart enables dirty logging for migration. Failure here means
// migration memory tracking is broken and there is no way to continue.
func (d *Device) LogGlobalStart() {
	if err := d.SetMigrationLog(true); err != nil {
		d.log.Error("migration log enable failed", zap.Error(err))
		panic(err)
	}
}

// LogGlobalStop disables dirty logging after migration.
func (d *Device) LogGlobalStop() {
	if err := d.SetMigrationLog(false); err != nil {
		d.log.Error("migration log disable failed", zap.Error(err))
		panic(err)
	}
}

// EventfdAdd implements MemoryListener.
func (d *Device) EventfdAdd(s Section, fd int) {}

// EventfdDel implements MemoryListener.
func (d *Device) EventfdDel(s Section, fd int) {}

var (
	_ MemoryListener = &Device{}
)
