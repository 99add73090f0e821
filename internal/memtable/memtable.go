// Package memtable keeps the memory-region table that is pushed to the
// vhost kernel backend. The table is an unsorted array of non-overlapping
// guest-physical ranges, each with the host address backing it. Adjacent
// ranges that are contiguous in both address spaces are kept merged so the
// table stays as small as possible.
package memtable

// Region describes one run of guest memory: a guest-physical range and the
// host address that backs it.
type Region struct {
	GuestAddr uint64
	Size      uint64
	HostAddr  uint64
}

// lastByte returns the last byte covered by [start, start+size).
// size must be nonzero.
func lastByte(start, size uint64) uint64 {
	return start + size - 1
}

func rangesOverlap(start1, size1, start2, size2 uint64) bool {
	if size1 == 0 || size2 == 0 {
		return false
	}
	return start1 <= lastByte(start2, size2) && start2 <= lastByte(start1, size1)
}

// Table is the region table. The zero value is an empty table.
type Table struct {
	regions []Region
}

// Regions returns the current region array. The slice is owned by the
// table and only valid until the next mutation.
func (t *Table) Regions() []Region {
	return t.regions
}

// Len returns the number of regions in the table.
func (t *Table) Len() int {
	return len(t.regions)
}

// FindOverlapping returns the first region overlapping [start, start+size),
// or nil if none does.
func (t *Table) FindOverlapping(start, size uint64) *Region {
	for i := range t.regions {
		reg := &t.regions[i]
		if rangesOverlap(reg.GuestAddr, reg.Size, start, size) {
			return reg
		}
	}
	return nil
}

// NeedsUpdate reports whether assigning (start, size, hostAddr) would
// change the table: it returns false only when an existing region already
// covers the whole range with the same guest-to-host offset.
func (t *Table) NeedsUpdate(start, size, hostAddr uint64) bool {
	reg := t.FindOverlapping(start, size)
	if reg == nil {
		return true
	}

	reglast := lastByte(reg.GuestAddr, reg.Size)
	memlast := lastByte(start, size)

	// Need to extend the region?
	if start < reg.GuestAddr || memlast > reglast {
		return true
	}
	// Host address changed?
	return hostAddr != reg.HostAddr+start-reg.GuestAddr
}

// Unassign removes [start, start+size) from every region it intersects.
// Regions fully covered are dropped, partially covered ones are shrunk or
// shifted, and a removal strictly inside a region splits it in two. A split
// can only happen when nothing else overlaps, which holds because every
// caller unassigns a range before reassigning it.
func (t *Table) Unassign(start, size uint64) {
	var overlapStart, overlapEnd, overlapMiddle, split int

	n := len(t.regions)
	to := 0
	var splitTail []Region
	for from := 0; from < n; from++ {
		if to != from {
			t.regions[to] = t.regions[from]
		}
		reg := &t.regions[to]

		if !rangesOverlap(reg.GuestAddr, reg.Size, start, size) {
			to++
			continue
		}

		if split != 0 {
			panic("memtable: range overlaps a region after a split")
		}

		reglast := lastByte(reg.GuestAddr, reg.Size)
		memlast := lastByte(start, size)

		// Remove the whole region.
		if start <= reg.GuestAddr && memlast >= reglast {
			overlapMiddle++
			continue
		}

		// Shrink the tail.
		if memlast >= reglast {
			reg.Size = start - reg.GuestAddr
			if reg.Size == 0 {
				panic("memtable: tail shrink produced empty region")
			}
			if overlapEnd != 0 {
				panic("memtable: second tail shrink in one unassign")
			}
			overlapEnd++
			to++
			continue
		}

		// Shift the head.
		if start <= reg.GuestAddr {
			change := memlast + 1 - reg.GuestAddr
			reg.Size -= change
			reg.GuestAddr += change
			reg.HostAddr += change
			if reg.Size == 0 {
				panic("memtable: head shift produced empty region")
			}
			if overlapStart != 0 {
				panic("memtable: second head shift in one unassign")
			}
			overlapStart++
			to++
			continue
		}

		// Removal is strictly inside the region: keep the head, append the
		// shifted tail. Nothing else can overlap in this case.
		if overlapStart != 0 || overlapEnd != 0 || overlapMiddle != 0 {
			panic("memtable: split combined with another overlap")
		}
		tail := *reg
		reg.Size = start - reg.GuestAddr
		if reg.Size == 0 {
			panic("memtable: split produced empty head")
		}
		change := memlast + 1 - tail.GuestAddr
		tail.Size -= change
		if tail.Size == 0 {
			panic("memtable: split produced empty tail")
		}
		tail.GuestAddr += change
		tail.HostAddr += change
		splitTail = append(splitTail, tail)
		split++
		to++
	}
	t.regions = append(t.regions[:to], splitTail...)
}

// Assign inserts (start, size, hostAddr) into the table, widening it into
// any region adjacent in both the guest and host address spaces. The range
// must not overlap an existing region; callers unassign it first.
func (t *Table) Assign(start, size, hostAddr uint64) {
	if size == 0 {
		panic("memtable: assign of empty range")
	}

	n := len(t.regions)
	to := 0
	merged := -1
	for from := 0; from < n; from++ {
		if to != from {
			t.regions[to] = t.regions[from]
		}
		reg := t.regions[to]

		prlast := lastByte(reg.GuestAddr, reg.Size)
		pmlast := lastByte(start, size)
		urlast := lastByte(reg.HostAddr, reg.Size)
		umlast := lastByte(hostAddr, size)

		if !(prlast < start || pmlast < reg.GuestAddr) {
			panic("memtable: assign overlaps an existing region")
		}

		// Merge only when adjacent in both address spaces, on either side.
		if (prlast+1 != start || urlast+1 != hostAddr) &&
			(pmlast+1 != reg.GuestAddr || umlast+1 != reg.HostAddr) {
			to++
			continue
		}

		if merged < 0 {
			merged = to
			to++
		}
		m := &t.regions[merged]
		u := min(hostAddr, reg.HostAddr)
		s := min(start, reg.GuestAddr)
		e := max(pmlast, prlast)
		hostAddr, m.HostAddr = u, u
		start, m.GuestAddr = s, s
		size = e - s + 1
		m.Size = size
	}

	t.regions = t.regions[:to]
	if merged < 0 {
		t.regions = append(t.regions, Region{
			GuestAddr: start,
			Size:      size,
			HostAddr:  hostAddr,
		})
	}
}

// LogChunks returns the number of dirty-log words needed to cover every
// region in the table, with each word accounting for chunkSize bytes of
// guest address space.
func (t *Table) LogChunks(chunkSize uint64) uint64 {
	var chunks uint64
	for i := range t.regions {
		reg := &t.regions[i]
		last := lastByte(reg.GuestAddr, reg.Size)
		chunks = max(chunks, last/chunkSize+1)
	}
	return chunks
}
