package vhost

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinyrange/vhost/internal/control"
	"github.com/tinyrange/vhost/internal/memtable"
)

// fakeChannel records every backend command as a readable trace entry and
// can be told to fail specific entries.
type fakeChannel struct {
	trace    []string
	failOn   map[string]error
	features uint64
	bases    map[int]uint32

	memTables  [][]memtable.Region
	logBases   []uint64
	vringAddrs []control.VringAddr
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		features: 1<<32 | 1<<28,
		failOn:   map[string]error{},
		bases:    map[int]uint32{},
	}
}

func (c *fakeChannel) record(format string, args ...any) error {
	entry := fmt.Sprintf(format, args...)
	c.trace = append(c.trace, entry)
	if err, ok := c.failOn[entry]; ok {
		return err
	}
	return nil
}

func (c *fakeChannel) SetOwner() error   { return c.record("SET_OWNER") }
func (c *fakeChannel) ResetOwner() error { return c.record("RESET_OWNER") }

func (c *fakeChannel) Features() (uint64, error) {
	if err := c.record("GET_FEATURES"); err != nil {
		return 0, err
	}
	return c.features, nil
}

func (c *fakeChannel) SetFeatures(features uint64) error {
	return c.record("SET_FEATURES log=%v", features&control.FeatureLogAll != 0)
}

func (c *fakeChannel) SetMemTable(regions []memtable.Region) error {
	c.memTables = append(c.memTables, append([]memtable.Region(nil), regions...))
	return c.record("SET_MEM_TABLE")
}

func (c *fakeChannel) SetLogBase(base uint64) error {
	c.logBases = append(c.logBases, base)
	return c.record("SET_LOG_BASE")
}

func (c *fakeChannel) SetLogFD(fd int) error {
	return c.record("SET_LOG_FD")
}

func (c *fakeChannel) SetVringNum(index int, num uint32) error {
	return c.record("SET_VRING_NUM %d", index)
}

func (c *fakeChannel) SetVringBase(index int, num uint32) error {
	return c.record("SET_VRING_BASE %d", index)
}

func (c *fakeChannel) GetVringBase(index int) (uint32, error) {
	if err := c.record("GET_VRING_BASE %d", index); err != nil {
		return 0, err
	}
	return c.bases[index], nil
}

func (c *fakeChannel) SetVringAddr(addr control.VringAddr) error {
	c.vringAddrs = append(c.vringAddrs, addr)
	return c.record("SET_VRING_ADDR %d log=%v",
		addr.Index, addr.Flags&control.VringFlagLog != 0)
}

func (c *fakeChannel) SetVringKick(index, fd int) error {
	return c.record("SET_VRING_KICK %d", index)
}

func (c *fakeChannel) SetVringCall(index, fd int) error {
	return c.record("SET_VRING_CALL %d", index)
}

func (c *fakeChannel) SetVringErr(index, fd int) error {
	return c.record("SET_VRING_ERR %d", index)
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

var _ control.Channel = &fakeChannel{}

type mapRecord struct {
	hostAddr  uintptr
	size      uint64
	written   bool
	accessLen uint64
}

// fakeMapper maps guest addresses at a fixed offset, like one big host
// allocation backing all of guest RAM.
type fakeMapper struct {
	base      uintptr
	failAt    map[uint64]bool
	relocated map[uint64]uintptr

	mapped   int
	unmapped []mapRecord
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		base:      0x7f0000000000,
		failAt:    map[uint64]bool{},
		relocated: map[uint64]uintptr{},
	}
}

func (m *fakeMapper) Map(guestAddr, size uint64, writable bool) (uintptr, uint64) {
	if m.failAt[guestAddr] {
		return 0, 0
	}
	m.mapped++
	if alt, ok := m.relocated[guestAddr]; ok {
		return alt, size
	}
	return m.base + uintptr(guestAddr), size
}

func (m *fakeMapper) Unmap(hostAddr uintptr, size uint64, written bool, accessLen uint64) {
	m.unmapped = append(m.unmapped, mapRecord{
		hostAddr:  hostAddr,
		size:      size,
		written:   written,
		accessLen: accessLen,
	})
}

type dirtyRecord struct {
	offset uint64
	length uint64
}

type fakeMemory struct {
	ram     bool
	logging bool
	host    uintptr
	dirty   []dirtyRecord
}

func (m *fakeMemory) IsRAM() bool          { return m.ram }
func (m *fakeMemory) IsLogging() bool      { return m.logging }
func (m *fakeMemory) HostPointer() uintptr { return m.host }

func (m *fakeMemory) MarkDirty(offset, length uint64) {
	m.dirty = append(m.dirty, dirtyRecord{offset: offset, length: length})
}

type fakeQueue struct {
	num       uint16
	lastAvail uint16

	desc, avail, used, ring                 uint64
	descSize, availSize, usedSize, ringSize uint64

	kickFD, callFD int
}

func (q *fakeQueue) Num() uint16                { return q.num }
func (q *fakeQueue) LastAvailIdx() uint16       { return q.lastAvail }
func (q *fakeQueue) SetLastAvailIdx(idx uint16) { q.lastAvail = idx }
func (q *fakeQueue) DescAddr() uint64           { return q.desc }
func (q *fakeQueue) DescSize() uint64           { return q.descSize }
func (q *fakeQueue) AvailAddr() uint64          { return q.avail }
func (q *fakeQueue) AvailSize() uint64          { return q.availSize }
func (q *fakeQueue) UsedAddr() uint64           { return q.used }
func (q *fakeQueue) UsedSize() uint64           { return q.usedSize }
func (q *fakeQueue) RingAddr() uint64           { return q.ring }
func (q *fakeQueue) RingSize() uint64           { return q.ringSize }
func (q *fakeQueue) HostNotifierFD() int        { return q.kickFD }
func (q *fakeQueue) GuestNotifierFD() int       { return q.callFD }

type fakeVdev struct {
	queues []*fakeQueue

	hostActive  map[int]bool
	guestActive bool
	failHostAt  int

	noHost, noGuest, noQuery bool
	queryResult              bool
}

func newFakeVdev(queues int) *fakeVdev {
	v := &fakeVdev{
		hostActive:  map[int]bool{},
		failHostAt:  -1,
		queryResult: true,
	}
	for i := 0; i < queues; i++ {
		base := uint64(0x20000 + i*0x10000)
		v.queues = append(v.queues, &fakeQueue{
			num:       256,
			desc:      base,
			descSize:  0x1000,
			avail:     base + 0x1000,
			availSize: 0x1000,
			used:      base + 0x2000,
			usedSize:  0x1000,
			ring:      base,
			ringSize:  0x4000,
			kickFD:    100 + i,
			callFD:    200 + i,
		})
	}
	return v
}

func (v *fakeVdev) Queue(i int) VirtioQueue { return v.queues[i] }

func (v *fakeVdev) Binding() Binding {
	b := Binding{}
	if !v.noHost {
		b.SetHostNotifier = func(queue int, enable bool) error {
			if enable && queue == v.failHostAt {
				return errors.New("notifier slot exhausted")
			}
			v.hostActive[queue] = enable
			return nil
		}
	}
	if !v.noGuest {
		b.SetGuestNotifiers = func(enable bool) error {
			v.guestActive = enable
			return nil
		}
	}
	if !v.noQuery {
		b.QueryGuestNotifiers = func() bool { return v.queryResult }
	}
	return b
}

// harness is a device wired to fakes with one RAM section covering the
// first megabyte of guest memory, which contains every test queue.
type harness struct {
	d    *Device
	ch   *fakeChannel
	m    *fakeMapper
	vdev *fakeVdev
	mem  *fakeMemory
	sec  Section
}

func newHarness(t *testing.T, queues int) *harness {
	t.Helper()

	ch := newFakeChannel()
	m := newFakeMapper()

	d, err := New(Config{
		Queues:  queues,
		Mapper:  m,
		Logger:  zaptest.NewLogger(t),
		channel: ch,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"SET_OWNER", "GET_FEATURES"}, ch.trace)

	mem := &fakeMemory{ram: true, host: m.base}
	sec := Section{
		Memory:    mem,
		GuestAddr: 0x0,
		Size:      0x100000,
		Offset:    0x0,
	}
	d.RegionAdd(sec)

	ch.trace = nil
	return &harness{
		d:    d,
		ch:   ch,
		m:    m,
		vdev: newFakeVdev(queues),
		mem:  mem,
		sec:  sec,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.EnableNotifiers(h.vdev))
	require.NoError(t, h.d.Start(h.vdev))
	h.ch.trace = nil
}
