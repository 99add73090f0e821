package vhost

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinyrange/vhost/internal/control"
	"github.com/tinyrange/vhost/internal/dirtylog"
	"github.com/tinyrange/vhost/internal/memtable"
)

// Config describes a Device.
type Config struct {
	// DevicePath is the vhost device node to open, e.g. /dev/vhost-net.
	DevicePath string

	// FD, when positive, is an already-open vhost descriptor used instead
	// of DevicePath. The device takes ownership and closes it.
	FD int

	// Queues is the number of virtqueues the backend drives.
	Queues int

	// Mapper resolves guest-physical ring addresses.
	Mapper GuestMapper

	// Force makes Query accept a virtio device even when its transport
	// reports that guest notifiers are not supported.
	Force bool

	// Logger defaults to a nop logger.
	Logger *zap.Logger

	// channel overrides the kernel transport. Tests use it.
	channel control.Channel
}

// Device mirrors VMM state into a vhost kernel backend: the guest memory
// table, per-queue ring addresses and notifiers, and the dirty log used
// during live migration. All methods must be called from one controller
// goroutine.
type Device struct {
	control control.Channel
	mapper  GuestMapper
	log     *zap.Logger
	force   bool

	features uint64
	acked    uint64

	mem      memtable.Table
	sections []Section
	vqs      []virtqueue
	dirty    *dirtylog.Log

	logEnabled bool
	started    bool
}

// New opens the backend, claims it, and queries its feature mask. The
// returned device is idle: no queues are bound and no memory has been
// pushed.
func New(cfg Config) (*Device, error) {
	if cfg.Mapper == nil {
		return nil, errors.New("vhost: config has no guest mapper")
	}
	if cfg.Queues <= 0 {
		return nil, errors.New("vhost: config has no queues")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ch := cfg.channel
	if ch == nil {
		switch {
		case cfg.FD > 0:
			ch = control.FromFD(cfg.FD)
		case cfg.DevicePath != "":
			k, err := control.Open(cfg.DevicePath)
			if err != nil {
				return nil, err
			}
			ch = k
		default:
			return nil, errors.New("vhost: config has no device path or descriptor")
		}
	}

	d := &Device{
		control: ch,
		mapper:  cfg.Mapper,
		log:     logger,
		force:   cfg.Force,
		vqs:     make([]virtqueue, cfg.Queues),
	}

	if err := ch.SetOwner(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("vhost: claim device: %w", err)
	}
	features, err := ch.Features()
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("vhost: query features: %w", err)
	}
	d.features = features

	return d, nil
}

// Close releases the control channel. The device must be stopped first.
func (d *Device) Close() error {
	d.sections = nil
	return d.control.Close()
}

// Features returns the feature mask the backend offered.
func (d *Device) Features() uint64 {
	return d.features
}

// AckFeatures records the feature mask negotiated with the guest. It is
// forwarded to the backend on start and whenever the migration log is
// toggled on a running device.
func (d *Device) AckFeatures(features uint64) {
	d.acked = features
}

// AckedFeatures returns the recorded feature mask.
func (d *Device) AckedFeatures() uint64 {
	return d.acked
}

// Started reports whether the backend is processing the queues.
func (d *Device) Started() bool {
	return d.started
}

// Query reports whether this device should take over the given virtio
// device. Transports that cannot answer are accepted, as is anything when
// the device was configured with Force.
func (d *Device) Query(vdev VirtioDevice) bool {
	query := vdev.Binding().QueryGuestNotifiers
	return query == nil || query() || d.force
}

// EnableNotifiers hands the queue host notifiers to the backend: the VMM
// stops reacting to guest kicks and the kernel starts. Must be called
// before Start. A partial failure re-disables the notifiers already
// enabled.
func (d *Device) EnableNotifiers(vdev VirtioDevice) error {
	set := vdev.Binding().SetHostNotifier
	if set == nil {
		return fmt.Errorf("%w: host notifiers", ErrNotSupported)
	}
	for i := range d.vqs {
		if err := set(i, true); err != nil {
			for j := i - 1; j >= 0; j-- {
				if err2 := set(j, false); err2 != nil {
					d.log.Error("host notifier cleanup failed",
						zap.Int("queue", j), zap.Error(err2))
					panic(err2)
				}
			}
			return fmt.Errorf("vhost: enable host notifier for queue %d: %w", i, err)
		}
	}
	return nil
}

// DisableNotifiers returns the host notifiers to the VMM. The VMM queue
// handlers may run immediately, so the virtio device must be fully set up
// when this is called.
func (d *Device) DisableNotifiers(vdev VirtioDevice) {
	set := vdev.Binding().SetHostNotifier
	if set == nil {
		return
	}
	for i := range d.vqs {
		if err := set(i, false); err != nil {
			d.log.Error("host notifier cleanup failed",
				zap.Int("queue", i), zap.Error(err))
			panic(err)
		}
	}
}

// Start pushes the device state to the backend and hands over the queues.
// Host notifiers must already be enabled. On failure every step is undone
// and the device stays idle.
func (d *Device) Start(vdev VirtioDevice) error {
	setGuest := vdev.Binding().SetGuestNotifiers
	if setGuest == nil {
		return fmt.Errorf("%w: guest notifiers", ErrNotSupported)
	}
	if err := setGuest(true); err != nil {
		return fmt.Errorf("vhost: bind guest notifiers: %w", err)
	}

	err := d.setFeatures(d.logEnabled)
	if err == nil {
		err = d.control.SetMemTable(d.mem.Regions())
	}

	bound := 0
	if err == nil {
		for ; bound < len(d.vqs); bound++ {
			if err = d.initVirtqueue(vdev, &d.vqs[bound], bound); err != nil {
				break
			}
		}
	}

	if err == nil && d.logEnabled {
		d.dirty = dirtylog.New(d.requiredLogChunks())
		if err = d.control.SetLogBase(d.dirty.Base()); err != nil {
			d.dirty = nil
		}
	}

	if err != nil {
		for bound--; bound >= 0; bound-- {
			d.cleanupVirtqueue(vdev, &d.vqs[bound], bound)
		}
		if err2 := setGuest(false); err2 != nil {
			d.log.Error("guest notifier unwind failed", zap.Error(err2))
			panic(err2)
		}
		return err
	}

	d.started = true
	return nil
}

// Stop returns the queues to the VMM and harvests the final dirty state
// for every tracked section, so the VMM's migration snapshot sees every
// page the backend wrote.
func (d *Device) Stop(vdev VirtioDevice) {
	for i := range d.vqs {
		d.cleanupVirtqueue(vdev, &d.vqs[i], i)
	}
	for _, s := range d.sections {
		d.syncDirtyBitmap(s, 0, ^uint64(0))
	}

	setGuest := vdev.Binding().SetGuestNotifiers
	if setGuest != nil {
		if err := setGuest(false); err != nil {
			d.log.Error("guest notifier cleanup failed", zap.Error(err))
			panic(err)
		}
	}

	d.started = false
	d.dirty = nil
}
