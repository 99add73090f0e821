//go:build !linux

package control

import (
	"errors"

	"github.com/tinyrange/vhost/internal/memtable"
)

// ErrUnsupportedPlatform is returned by Open and by every kernel channel
// command on platforms without vhost; Close succeeds.
var ErrUnsupportedPlatform = errors.New("control: vhost is only supported on linux")

// Kernel is a placeholder on platforms without vhost.
type Kernel struct{}

func Open(path string) (*Kernel, error) {
	return nil, ErrUnsupportedPlatform
}

func FromFD(fd int) *Kernel {
	return &Kernel{}
}

func (k *Kernel) SetOwner() error                              { return ErrUnsupportedPlatform }
func (k *Kernel) ResetOwner() error                            { return ErrUnsupportedPlatform }
func (k *Kernel) Features() (uint64, error)                    { return 0, ErrUnsupportedPlatform }
func (k *Kernel) SetFeatures(features uint64) error            { return ErrUnsupportedPlatform }
func (k *Kernel) SetMemTable(regions []memtable.Region) error  { return ErrUnsupportedPlatform }
func (k *Kernel) SetLogBase(base uint64) error                 { return ErrUnsupportedPlatform }
func (k *Kernel) SetLogFD(fd int) error                        { return ErrUnsupportedPlatform }
func (k *Kernel) SetVringNum(index int, num uint32) error      { return ErrUnsupportedPlatform }
func (k *Kernel) SetVringBase(index int, num uint32) error     { return ErrUnsupportedPlatform }
func (k *Kernel) GetVringBase(index int) (uint32, error)       { return 0, ErrUnsupportedPlatform }
func (k *Kernel) SetVringAddr(addr VringAddr) error            { return ErrUnsupportedPlatform }
func (k *Kernel) SetVringKick(index, fd int) error             { return ErrUnsupportedPlatform }
func (k *Kernel) SetVringCall(index, fd int) error             { return ErrUnsupportedPlatform }
func (k *Kernel) SetVringErr(index, fd int) error              { return ErrUnsupportedPlatform }
func (k *Kernel) Close() error                                 { return nil }

var (
	_ Channel = &Kernel{}
)
