//go:build linux

package control

// ioctl request numbers for the vhost character devices.
const (
	vhostGetFeatures  = 0x8008af00
	vhostSetFeatures  = 0x4008af00
	vhostSetOwner     = 0xaf01
	vhostResetOwner   = 0xaf02
	vhostSetMemTable  = 0x4008af03
	vhostSetLogBase   = 0x4008af04
	vhostSetLogFD     = 0x4004af07
	vhostSetVringNum  = 0x4008af10
	vhostSetVringAddr = 0x4028af11
	vhostSetVringBase = 0x4008af12
	vhostGetVringBase = 0xc008af12
	vhostSetVringKick = 0x4008af20
	vhostSetVringCall = 0x4008af21
	vhostSetVringErr  = 0x4008af22
)

type vhostVringState struct {
	Index uint32
	Num   uint32
}

type vhostVringFile struct {
	Index uint32
	FD    int32
}

type vhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

type vhostMemoryHeader struct {
	Nregions uint32
	Padding  uint32
}

type vhostMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	FlagsPadding  uint64
}
