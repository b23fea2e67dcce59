package guest

import (
	"fmt"

	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/mmu"
	"golang.org/x/sys/unix"
)

// Manifest types of a region node.
const (
	ManifestReal    = "real"
	ManifestVirtual = "virtual"
	ManifestAlias   = "alias"
)

// Device types of a real region node.
const (
	DeviceAllocedRAM = "alloced_ram"
	DeviceAllocedROM = "alloced_rom"
	DeviceRAM        = "ram"
	DeviceROM        = "rom"
)

// Region attribute flags read from the node.
const (
	AttrCacheable  = "cacheable"
	AttrBufferable = "bufferable"
	AttrReadOnly   = "read_only"
)

// RegionKind says what backs a region.
type RegionKind int

const (
	RAM RegionKind = iota
	ROM
	Alias
	Virtual
)

func (k RegionKind) String() string {
	switch k {
	case RAM:
		return "ram"
	case ROM:
		return "rom"
	case Alias:
		return "alias"
	case Virtual:
		return "virtual"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region maps [GPA, GPA+Size) of a guest to its backing.
type Region struct {
	Name string
	Node *devtree.Node
	Kind RegionKind

	GPA  uint64
	Size uint64

	// HPA is the host RAM behind RAM and ROM regions.
	HPA uint64

	// AliasPA is the guest physical address an alias region mirrors.
	AliasPA uint64

	Cacheable  bool
	Bufferable bool
	ReadOnly   bool

	// Device is the emulator instance of a virtual region.
	Device *devemu.Device

	frames int // frames to return on removal, zero if not ours
}

func (r *Region) End() uint64 { return r.GPA + r.Size }

// Contains reports whether gpa lies in r.
func (r *Region) Contains(gpa uint64) bool {
	return gpa >= r.GPA && gpa-r.GPA < r.Size
}

func (r *Region) overlaps(o *Region) bool {
	return r.GPA < o.End() && o.GPA < r.End()
}

func (r *Region) String() string {
	return fmt.Sprintf("%s %v %#x-%#x", r.Name, r.Kind, r.GPA, r.End())
}

// parseRegion reads a region from an aspace child node. Host memory is not
// allocated here.
func parseRegion(n *devtree.Node) (*Region, error) {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("guest: region %s: %s: %w", n.Path(), fmt.Sprintf(format, args...), unix.EINVAL)
	}

	manifest, err := n.ReadString(devtree.AttrManifestType)
	if err != nil {
		return nil, bad("no manifest type")
	}

	gpa, err := n.ReadU64(devtree.AttrGuestPhysAddr)
	if err != nil {
		return nil, bad("no guest physical address")
	}

	size, err := n.ReadSize(devtree.AttrPhysSize)
	if err != nil || size == 0 {
		return nil, bad("no physical size")
	}

	if gpa&mm.PageMask != 0 || size&mm.PageMask != 0 {
		return nil, bad("%#x+%#x is not page aligned", gpa, size)
	}

	if gpa+size < gpa {
		return nil, bad("%#x+%#x overflows", gpa, size)
	}

	r := &Region{
		Name:       n.Name(),
		Node:       n,
		GPA:        gpa,
		Size:       size,
		Cacheable:  n.ReadBool(AttrCacheable),
		Bufferable: n.ReadBool(AttrBufferable),
		ReadOnly:   n.ReadBool(AttrReadOnly),
	}

	switch manifest {
	case ManifestReal:
		dt, _ := n.ReadString(devtree.AttrDeviceType)
		switch dt {
		case DeviceAllocedRAM, DeviceRAM:
			r.Kind = RAM
		case DeviceAllocedROM, DeviceROM:
			r.Kind = ROM
			r.ReadOnly = true
		default:
			return nil, bad("unknown device type %q", dt)
		}

		if hpa, err := n.ReadU64(devtree.AttrHostPhysAddr); err == nil {
			if hpa&mm.PageMask != 0 {
				return nil, bad("host address %#x is not page aligned", hpa)
			}

			r.HPA = hpa
		}

	case ManifestAlias:
		apa, err := n.ReadU64(devtree.AttrAliasPhysAddr)
		if err != nil {
			return nil, bad("no alias physical address")
		}

		r.Kind = Alias
		r.AliasPA = apa

	case ManifestVirtual:
		r.Kind = Virtual

	default:
		return nil, bad("unknown manifest type %q", manifest)
	}

	return r, nil
}

// backing returns the host memory behind a RAM, ROM or alias region. An
// alias must lie inside a single RAM or ROM region.
func (g *Guest) backing(r *Region) (mmu.Backing, error) {
	b := mmu.Backing{
		GPA:        r.GPA,
		HPA:        r.HPA,
		Size:       r.Size,
		Cacheable:  r.Cacheable,
		Bufferable: r.Bufferable,
		ReadOnly:   r.ReadOnly,
	}

	switch r.Kind {
	case RAM, ROM:
		return b, nil

	case Alias:
		t, ok := g.FindRegion(r.AliasPA)
		if !ok || t.Kind == Alias || t.Kind == Virtual || r.AliasPA+r.Size > t.End() {
			return mmu.Backing{}, fmt.Errorf("guest: alias %s of %#x has no backing: %w", r.Name, r.AliasPA, unix.EFAULT)
		}

		b.HPA = t.HPA + (r.AliasPA - t.GPA)
		b.ReadOnly = b.ReadOnly || t.ReadOnly
		return b, nil
	}

	return mmu.Backing{}, fmt.Errorf("guest: %s is not backed by RAM: %w", r.Name, unix.EFAULT)
}
