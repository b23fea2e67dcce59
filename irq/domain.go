package irq

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// XlateFunc decodes an interrupt specifier into a controller-local number
// and trigger type.
type XlateFunc func(cells []uint32) (hwirq int, t Type, err error)

// OneCell decodes <hwirq>.
func OneCell(cells []uint32) (int, Type, error) {
	if len(cells) < 1 {
		return 0, TypeNone, unix.EINVAL
	}

	return int(cells[0]), TypeNone, nil
}

// TwoCell decodes <hwirq type>, with type encoded as in Linux bindings.
func TwoCell(cells []uint32) (int, Type, error) {
	if len(cells) < 2 {
		return 0, TypeNone, unix.EINVAL
	}

	var t Type
	switch cells[1] & 0xf {
	case 1:
		t = TypeEdgeRising
	case 2:
		t = TypeEdgeFalling
	case 3:
		t = TypeEdgeBoth
	case 4:
		t = TypeLevelHigh
	case 8:
		t = TypeLevelLow
	}

	return int(cells[0]), t, nil
}

// Domain maps a controller's local interrupt numbers onto host numbers.
type Domain struct {
	Name       string
	Controller string // device tree path of the controller

	host  *Host
	base  int // first host number of a linear domain, or -1
	size  int
	chip  Chip
	xlate XlateFunc

	mu     sync.Mutex
	hw2num map[int]int
	num2hw map[int]int
}

// NewDomain creates a domain whose mappings get extended host numbers.
func (h *Host) NewDomain(name, controller string, size int, chip Chip, xlate XlateFunc) (*Domain, error) {
	return h.addDomain(name, controller, -1, size, chip, xlate)
}

// NewLinearDomain creates a domain mapping hwirq to base+hwirq.
func (h *Host) NewLinearDomain(name, controller string, base, size int, chip Chip, xlate XlateFunc) (*Domain, error) {
	if base < 0 || base+size > h.ext {
		return nil, fmt.Errorf("irq: linear domain %s [%d,%d) outside fixed lines: %w", name, base, base+size, unix.EINVAL)
	}

	return h.addDomain(name, controller, base, size, chip, xlate)
}

func (h *Host) addDomain(name, controller string, base, size int, chip Chip, xlate XlateFunc) (*Domain, error) {
	if size <= 0 {
		return nil, unix.EINVAL
	}

	if xlate == nil {
		xlate = OneCell
	}

	if chip == nil {
		chip = NopChip{ChipName: name}
	}

	h.domMu.Lock()
	defer h.domMu.Unlock()

	if slices.ContainsFunc(h.domains, func(d *Domain) bool { return d.Controller == controller }) {
		return nil, fmt.Errorf("irq: controller %s already has a domain: %w", controller, unix.EEXIST)
	}

	d := &Domain{
		Name:       name,
		Controller: controller,
		host:       h,
		base:       base,
		size:       size,
		chip:       chip,
		xlate:      xlate,
		hw2num:     make(map[int]int),
		num2hw:     make(map[int]int),
	}

	h.domains = append(h.domains, d)
	return d, nil
}

// RemoveDomain disposes every mapping of d and forgets it.
func (h *Host) RemoveDomain(d *Domain) error {
	d.mu.Lock()
	nums := make([]int, 0, len(d.num2hw))
	for num := range d.num2hw {
		nums = append(nums, num)
	}
	d.mu.Unlock()

	for _, num := range nums {
		d.DisposeMapping(num)
	}

	h.domMu.Lock()
	defer h.domMu.Unlock()

	i := slices.Index(h.domains, d)
	if i < 0 {
		return unix.ENOENT
	}

	h.domains = slices.Delete(h.domains, i, i+1)
	return nil
}

// DomainFor returns the domain of the controller at path.
func (h *Host) DomainFor(controller string) (*Domain, bool) {
	h.domMu.Lock()
	defer h.domMu.Unlock()

	for _, d := range h.domains {
		if d.Controller == controller {
			return d, true
		}
	}

	return nil, false
}

// CreateMapping returns the host number for hwirq, creating it if needed.
func (d *Domain) CreateMapping(hwirq int) (int, error) {
	if hwirq < 0 || hwirq >= d.size {
		return 0, fmt.Errorf("irq: hwirq %d outside domain %s: %w", hwirq, d.Name, unix.EINVAL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if num, ok := d.hw2num[hwirq]; ok {
		return num, nil
	}

	num := d.base + hwirq
	if d.base < 0 {
		num = d.host.AllocExtended()
	}

	if err := d.host.SetChip(num, d.chip, hwirq); err != nil {
		return 0, err
	}

	d.hw2num[hwirq] = num
	d.num2hw[num] = hwirq

	return num, nil
}

// FindMapping returns the host number of hwirq.
func (d *Domain) FindMapping(hwirq int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	num, ok := d.hw2num[hwirq]
	return num, ok
}

// HWIRQ returns the local number behind host number num.
func (d *Domain) HWIRQ(num int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hw, ok := d.num2hw[num]
	return hw, ok
}

// DisposeMapping forgets num, releasing it if it was extended.
func (d *Domain) DisposeMapping(num int) error {
	d.mu.Lock()
	hw, ok := d.num2hw[num]
	if ok {
		delete(d.num2hw, num)
		delete(d.hw2num, hw)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("irq: %d is not mapped in %s: %w", num, d.Name, unix.ENOENT)
	}

	if d.base < 0 {
		return d.host.FreeExtended(num)
	}

	return nil
}

// Xlate decodes an interrupt specifier of this domain's controller.
func (d *Domain) Xlate(cells []uint32) (int, Type, error) {
	return d.xlate(cells)
}

// Map decodes cells, creates the mapping and applies the trigger type.
func (d *Domain) Map(cells []uint32) (int, error) {
	hw, t, err := d.Xlate(cells)
	if err != nil {
		return 0, err
	}

	num, err := d.CreateMapping(hw)
	if err != nil {
		return 0, err
	}

	if t != TypeNone {
		if err := d.host.SetType(num, t); err != nil {
			return 0, err
		}
	}

	return num, nil
}

// Chained returns a cascade flow for a parent line. pending reports the
// next pending child hwirq of domain, which is dispatched in turn until
// none remain.
func Chained(domain *Domain, pending func() (hwirq int, ok bool)) Flow {
	return func(d *Desc, cpu int) {
		c := d.Chip()
		c.Mask(d)
		c.Ack(d)

		for {
			hw, ok := pending()
			if !ok {
				break
			}

			num, ok := domain.FindMapping(hw)
			if !ok {
				domain.host.log.Warn("cascaded interrupt has no mapping", "domain", domain.Name, "hwirq", hw)
				continue
			}

			domain.host.Exec(cpu, num)
		}

		c.Unmask(d)
	}
}
