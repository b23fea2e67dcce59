// Package vgic emulates a GICv2-style interrupt controller: a distributor
// at the start of the window and a banked CPU interface 4K above it. It
// consumes every guest IRQ line of its context and drives the VCPU IRQ
// lines of the guest.
//
// Lines are level sensitive. IRQs 0-15 are software generated, 16-31 are
// private to each VCPU and the rest are shared and routed by target masks.
// Priorities are stored but not used for masking; the lowest numbered
// pending line wins.
package vgic

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/c35s/hvcore/devemu"
	"github.com/c35s/hvcore/devtree"
	"golang.org/x/sys/unix"
)

// AttrNumIRQ is the node attribute holding the number of lines.
const AttrNumIRQ = "num_irq"

const (
	DefaultNumIRQ = 96
	MaxVCPUs      = 8

	// WindowSize covers the distributor and the CPU interface.
	WindowSize = 0x2000

	// Spurious is read from the acknowledge register when nothing is
	// pending.
	Spurious = 1023

	numSGI   = 16
	numLocal = 32
)

// distributor registers
const (
	gicdCTLR       = 0x000
	gicdTYPER      = 0x004
	gicdIIDR       = 0x008
	gicdISENABLER  = 0x100
	gicdICENABLER  = 0x180
	gicdISPENDR    = 0x200
	gicdICPENDR    = 0x280
	gicdISACTIVER  = 0x300
	gicdICACTIVER  = 0x380
	gicdIPRIORITYR = 0x400
	gicdITARGETSR  = 0x800
	gicdICFGR      = 0xc00
	gicdSGIR       = 0xf00
)

// cpu interface registers
const (
	gicc      = 0x1000
	giccCTLR  = gicc + 0x00
	giccPMR   = gicc + 0x04
	giccBPR   = gicc + 0x08
	giccIAR   = gicc + 0x0c
	giccEOIR  = gicc + 0x10
	giccRPR   = gicc + 0x14
	giccHPPIR = gicc + 0x18
	giccIIDR  = gicc + 0xfc
)

const iidr = 0x0200143b

// Emulator creates GIC instances.
type Emulator struct{}

func (Emulator) Name() string { return "vgic" }
func (Emulator) Compatible() []string { return []string{"arm,cortex-a15-gic", "arm,gic-400"} }
func (Emulator) Endian() devemu.Endian { return devemu.Little }

func (Emulator) Probe(d *devemu.Device) (devemu.Instance, error) {
	n := DefaultNumIRQ
	if v, err := d.Node.ReadU32(AttrNumIRQ); err == nil {
		n = int(v)
	} else if !devtree.IsNotFound(err) {
		return nil, err
	}

	ctx := d.Context()
	n = min(n, ctx.CountIRQs())

	if n < numLocal || n%32 != 0 {
		return nil, fmt.Errorf("vgic: %s: %d lines: %w", d.Name, n, unix.EINVAL)
	}

	ncpu := d.Guest.NumVCPUs()
	if ncpu < 1 || ncpu > MaxVCPUs {
		return nil, fmt.Errorf("vgic: %s: %d vcpus: %w", d.Name, ncpu, unix.EINVAL)
	}

	g := &GIC{
		dev:    d,
		guest:  d.Guest,
		numIRQ: n,
		cpus:   make([]cpuState, ncpu),
		prio:   make([]uint8, n),
		target: make([]uint8, n),
		line:   bitset.New(uint(n)),
		shared: newState(n),
	}

	for i := range g.cpus {
		g.cpus[i].local = newState(numLocal)
		g.cpus[i].line = bitset.New(numLocal)
		g.cpus[i].running = Spurious
	}

	for irq := range n {
		if err := ctx.RegisterIRQ(uint32(irq), g, nil); err != nil {
			g.unregister(irq)
			return nil, err
		}
	}

	return g, nil
}

// state holds the enable, pending and active bits of a set of lines.
type state struct {
	enabled *bitset.BitSet
	pending *bitset.BitSet
	active  *bitset.BitSet
}

func newState(n int) state {
	return state{
		enabled: bitset.New(uint(n)),
		pending: bitset.New(uint(n)),
		active:  bitset.New(uint(n)),
	}
}

func (s state) clear() {
	s.enabled.ClearAll()
	s.pending.ClearAll()
	s.active.ClearAll()
}

type cpuState struct {
	local state
	line  *bitset.BitSet

	// sgiSrc records the VCPUs that raised each pending SGI
	sgiSrc [numSGI]uint8

	ctlr    uint32
	pmr     uint32
	bpr     uint32
	running uint32
	raised  bool
}

// GIC is one interrupt controller instance.
type GIC struct {
	dev    *devemu.Device
	guest  devemu.Guest
	numIRQ int

	mu     sync.Mutex
	ctlr   uint32
	cpus   []cpuState
	prio   []uint8
	target []uint8
	line   *bitset.BitSet
	shared state
}

func (g *GIC) Name() string { return g.dev.Name }

// Handle drives a guest line. Per-VCPU lines come with the VCPU index.
func (g *GIC) Handle(irq uint32, cpu int, level int, _ any) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := uint(irq)
	switch {
	case int(irq) >= g.numIRQ:
		return

	case irq < numLocal:
		cpus := g.cpuRange(cpu)
		for _, c := range cpus {
			s := &g.cpus[c]
			s.line.SetTo(i, level != 0)
			if level != 0 {
				s.local.pending.Set(i)
			} else if irq >= numSGI {
				s.local.pending.Clear(i)
			}
		}

	default:
		g.line.SetTo(i, level != 0)
		g.shared.pending.SetTo(i, level != 0)
	}

	g.updateLocked()
}

// cpuRange returns the VCPUs a local line event applies to.
func (g *GIC) cpuRange(cpu int) []int {
	if cpu >= 0 && cpu < len(g.cpus) {
		return []int{cpu}
	}

	all := make([]int, len(g.cpus))
	for i := range all {
		all[i] = i
	}

	return all
}

// bestLocked returns the lowest pending, enabled and inactive line for
// cpu, or Spurious.
func (g *GIC) bestLocked(cpu int) uint32 {
	if g.ctlr&1 == 0 {
		return Spurious
	}

	s := &g.cpus[cpu]
	for i, ok := s.local.pending.NextSet(0); ok && i < numLocal; i, ok = s.local.pending.NextSet(i + 1) {
		if s.local.enabled.Test(i) && !s.local.active.Test(i) {
			return uint32(i)
		}
	}

	for i, ok := g.shared.pending.NextSet(numLocal); ok; i, ok = g.shared.pending.NextSet(i + 1) {
		if g.shared.enabled.Test(i) && !g.shared.active.Test(i) && g.target[i]&(1<<cpu) != 0 {
			return uint32(i)
		}
	}

	return Spurious
}

// updateLocked raises the IRQ line of every VCPU with deliverable work.
func (g *GIC) updateLocked() {
	for c := range g.cpus {
		s := &g.cpus[c]
		raise := s.ctlr&1 != 0 && g.bestLocked(c) != Spurious

		if raise == s.raised {
			continue
		}

		s.raised = raise
		if raise {
			g.guest.AssertVCPUIRQ(c)
		} else {
			g.guest.DeassertVCPUIRQ(c)
		}
	}
}

func (g *GIC) bits(reg uint64) (st func(*state) *bitset.BitSet, base int) {
	switch {
	case reg < gicdICENABLER:
		return func(s *state) *bitset.BitSet { return s.enabled }, gicdISENABLER
	case reg < gicdISPENDR:
		return func(s *state) *bitset.BitSet { return s.enabled }, gicdICENABLER
	case reg < gicdICPENDR:
		return func(s *state) *bitset.BitSet { return s.pending }, gicdISPENDR
	case reg < gicdISACTIVER:
		return func(s *state) *bitset.BitSet { return s.pending }, gicdICPENDR
	case reg < gicdICACTIVER:
		return func(s *state) *bitset.BitSet { return s.active }, gicdISACTIVER
	default:
		return func(s *state) *bitset.BitSet { return s.active }, gicdICACTIVER
	}
}

func (g *GIC) Read32(cpu int, off uint64) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cpu < 0 || cpu >= len(g.cpus) {
		cpu = 0
	}

	s := &g.cpus[cpu]

	switch {
	case off == gicdCTLR:
		return g.ctlr, nil

	case off == gicdTYPER:
		return uint32(g.numIRQ/32-1) | uint32(len(g.cpus)-1)<<5, nil

	case off == gicdIIDR, off == giccIIDR:
		return iidr, nil

	case off >= gicdISENABLER && off < gicdIPRIORITYR:
		pick, base := g.bits(off)
		first := int(off-uint64(base)) / 4 * 32

		var v uint32
		for b := range 32 {
			irq := first + b
			if irq >= g.numIRQ {
				break
			}

			set := pick(&g.shared)
			i := uint(irq)
			if irq < numLocal {
				set = pick(&s.local)
			}

			if set.Test(i) {
				v |= 1 << b
			}
		}

		return v, nil

	case off >= gicdIPRIORITYR && off < gicdITARGETSR:
		return g.bytesLocked(g.prio, int(off-gicdIPRIORITYR)), nil

	case off >= gicdITARGETSR && off < gicdICFGR:
		first := int(off - gicdITARGETSR)
		if first < numLocal {
			// local lines always target the reader
			v := uint32(0)
			for b := range 4 {
				v |= uint32(1<<cpu) << (8 * b)
			}

			return v, nil
		}

		return g.bytesLocked(g.target, first), nil

	case off >= gicdICFGR && off < gicdSGIR:
		// level sensitive everywhere but the SGIs
		if off == gicdICFGR {
			return 0xaaaaaaaa, nil
		}

		return 0, nil

	case off == giccCTLR:
		return s.ctlr, nil

	case off == giccPMR:
		return s.pmr, nil

	case off == giccBPR:
		return s.bpr, nil

	case off == giccIAR:
		return g.ackLocked(cpu), nil

	case off == giccRPR:
		if s.running == Spurious {
			return 0xff, nil
		}

		return uint32(g.prio[s.running]), nil

	case off == giccHPPIR:
		return g.bestLocked(cpu), nil
	}

	return 0, nil
}

func (g *GIC) bytesLocked(b []uint8, first int) uint32 {
	var v uint32
	for i := range 4 {
		if first+i < len(b) {
			v |= uint32(b[first+i]) << (8 * i)
		}
	}

	return v
}

// ackLocked takes the best pending line of cpu and makes it active. SGIs
// report their source VCPU in bits 10-12.
func (g *GIC) ackLocked(cpu int) uint32 {
	irq := g.bestLocked(cpu)
	if irq == Spurious {
		return Spurious
	}

	s := &g.cpus[cpu]
	i := uint(irq)
	v := irq

	switch {
	case irq < numSGI:
		src := uint32(0)
		for c := range len(g.cpus) {
			if s.sgiSrc[irq]&(1<<c) != 0 {
				src = uint32(c)
				break
			}
		}

		s.sgiSrc[irq] &^= 1 << src
		if s.sgiSrc[irq] == 0 {
			s.local.pending.Clear(i)
		}

		s.local.active.Set(i)
		v |= src << 10

	case irq < numLocal:
		s.local.pending.Clear(i)
		s.local.active.Set(i)

	default:
		g.shared.pending.Clear(i)
		g.shared.active.Set(i)
	}

	s.running = irq
	g.updateLocked()
	return v
}

func (g *GIC) Write32(cpu int, off uint64, v uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cpu < 0 || cpu >= len(g.cpus) {
		cpu = 0
	}

	s := &g.cpus[cpu]

	switch {
	case off == gicdCTLR:
		g.ctlr = v & 1

	case off >= gicdISENABLER && off < gicdIPRIORITYR:
		pick, base := g.bits(off)
		set := off < gicdICENABLER || (off >= gicdISPENDR && off < gicdICPENDR) || (off >= gicdISACTIVER && off < gicdICACTIVER)
		first := int(off-uint64(base)) / 4 * 32

		for b := range 32 {
			irq := first + b
			if v&(1<<b) == 0 || irq >= g.numIRQ {
				continue
			}

			bs := pick(&g.shared)
			if irq < numLocal {
				bs = pick(&s.local)
			}

			i := uint(irq)
			if set {
				bs.Set(i)
			} else {
				bs.Clear(i)
			}
		}

	case off >= gicdIPRIORITYR && off < gicdITARGETSR:
		g.setBytesLocked(g.prio, int(off-gicdIPRIORITYR), v, 0xff)

	case off >= gicdITARGETSR && off < gicdICFGR:
		if first := int(off - gicdITARGETSR); first >= numLocal {
			g.setBytesLocked(g.target, first, v, uint8(1<<len(g.cpus)-1))
		}

	case off == gicdSGIR:
		g.sgiLocked(cpu, v)

	case off == giccCTLR:
		s.ctlr = v & 1

	case off == giccPMR:
		s.pmr = v & 0xff

	case off == giccBPR:
		s.bpr = v & 7

	case off == giccEOIR:
		g.eoiLocked(cpu, v&0x3ff)
	}

	g.updateLocked()
	return nil
}

func (g *GIC) setBytesLocked(b []uint8, first int, v uint32, mask uint8) {
	for i := range 4 {
		if first+i < len(b) {
			b[first+i] = uint8(v>>(8*i)) & mask
		}
	}
}

// sgiLocked raises SGI v[3:0] on the VCPUs selected by the filter in
// v[25:24]: the target list, everybody else, or the writer.
func (g *GIC) sgiLocked(cpu int, v uint32) {
	irq := uint(v & 0xf)
	targets := uint8(v >> 16)

	switch (v >> 24) & 3 {
	case 1:
		targets = uint8(1<<len(g.cpus)-1) &^ (1 << cpu)
	case 2:
		targets = 1 << cpu
	case 3:
		return
	}

	for c := range g.cpus {
		if targets&(1<<c) != 0 {
			g.cpus[c].local.pending.Set(irq)
			g.cpus[c].sgiSrc[irq] |= 1 << cpu
		}
	}
}

// eoiLocked deactivates irq. A line still held high pends again.
func (g *GIC) eoiLocked(cpu int, irq uint32) {
	if int(irq) >= g.numIRQ {
		return
	}

	s := &g.cpus[cpu]
	i := uint(irq)

	if irq < numLocal {
		s.local.active.Clear(i)
		if irq >= numSGI && s.line.Test(i) {
			s.local.pending.Set(i)
		}
	} else {
		g.shared.active.Clear(i)
		if g.line.Test(i) {
			g.shared.pending.Set(i)
		}
	}

	if s.running == irq {
		s.running = Spurious
	}
}

// Reset disables the controller and forgets every pending interrupt.
func (g *GIC) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctlr = 0
	g.shared.clear()
	g.line.ClearAll()
	clear(g.prio)
	clear(g.target)

	for c := range g.cpus {
		s := &g.cpus[c]
		s.local.clear()
		s.line.ClearAll()
		s.sgiSrc = [numSGI]uint8{}
		s.ctlr, s.pmr, s.bpr = 0, 0, 0
		s.running = Spurious

		// SGIs are always enabled
		for i := range uint(numSGI) {
			s.local.enabled.Set(i)
		}
	}

	g.updateLocked()
	return nil
}

// Remove stops consuming guest lines.
func (g *GIC) Remove() error {
	g.unregister(g.numIRQ)
	return nil
}

func (g *GIC) unregister(n int) {
	ctx := g.dev.Context()
	for irq := range n {
		ctx.UnregisterIRQ(uint32(irq), g, nil)
	}
}
