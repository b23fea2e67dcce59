// Package sim is a small software architecture for running guests without
// hardware virtualization. Instructions are 8 bytes, little endian:
//
//	byte 0     opcode
//	byte 1     rd
//	byte 2     rs
//	byte 3     access width in bytes (LDR, STR)
//	bytes 4-7  imm32
//
// Guest physical accesses go through the guest's stage-2 view. Accesses
// without a mapping exit with a stage-2 fault so the hypervisor can map
// memory or emulate a device, exactly like trap-and-emulate hardware.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c35s/hvcore/arch"
)

// Opcodes.
const (
	OpNOP   = 0x00
	OpMOVI  = 0x01 // rd = imm
	OpMOVHI = 0x02 // rd[63:32] = imm
	OpADDI  = 0x03 // rd = rs + simm
	OpLDR   = 0x04 // rd = [rs + simm]
	OpSTR   = 0x05 // [rs + simm] = rd
	OpB     = 0x06 // pc += simm
	OpCBNZ  = 0x07 // if rd != 0: pc += simm
	OpHVC   = 0x08
	OpWFI   = 0x09
	OpHALT  = 0x0a
	OpMOV   = 0x0b // rd = rs
	OpCBZ   = 0x0c // if rd == 0: pc += simm
	OpERET  = 0x0d // pc = elr, irqs on
	OpVBAR  = 0x0e // vbar = rs
	OpIRQEN = 0x0f // irqs on if imm != 0
)

// InstSize is the size of one instruction.
const InstSize = 8

// Exception vector offsets from VBAR.
const (
	VectorSync = 0x000
	VectorIRQ  = 0x080
)

const (
	pageShift = 12
	pageMask  = 1<<pageShift - 1
)

// VCPU is a simulated processor.
type VCPU struct {
	index int
	mem   arch.Memory

	regs arch.Regs

	irq atomic.Bool

	// outstanding stage-2 fault
	fault *arch.Exit

	tlbMu sync.Mutex
	tlb   map[uint64]tlbEntry
}

type tlbEntry struct {
	hpa      uint64
	writable bool
}

// New returns a VCPU in reset with entry point 0.
func New(index int, mem arch.Memory) (arch.VCPU, error) {
	if mem == nil {
		return nil, fmt.Errorf("sim: vcpu %d has no memory", index)
	}

	c := &VCPU{
		index: index,
		mem:   mem,
		tlb:   make(map[uint64]tlbEntry),
	}

	return c, nil
}

// Factory is an arch.Factory for simulated VCPUs.
var Factory arch.Factory = New

func (c *VCPU) Reset(entry uint64) {
	c.regs = arch.Regs{PC: entry}
	c.fault = nil
	c.irq.Store(false)
	c.FlushTLB()
}

func (c *VCPU) Regs() *arch.Regs { return &c.regs }
func (c *VCPU) MPIDR() uint64 { return uint64(c.index) }

func (c *VCPU) SetIRQPending(pending bool) { c.irq.Store(pending) }
func (c *VCPU) IRQPending() bool { return c.irq.Load() }

func (c *VCPU) FlushTLB() {
	c.tlbMu.Lock()
	clear(c.tlb)
	c.tlbMu.Unlock()
}

func (c *VCPU) FlushTLBEntry(gpa uint64) {
	c.tlbMu.Lock()
	delete(c.tlb, gpa>>pageShift)
	c.tlbMu.Unlock()
}

// TLBSize returns the number of cached translations.
func (c *VCPU) TLBSize() int {
	c.tlbMu.Lock()
	defer c.tlbMu.Unlock()
	return len(c.tlb)
}

// InjectAbort takes a synchronous exception to VBAR. ELR points at the
// faulting instruction.
func (c *VCPU) InjectAbort(addr uint64, write bool) {
	c.fault = nil
	c.exception(VectorSync, addr)
}

func (c *VCPU) exception(vector, addr uint64) {
	c.regs.ELR = c.regs.PC
	c.regs.FAR = addr
	c.regs.IRQEnabled = false
	c.regs.PC = c.regs.VBAR + vector
}

func (c *VCPU) CompleteMMIO(data uint64) {
	f := c.fault
	if f == nil {
		return
	}

	c.fault = nil
	if !f.Write && f.Reg >= 0 {
		c.regs.X[f.Reg] = data & widthMask(f.Width)
	}

	c.regs.PC += InstSize
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}

	return 1<<(8*width) - 1
}

// translate returns the host address of gpa through the software TLB.
func (c *VCPU) translate(gpa uint64, write bool) (uint64, bool) {
	page := gpa >> pageShift

	c.tlbMu.Lock()
	e, ok := c.tlb[page]
	c.tlbMu.Unlock()

	if ok && (e.writable || !write) {
		return e.hpa | gpa&pageMask, true
	}

	hpa, ok := c.mem.Translate(gpa&^pageMask, write)
	if !ok {
		return 0, false
	}

	_, canWrite := c.mem.Translate(gpa&^pageMask, true)

	c.tlbMu.Lock()
	c.tlb[page] = tlbEntry{hpa: hpa, writable: canWrite}
	c.tlbMu.Unlock()

	return hpa | gpa&pageMask, true
}

// access returns the host bytes backing [gpa, gpa+n). The range is
// contiguous in guest physical space but may cross a page.
func (c *VCPU) access(gpa uint64, n int, write bool) ([]byte, []byte, bool) {
	first, ok := c.translate(gpa, write)
	if !ok {
		return nil, nil, false
	}

	last := gpa + uint64(n) - 1
	if last>>pageShift == gpa>>pageShift {
		b, err := c.mem.Bytes(first, n)
		return b, nil, err == nil
	}

	second, ok := c.translate(last&^pageMask, write)
	if !ok {
		return nil, nil, false
	}

	head := int(pageMask + 1 - gpa&pageMask)

	b1, err1 := c.mem.Bytes(first, head)
	b2, err2 := c.mem.Bytes(second, n-head)
	return b1, b2, err1 == nil && err2 == nil
}

func (c *VCPU) load(gpa uint64, n int) (uint64, bool) {
	b1, b2, ok := c.access(gpa, n, false)
	if !ok {
		return 0, false
	}

	var buf [8]byte
	copy(buf[copy(buf[:], b1):], b2)
	return binary.LittleEndian.Uint64(buf[:]), true
}

func (c *VCPU) store(gpa uint64, n int, v uint64) bool {
	b1, b2, ok := c.access(gpa, n, true)
	if !ok {
		return false
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(b2, buf[copy(b1, buf[:n]):n])
	return true
}

func (c *VCPU) Run(budget int) arch.Exit {
	if c.fault != nil {
		// the previous fault was never completed; retry it
		c.fault = nil
	}

	r := &c.regs
	steps := 0

	for steps < budget {
		if c.irq.Load() && r.IRQEnabled {
			c.exception(VectorIRQ, 0)
		}

		word, ok := c.load(r.PC, InstSize)
		if !ok {
			return arch.Exit{Reason: arch.ExitStage2Fault, GPA: r.PC, Width: InstSize, Reg: -1, Steps: steps}
		}

		op := uint8(word)
		rd := int(word>>8) % arch.NumRegs
		rs := int(word>>16) % arch.NumRegs
		width := int(uint8(word >> 24))
		imm := uint32(word >> 32)
		simm := uint64(int64(int32(imm)))

		next := r.PC + InstSize
		steps++

		switch op {
		case OpNOP:

		case OpMOVI:
			r.X[rd] = uint64(imm)

		case OpMOVHI:
			r.X[rd] = r.X[rd]&0xffffffff | uint64(imm)<<32

		case OpADDI:
			r.X[rd] = r.X[rs] + simm

		case OpMOV:
			r.X[rd] = r.X[rs]

		case OpLDR, OpSTR:
			switch width {
			case 1, 2, 4, 8:
			default:
				return arch.Exit{Reason: arch.ExitUndefined, Steps: steps}
			}

			addr := r.X[rs] + simm
			if op == OpLDR {
				v, ok := c.load(addr, width)
				if !ok {
					return c.faultExit(addr, false, width, rd, steps)
				}

				r.X[rd] = v & widthMask(width)
			} else if !c.store(addr, width, r.X[rd]) {
				return c.faultExit(addr, true, width, rd, steps)
			}

		case OpB:
			next = r.PC + simm

		case OpCBNZ:
			if r.X[rd] != 0 {
				next = r.PC + simm
			}

		case OpCBZ:
			if r.X[rd] == 0 {
				next = r.PC + simm
			}

		case OpHVC:
			r.PC = next
			return arch.Exit{Reason: arch.ExitHVC, Imm: imm, Steps: steps}

		case OpWFI:
			r.PC = next
			if !c.irq.Load() {
				return arch.Exit{Reason: arch.ExitWFI, Steps: steps}
			}

			continue

		case OpHALT:
			r.PC = next
			return arch.Exit{Reason: arch.ExitHalt, Steps: steps}

		case OpERET:
			next = r.ELR
			r.IRQEnabled = true

		case OpVBAR:
			r.VBAR = r.X[rs]

		case OpIRQEN:
			r.IRQEnabled = imm != 0

		default:
			return arch.Exit{Reason: arch.ExitUndefined, Steps: steps}
		}

		r.PC = next
	}

	return arch.Exit{Reason: arch.ExitBudget, Steps: steps}
}

func (c *VCPU) faultExit(addr uint64, write bool, width, reg, steps int) arch.Exit {
	e := arch.Exit{
		Reason: arch.ExitStage2Fault,
		GPA:    addr,
		Write:  write,
		Width:  width,
		Reg:    reg,
		Steps:  steps - 1,
	}

	if write {
		e.Data = c.regs.X[reg] & widthMask(width)
	}

	c.fault = &e
	return e
}

// Inst encodes one instruction.
func Inst(op, rd, rs, width uint8, imm uint32) []byte {
	b := make([]byte, InstSize)
	b[0], b[1], b[2], b[3] = op, rd, rs, width
	binary.LittleEndian.PutUint32(b[4:], imm)
	return b
}

// Program concatenates instructions.
func Program(insts ...[]byte) []byte {
	var p []byte
	for _, i := range insts {
		p = append(p, i...)
	}

	return p
}

func MovI(rd uint8, imm uint32) []byte { return Inst(OpMOVI, rd, 0, 0, imm) }
func MovHi(rd uint8, imm uint32) []byte { return Inst(OpMOVHI, rd, 0, 0, imm) }
func AddI(rd, rs uint8, imm int32) []byte { return Inst(OpADDI, rd, rs, 0, uint32(imm)) }
func Mov(rd, rs uint8) []byte { return Inst(OpMOV, rd, rs, 0, 0) }
func Ldr(rd, rs, width uint8, off int32) []byte { return Inst(OpLDR, rd, rs, width, uint32(off)) }
func Str(rd, rs, width uint8, off int32) []byte { return Inst(OpSTR, rd, rs, width, uint32(off)) }
func B(off int32) []byte { return Inst(OpB, 0, 0, 0, uint32(off)) }
func Cbnz(rd uint8, off int32) []byte { return Inst(OpCBNZ, rd, 0, 0, uint32(off)) }
func Cbz(rd uint8, off int32) []byte { return Inst(OpCBZ, rd, 0, 0, uint32(off)) }
func Hvc(imm uint32) []byte { return Inst(OpHVC, 0, 0, 0, imm) }
func Wfi() []byte { return Inst(OpWFI, 0, 0, 0, 0) }
func Halt() []byte { return Inst(OpHALT, 0, 0, 0, 0) }
func Eret() []byte { return Inst(OpERET, 0, 0, 0, 0) }
func SetVBAR(rs uint8) []byte { return Inst(OpVBAR, 0, rs, 0, 0) }
func IRQEnable(on bool) []byte {
	if on {
		return Inst(OpIRQEN, 0, 0, 0, 1)
	}

	return Inst(OpIRQEN, 0, 0, 0, 0)
}
