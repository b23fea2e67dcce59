// Package arch is the boundary between the hypervisor core and the CPU
// architecture that runs guest code. A VCPU executes guest instructions
// until something needs the hypervisor and then reports why it exited.
package arch

import "fmt"

// NumRegs is the number of general purpose registers.
const NumRegs = 32

// Regs is the architectural state of a VCPU.
type Regs struct {
	X  [NumRegs]uint64
	PC uint64
	SP uint64

	// VBAR is the guest exception vector. ELR and FAR hold the return
	// address and the faulting address of the last exception taken.
	VBAR uint64
	ELR  uint64
	FAR  uint64

	IRQEnabled bool
}

// ExitReason says why a VCPU stopped running guest code.
type ExitReason int

const (
	// ExitBudget means the instruction budget ran out.
	ExitBudget ExitReason = iota

	// ExitStage2Fault is a guest physical access without a usable stage-2
	// mapping.
	ExitStage2Fault

	// ExitHVC is a hypervisor call.
	ExitHVC

	// ExitWFI is a wait for interrupt with no interrupt pending.
	ExitWFI

	// ExitHalt means the guest stopped the processor.
	ExitHalt

	// ExitUndefined is an instruction the VCPU couldn't decode.
	ExitUndefined
)

func (r ExitReason) String() string {
	switch r {
	case ExitBudget:
		return "budget"
	case ExitStage2Fault:
		return "stage2-fault"
	case ExitHVC:
		return "hvc"
	case ExitWFI:
		return "wfi"
	case ExitHalt:
		return "halt"
	case ExitUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// Exit describes a VCPU exit. Only the fields of the reason are set.
type Exit struct {
	Reason ExitReason

	// Stage-2 fault
	GPA   uint64
	Write bool
	Width int    // bytes
	Reg   int    // load destination or store source
	Data  uint64 // store value

	// HVC immediate
	Imm uint32

	// Instructions retired during the run.
	Steps int
}

func (e Exit) String() string {
	switch e.Reason {
	case ExitStage2Fault:
		dir := "read"
		if e.Write {
			dir = "write"
		}
		return fmt.Sprintf("%v %s%d at %#x", e.Reason, dir, e.Width*8, e.GPA)
	case ExitHVC:
		return fmt.Sprintf("%v #%d", e.Reason, e.Imm)
	default:
		return e.Reason.String()
	}
}

// Memory is a guest's stage-2 view as seen by a VCPU.
type Memory interface {

	// Translate returns the host physical address of a guest physical
	// address, or false if there is no mapping allowing the access.
	Translate(gpa uint64, write bool) (uint64, bool)

	// Bytes returns n bytes of host RAM at hpa.
	Bytes(hpa uint64, n int) ([]byte, error)
}

// VCPU runs guest code.
type VCPU interface {

	// Reset clears the architectural state and sets the entry point.
	Reset(entry uint64)

	// Regs returns the register file. The caller may modify it while the
	// VCPU is not running.
	Regs() *Regs

	// Run executes at most budget instructions.
	Run(budget int) Exit

	// CompleteMMIO finishes an emulated stage-2 fault. For reads data is
	// loaded into the destination register. The faulting instruction is
	// retired.
	CompleteMMIO(data uint64)

	// InjectAbort delivers a synchronous data abort for addr to the guest.
	InjectAbort(addr uint64, write bool)

	// SetIRQPending raises or clears the virtual IRQ line.
	SetIRQPending(pending bool)
	IRQPending() bool

	// FlushTLB drops cached translations. FlushTLBEntry drops one page.
	FlushTLB()
	FlushTLBEntry(gpa uint64)

	// MPIDR is the affinity value PSCI uses to name the VCPU.
	MPIDR() uint64
}

// Factory creates the VCPU with the given index in a guest.
type Factory func(index int, mem Memory) (VCPU, error)
