// Package psci emulates the ARM Power State Coordination Interface for
// guests: bringing VCPUs on and off line, suspend, and system shutdown
// and reset. Guests call it through HVC with the function ID in X0 and
// arguments in X1 to X3; the result is returned in X0.
package psci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/sched"
)

// Return codes.
const (
	Success         int32 = 0
	NotSupported    int32 = -1
	InvalidParams   int32 = -2
	Denied          int32 = -3
	AlreadyOn       int32 = -4
	OnPending       int32 = -5
	InternalFailure int32 = -6
	NotPresent      int32 = -7
	Disabled        int32 = -8
)

// PSCI 0.2 function IDs.
const (
	FnVersion         uint32 = 0x84000000
	FnCPUSuspend      uint32 = 0x84000001
	FnCPUOff          uint32 = 0x84000002
	FnCPUOn           uint32 = 0x84000003
	FnAffinityInfo    uint32 = 0x84000004
	FnMigrate         uint32 = 0x84000005
	FnMigrateInfoType uint32 = 0x84000006
	FnMigrateInfoCPU  uint32 = 0x84000007
	FnSystemOff       uint32 = 0x84000008
	FnSystemReset     uint32 = 0x84000009

	FnCPUSuspend64     uint32 = 0xc4000001
	FnCPUOn64          uint32 = 0xc4000003
	FnAffinityInfo64   uint32 = 0xc4000004
	FnMigrate64        uint32 = 0xc4000005
	FnMigrateInfoCPU64 uint32 = 0xc4000007
)

// Fn01Base is the first PSCI 0.1 function ID when the guest node does not
// name them.
const Fn01Base uint32 = 0x95c1ba5e

// Version 0.2 encoded as major<<16 | minor.
const version02 = 2

// Affinity states.
const (
	AffinityOn  = 0
	AffinityOff = 1
)

// MigrateInfoTypeMP says a trusted OS is not present, or is MP capable and
// doesn't need migration.
const MigrateInfoTypeMP = 2

// Guest is the guest side of PSCI.
type Guest interface {

	// VCPUState returns the state of the VCPU with the given affinity.
	VCPUState(mpidr uint64) (sched.State, bool)

	// StartVCPU sets the entry point and X0 of a VCPU in Reset and kicks
	// it. It returns sched.ErrState if the VCPU is not in Reset.
	StartVCPU(mpidr, entry, context uint64) error

	// StopVCPU resets the calling VCPU.
	StopVCPU(caller int) error

	// SuspendVCPU blocks the caller until it has an interrupt.
	SuspendVCPU(caller int) error

	RequestShutdown()
	RequestReboot()
}

// Emulator is a PSCI implementation of a given version.
type Emulator struct {
	Major, Minor int

	// PSCI 0.1 function IDs
	CPUSuspend uint32
	CPUOff     uint32
	CPUOn      uint32
	Migrate    uint32

	Logger *slog.Logger
}

// New returns an emulator of version 0.1 or 0.2.
func New(major, minor int) (*Emulator, error) {
	if major != 0 || minor != 1 && minor != 2 {
		return nil, fmt.Errorf("psci: unsupported version %d.%d", major, minor)
	}

	return &Emulator{
		Major:      major,
		Minor:      minor,
		CPUSuspend: Fn01Base,
		CPUOff:     Fn01Base + 1,
		CPUOn:      Fn01Base + 2,
		Migrate:    Fn01Base + 3,
		Logger:     slog.Default(),
	}, nil
}

// FromNode configures an emulator from a guest's psci node. The node's
// compatible string picks the version ("arm,psci-0.2" or "arm,psci") and
// cpu_suspend, cpu_off, cpu_on and migrate override the 0.1 IDs.
func FromNode(n *devtree.Node) (*Emulator, error) {
	minor := 1
	if n.IsCompatible("arm,psci-0.2") {
		minor = 2
	}

	e, err := New(0, minor)
	if err != nil {
		return nil, err
	}

	for name, fn := range map[string]*uint32{
		"cpu_suspend": &e.CPUSuspend,
		"cpu_off":     &e.CPUOff,
		"cpu_on":      &e.CPUOn,
		"migrate":     &e.Migrate,
	} {
		if v, err := n.ReadU32(name); err == nil {
			*fn = v
		}
	}

	return e, nil
}

func (e *Emulator) is02() bool { return e.Minor >= 2 }

// Call handles the PSCI call in regs for the VCPU with index caller. It
// reports false if X0 is not a PSCI function of this version.
func (e *Emulator) Call(g Guest, caller int, regs *arch.Regs) bool {
	fn := uint32(regs.X[0])
	a1, a2, a3 := regs.X[1], regs.X[2], regs.X[3]

	var ret int64

	switch {
	case e.is02() && fn == FnVersion:
		ret = version02

	case e.is02() && (fn == FnCPUSuspend || fn == FnCPUSuspend64) || !e.is02() && fn == e.CPUSuspend:
		ret = e.status(g.SuspendVCPU(caller))

	case e.is02() && fn == FnCPUOff || !e.is02() && fn == e.CPUOff:
		if err := g.StopVCPU(caller); err != nil {
			ret = int64(InternalFailure)
		}

	case e.is02() && (fn == FnCPUOn || fn == FnCPUOn64) || !e.is02() && fn == e.CPUOn:
		if fn == FnCPUOn {
			a1, a2, a3 = uint64(uint32(a1)), uint64(uint32(a2)), uint64(uint32(a3))
		}

		ret = e.cpuOn(g, a1, a2, a3)

	case e.is02() && (fn == FnAffinityInfo || fn == FnAffinityInfo64):
		ret = e.affinityInfo(g, a1, a2)

	case e.is02() && (fn == FnMigrate || fn == FnMigrate64) || !e.is02() && fn == e.Migrate:
		ret = int64(NotSupported)

	case e.is02() && fn == FnMigrateInfoType:
		ret = MigrateInfoTypeMP

	case e.is02() && (fn == FnMigrateInfoCPU || fn == FnMigrateInfoCPU64):
		ret = int64(NotSupported)

	case e.is02() && fn == FnSystemOff:
		e.Logger.Info("guest requested system off", "vcpu", caller)
		g.RequestShutdown()
		// only reached if the guest keeps running
		ret = int64(InternalFailure)

	case e.is02() && fn == FnSystemReset:
		e.Logger.Info("guest requested system reset", "vcpu", caller)
		g.RequestReboot()
		ret = int64(InternalFailure)

	default:
		if fn&0xff000000 != 0x84000000 && fn&0xff000000 != 0xc4000000 && !e.is01ID(fn) {
			return false
		}

		ret = int64(NotSupported)
	}

	regs.X[0] = uint64(ret)
	if fn>>30 == 2 {
		// 32 bit calling convention
		regs.X[0] = uint64(uint32(int32(ret)))
	}

	return true
}

func (e *Emulator) is01ID(fn uint32) bool {
	return fn == e.CPUSuspend || fn == e.CPUOff || fn == e.CPUOn || fn == e.Migrate
}

func (e *Emulator) cpuOn(g Guest, mpidr, entry, context uint64) int64 {
	if _, ok := g.VCPUState(mpidr); !ok {
		return int64(InvalidParams)
	}

	err := g.StartVCPU(mpidr, entry, context)
	switch {
	case err == nil:
		return int64(Success)

	case errors.Is(err, sched.ErrState):
		if e.is02() {
			return int64(AlreadyOn)
		}
		return int64(InvalidParams)

	default:
		e.Logger.Warn("psci cpu on failed", "mpidr", mpidr, "err", err)
		return int64(InternalFailure)
	}
}

func (e *Emulator) affinityInfo(g Guest, mpidr, level uint64) int64 {
	if level != 0 {
		return int64(InvalidParams)
	}

	st, ok := g.VCPUState(mpidr)
	if !ok {
		return int64(InvalidParams)
	}

	if st == sched.Reset || st == sched.Halted {
		return AffinityOff
	}

	return AffinityOn
}

func (e *Emulator) status(err error) int64 {
	if err != nil {
		return int64(Denied)
	}

	return int64(Success)
}
