package vmm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/arch/sim"
	"github.com/c35s/hvcore/block"
	"github.com/c35s/hvcore/boot"
	"github.com/c35s/hvcore/cpumask"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/vio/vsdaemon"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRAMBase     = 0x8000_0000
	DefaultRAMSize     = "256MiB"
	DefaultVABase      = 0xffff_0000_0000_0000
	DefaultVASize      = 1 << 30
	DefaultHeapSize    = "16MiB"
	DefaultDMAHeapSize = "4MiB"
	DefaultHostIRQs    = 1024
	DefaultTickPeriod  = 10 * time.Millisecond

	// GuestsNode is the tree node whose children are created as guests by
	// StartKernel.
	GuestsNode = "guests"

	// TickIRQ is the per-CPU host line the scheduler tick arrives on.
	TickIRQ = 27
)

// Config describes the host.
type Config struct {

	// NumCPU is the number of host CPUs. If NumCPU is 0, the host has one.
	NumCPU int

	// RAMBase and RAMSize place host RAM in the physical address space.
	// RAMSize is a human size like "256MiB".
	RAMBase uint64
	RAMSize string

	// VABase and VASize bound the host virtual addresses handed out by the
	// vapool.
	VABase uint64
	VASize uint64

	HeapSize    string
	DMAHeapSize string

	// HostIRQs is the number of host interrupt lines.
	HostIRQs int

	// TickPeriod is the scheduler tick.
	TickPeriod time.Duration

	// Boot are the kernel load parameters. If zero, a 2MiB image is
	// assumed at the start of RAM, executing at the start of the vapool.
	Boot boot.Params

	// Tree is the device tree. Children of its guests node become guests.
	Tree *devtree.Node

	// Images resolves the images named by guest regions.
	Images guest.ImageSource

	Disks   []Disk
	Daemons []vsdaemon.Config

	// Metrics, if set, gets the host collectors.
	Metrics prometheus.Registerer

	// NewVCPU creates architecture VCPUs. If nil, VCPUs are simulated.
	NewVCPU arch.Factory

	// Budget is the instruction budget of a VCPU time slice.
	Budget int

	Logger *slog.Logger
}

// Disk describes a block device. Exactly one of Storage, Path and URL is set.
type Disk struct {
	Name     string
	Storage  block.Storage
	Path     string
	URL      string
	ReadOnly bool
}

func (cfg Config) withDefaults() Config {
	if cfg.NumCPU == 0 {
		cfg.NumCPU = 1
	}

	if cfg.RAMBase == 0 {
		cfg.RAMBase = DefaultRAMBase
	}

	if cfg.RAMSize == "" {
		cfg.RAMSize = DefaultRAMSize
	}

	if cfg.VABase == 0 {
		cfg.VABase = DefaultVABase
	}

	if cfg.VASize == 0 {
		cfg.VASize = DefaultVASize
	}

	if cfg.HeapSize == "" {
		cfg.HeapSize = DefaultHeapSize
	}

	if cfg.DMAHeapSize == "" {
		cfg.DMAHeapSize = DefaultDMAHeapSize
	}

	if cfg.HostIRQs == 0 {
		cfg.HostIRQs = DefaultHostIRQs
	}

	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}

	if cfg.Boot == (boot.Params{}) {
		cfg.Boot = boot.Params{
			LoadPA:    cfg.RAMBase,
			LoadEndPA: cfg.RAMBase + boot.SectionSize,
			ExecVA:    cfg.VABase,
			ExecEndVA: cfg.VABase + boot.SectionSize,
		}
	}

	if cfg.NewVCPU == nil {
		cfg.NewVCPU = sim.Factory
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.NumCPU < 0 || cfg.NumCPU > cpumask.MaxCPUs {
		return fmt.Errorf("cpu count %d out of range [1, %d]", cfg.NumCPU, cpumask.MaxCPUs)
	}

	ram, err := cfg.ramSize()
	if err != nil {
		return err
	}

	heap, err := units.RAMInBytes(cfg.HeapSize)
	if err != nil {
		return fmt.Errorf("heap size: %w", err)
	}

	dma, err := units.RAMInBytes(cfg.DMAHeapSize)
	if err != nil {
		return fmt.Errorf("dma heap size: %w", err)
	}

	if cfg.RAMBase&mm.PageMask != 0 || ram&mm.PageMask != 0 {
		return fmt.Errorf("RAM %#x+%s is not page aligned", cfg.RAMBase, cfg.RAMSize)
	}

	if uint64(heap+dma) > cfg.VASize/2 {
		return fmt.Errorf("heaps (%s) don't fit the vapool (%s)",
			units.BytesSize(float64(heap+dma)), units.BytesSize(float64(cfg.VASize)))
	}

	if err := cfg.Boot.Validate(); err != nil {
		return err
	}

	if cfg.Boot.LoadPA < cfg.RAMBase || cfg.Boot.LoadEndPA > cfg.RAMBase+ram {
		return fmt.Errorf("kernel image %#x-%#x is outside RAM", cfg.Boot.LoadPA, cfg.Boot.LoadEndPA)
	}

	if cfg.HostIRQs <= TickIRQ {
		return fmt.Errorf("%d host IRQs leave no room for the tick line", cfg.HostIRQs)
	}

	if cfg.TickPeriod < 0 {
		return errors.New("negative tick period")
	}

	names := make(map[string]bool)
	for _, d := range cfg.Disks {
		set := 0
		for _, ok := range []bool{d.Storage != nil, d.Path != "", d.URL != ""} {
			if ok {
				set++
			}
		}

		switch {
		case d.Name == "":
			return errors.New("disk has no name")
		case names[d.Name]:
			return fmt.Errorf("disk %s is configured twice", d.Name)
		case set != 1:
			return fmt.Errorf("disk %s needs exactly one of storage, path and url", d.Name)
		}

		names[d.Name] = true
	}

	return nil
}

func (cfg Config) ramSize() (uint64, error) {
	n, err := units.RAMInBytes(cfg.RAMSize)
	if err != nil {
		return 0, fmt.Errorf("RAM size: %w", err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("RAM size %q", cfg.RAMSize)
	}

	return uint64(n), nil
}

// fileConfig is the TOML form of Config.
type fileConfig struct {
	CPUs        int    `toml:"cpus"`
	RAMBase     uint64 `toml:"ram_base"`
	RAMSize     string `toml:"ram_size"`
	VABase      uint64 `toml:"va_base"`
	VASize      string `toml:"va_size"`
	HeapSize    string `toml:"heap_size"`
	DMAHeapSize string `toml:"dma_heap_size"`
	HostIRQs    int    `toml:"host_irqs"`
	TickPeriod  string `toml:"tick_period"`
	Budget      int    `toml:"budget"`

	Boot struct {
		LoadPA    uint64 `toml:"load_pa"`
		LoadEndPA uint64 `toml:"load_end_pa"`
		ExecVA    uint64 `toml:"exec_va"`
		ExecEndVA uint64 `toml:"exec_end_va"`
	} `toml:"boot"`

	Disks []struct {
		Name     string `toml:"name"`
		Path     string `toml:"path"`
		URL      string `toml:"url"`
		ReadOnly bool   `toml:"read_only"`
	} `toml:"disk"`

	Daemons []struct {
		Name      string `toml:"name"`
		Transport string `toml:"transport"`
		Port      uint32 `toml:"port"`
		Serial    string `toml:"serial"`
	} `toml:"vsdaemon"`
}

// DecodeConfig reads the host settings of a TOML document. Fields the
// document leaves out keep their defaults.
func DecodeConfig(r io.Reader) (Config, error) {
	var fc fileConfig

	md, err := toml.NewDecoder(r).Decode(&fc)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrConfig, keys[0])
	}

	cfg := Config{
		NumCPU:      fc.CPUs,
		RAMBase:     fc.RAMBase,
		RAMSize:     fc.RAMSize,
		VABase:      fc.VABase,
		HeapSize:    fc.HeapSize,
		DMAHeapSize: fc.DMAHeapSize,
		HostIRQs:    fc.HostIRQs,
		Budget:      fc.Budget,
		Boot:        boot.Params(fc.Boot),
	}

	if fc.VASize != "" {
		n, err := units.RAMInBytes(fc.VASize)
		if err != nil {
			return Config{}, fmt.Errorf("%w: va_size: %w", ErrConfig, err)
		}

		cfg.VASize = uint64(n)
	}

	if fc.TickPeriod != "" {
		d, err := time.ParseDuration(fc.TickPeriod)
		if err != nil {
			return Config{}, fmt.Errorf("%w: tick_period: %w", ErrConfig, err)
		}

		cfg.TickPeriod = d
	}

	for _, d := range fc.Disks {
		cfg.Disks = append(cfg.Disks, Disk{Name: d.Name, Path: d.Path, URL: d.URL, ReadOnly: d.ReadOnly})
	}

	for _, d := range fc.Daemons {
		cfg.Daemons = append(cfg.Daemons, vsdaemon.Config{
			Name:      d.Name,
			Transport: d.Transport,
			Port:      d.Port,
			Serial:    d.Serial,
		})
	}

	return cfg, nil
}
