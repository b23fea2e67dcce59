package shell

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/bits-and-blooms/bitset"
	"github.com/c35s/hvcore/mm"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

const defaultBitmapCols = 64

func (s *Shell) hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Show host resources",
	}

	info := &cobra.Command{
		Use:   "info",
		Short: "Show host summary",
		Args:  cobra.NoArgs,
		RunE:  run(s.hostInfo),
	}

	cpu := &cobra.Command{Use: "cpu", Short: "Host CPUs"}
	cpu.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show per-CPU scheduler state",
		Args:  cobra.NoArgs,
		RunE:  run(s.cpuInfo),
	})

	irqs := &cobra.Command{Use: "irq", Short: "Host interrupts"}
	irqs.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show per-CPU interrupt counts",
		Args:  cobra.NoArgs,
		RunE:  run(s.irqStats),
	})

	ram := &cobra.Command{Use: "ram", Short: "Host RAM frames"}
	ram.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show frame pool usage",
			Args:  cobra.NoArgs,
			RunE:  run(s.ramStats),
		},
		&cobra.Command{
			Use:   "bitmap [cols]",
			Short: "Show the frame bitmap",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				return bitmap(cmd, args, s.host.Frames().Base(), s.host.Frames().Bitmap())
			}),
		},
	)

	vapool := &cobra.Command{Use: "vapool", Short: "Host virtual address pool"}
	vapool.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show vapool usage",
			Args:  cobra.NoArgs,
			RunE:  run(s.vapoolStats),
		},
		&cobra.Command{
			Use:   "bitmap [cols]",
			Short: "Show the vapool page bitmap",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				return bitmap(cmd, args, s.host.VAPool().Base(), s.host.VAPool().Bitmap())
			}),
		},
	)

	cmd.AddCommand(info, cpu, irqs, ram, vapool)
	return cmd
}

func size(n uint64) string { return units.BytesSize(float64(n)) }

func field(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "%-20s: %v\n", name, value)
}

func (s *Shell) hostInfo(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	h := s.host

	field(w, "Host Name", s.name)
	field(w, "Boot CPU", 0)
	field(w, "Total Online CPUs", h.CPUs().Online().Count())
	field(w, "Total VAPOOL", size(h.VAPool().TotalBytes()))
	field(w, "Total RAM", size(h.RAM().Size()))
	field(w, "Total Guests", len(h.Guests().Guests()))
	return nil
}

func (s *Shell) cpuInfo(cmd *cobra.Command, _ []string) error {
	h := s.host
	online := h.CPUs().Online()

	t := newTable(cmd.OutOrStdout(), "CPU", "State", "Current", "Ready", "Switches", "Ticks", "Idle", "IPIs")
	for cpu := range h.NumCPU() {
		state := "offline"
		if online.Has(cpu) {
			state = "online"
		}

		current := "idle"
		if task := h.Sched().Current(cpu); task != nil {
			current = task.Name()
		}

		switches, ticks, idle := h.Sched().Stats(cpu)
		_, ipis := h.CPUs().Stats(cpu)

		t.Append([]string{
			strconv.Itoa(cpu),
			state,
			current,
			strconv.Itoa(h.Sched().ReadyCount(cpu)),
			strconv.FormatUint(switches, 10),
			strconv.FormatUint(ticks, 10),
			strconv.FormatUint(idle, 10),
			strconv.FormatUint(ipis, 10),
		})
	}

	t.Render()
	return nil
}

func (s *Shell) irqStats(cmd *cobra.Command, _ []string) error {
	h := s.host.IRQs()
	stats := h.Stats()

	header := []string{"IRQ", "Chip"}
	for cpu := range h.NumCPU() {
		header = append(header, fmt.Sprintf("CPU%d", cpu))
	}

	t := newTable(cmd.OutOrStdout(), header...)
	nums := make([]int, 0, len(stats))
	for num := range stats {
		nums = append(nums, num)
	}

	slices.Sort(nums)

	for _, num := range nums {
		chip := "-"
		if d, err := h.Desc(num); err == nil && d.Chip() != nil {
			chip = d.Chip().Name()
		}

		row := []string{strconv.Itoa(num), chip}
		for _, n := range stats[num] {
			row = append(row, strconv.FormatUint(n, 10))
		}

		t.Append(row)
	}

	t.Render()
	return nil
}

func (s *Shell) ramStats(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	f := s.host.Frames()

	field(w, "Base Address", fmt.Sprintf("0x%08x", f.Base()))
	field(w, "Frame Size", mm.PageSize)
	field(w, "Free Frames", f.FreeFrames())
	field(w, "Total Frames", f.TotalFrames())
	field(w, "Free Size", size(uint64(f.FreeFrames())*mm.PageSize))
	return nil
}

func (s *Shell) vapoolStats(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	v := s.host.VAPool()

	field(w, "Base Address", fmt.Sprintf("0x%016x", v.Base()))
	field(w, "Page Size", mm.PageSize)
	field(w, "Free Pages", v.FreeBytes()/mm.PageSize)
	field(w, "Total Pages", v.TotalBytes()/mm.PageSize)
	fmt.Fprintln(w)

	t := newTable(w, "Order", "Block Size", "Free Blocks")
	for _, b := range v.Stats() {
		t.Append([]string{strconv.FormatUint(uint64(b.Order), 10), size(b.BlockSize), strconv.Itoa(b.Free)})
	}

	t.Render()
	return nil
}

// bitmap prints one character per page, cols pages to a row.
func bitmap(cmd *cobra.Command, args []string, base uint64, bm *bitset.BitSet) error {
	cols := uint64(defaultBitmapCols)
	if len(args) > 0 {
		n, err := parseUint(args[0], 16)
		if err != nil {
			return err
		}

		cols = max(n, 1)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "0 : free")
	fmt.Fprintln(w, "1 : used")

	row := make([]byte, 0, cols)
	for i := uint(0); i < bm.Len(); i++ {
		if uint64(i)%cols == 0 {
			if len(row) > 0 {
				fmt.Fprintf(w, "%s\n", row)
				row = row[:0]
			}

			fmt.Fprintf(w, "0x%08x: ", base+uint64(i)*mm.PageSize)
		}

		c := byte('0')
		if bm.Test(i) {
			c = '1'
		}

		row = append(row, c)
	}

	if len(row) > 0 {
		fmt.Fprintf(w, "%s\n", row)
	}

	return nil
}
