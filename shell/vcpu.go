package shell

import (
	"fmt"
	"strconv"

	"github.com/c35s/hvcore/arch"
	"github.com/c35s/hvcore/guest"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func (s *Shell) vcpuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vcpu",
		Short: "Manage individual VCPUs",
	}

	lists := []struct {
		use, short string
		keep       func(*guest.VCPU) bool
	}{
		{"list", "List all VCPUs", func(*guest.VCPU) bool { return true }},
		{"orphan_list", "List orphan VCPUs", func(v *guest.VCPU) bool { return !v.IsNormal() }},
		{"normal_list", "List guest VCPUs", (*guest.VCPU).IsNormal},
	}

	for _, l := range lists {
		cmd.AddCommand(&cobra.Command{
			Use:   l.use,
			Short: l.short,
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, _ []string) error {
				s.vcpuList(cmd, l.keep)
				return nil
			}),
		})
	}

	actions := []struct {
		use string
		fn  func(*guest.VCPU) error
	}{
		{"reset", (*guest.VCPU).Reset},
		{"kick", (*guest.VCPU).Kick},
		{"pause", (*guest.VCPU).Pause},
		{"resume", (*guest.VCPU).Resume},
		{"halt", (*guest.VCPU).Halt},
	}

	for _, a := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   a.use + " <id>",
			Short: "Change the state of a VCPU",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				v, err := s.findVCPU(args[0])
				if err != nil {
					return err
				}

				if err := a.fn(v); err != nil {
					return err
				}

				cmd.Printf("%s: %s\n", v.Name(), v.State())
				return nil
			}),
		})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "dumpreg <id>",
			Short: "Dump the registers of a VCPU",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				v, err := s.findVCPU(args[0])
				if err != nil {
					return err
				}

				return v.DumpRegs(cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "dumpstat <id>",
			Short: "Show the exit and interrupt counts of a VCPU",
			Args:  cobra.ExactArgs(1),
			RunE:  run(s.vcpuStats),
		},
	)

	return cmd
}

func (s *Shell) findVCPU(arg string) (*guest.VCPU, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("bad vcpu id %q: %w", arg, unix.EINVAL)
	}

	v, ok := s.host.Guests().VCPU(id)
	if !ok {
		return nil, fmt.Errorf("failed to find vcpu %d: %w", id, unix.ENOENT)
	}

	return v, nil
}

func (s *Shell) vcpuList(cmd *cobra.Command, keep func(*guest.VCPU) bool) {
	t := newTable(cmd.OutOrStdout(), "ID", "Name", "Guest", "Priority", "State", "CPU")
	for _, v := range s.host.Guests().VCPUs() {
		if !keep(v) {
			continue
		}

		owner := "-"
		if g := v.Guest(); g != nil {
			owner = g.Name()
		}

		task := v.Task()
		t.Append([]string{
			strconv.Itoa(v.ID()),
			v.Name(),
			owner,
			strconv.Itoa(task.Priority()),
			v.State().String(),
			strconv.Itoa(task.CPU()),
		})
	}

	t.Render()
}

func (s *Shell) vcpuStats(cmd *cobra.Command, args []string) error {
	v, err := s.findVCPU(args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	field(w, "Name", v.Name())
	field(w, "State", v.State())
	field(w, "Dispatches", v.Task().Dispatches())
	field(w, "IRQs", v.IRQs())

	for r := arch.ExitBudget; r <= arch.ExitUndefined; r++ {
		field(w, "Exits "+r.String(), v.Exits(r))
	}

	return nil
}
