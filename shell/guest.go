package shell

import (
	"fmt"
	"strconv"

	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/vmm"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func (s *Shell) guestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Manage guests",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List guests",
			Args:  cobra.NoArgs,
			RunE:  run(s.guestList),
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a guest from its device tree node",
			Args:  cobra.ExactArgs(1),
			RunE:  run(s.guestCreate),
		},
		&cobra.Command{
			Use:   "dumpmem <name> <gpa> <count>",
			Short: "Dump guest memory",
			Args:  cobra.ExactArgs(3),
			RunE:  run(s.guestDumpMem),
		},
	)

	actions := []struct {
		use, short, done string
		fn               func(*guest.Guest) error
	}{
		{"destroy", "Destroy a guest", "Destroyed", s.host.Guests().DestroyGuest},
		{"start", "Reset a guest if needed and kick it", "Started", start},
		{"stop", "Halt a guest and reset it", "Stopped", stop},
		{"pause", "Pause a running guest", "Paused", (*guest.Guest).Pause},
		{"resume", "Resume a paused guest", "Resumed", (*guest.Guest).Resume},
		{"halt", "Halt a guest", "Halted", (*guest.Guest).Halt},
		{"reset", "Reset a guest", "Reset", (*guest.Guest).Reset},
		{"kick", "Kick a created guest", "Kicked", (*guest.Guest).Kick},
	}

	for _, a := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   a.use + " <name>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				g, err := s.findGuest(args[0])
				if err != nil {
					return err
				}

				if err := a.fn(g); err != nil {
					return err
				}

				cmd.Printf("%s: %s\n", g.Name(), a.done)
				return nil
			}),
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dumpreg <name>",
		Short: "Dump the registers of every VCPU of a guest",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string) error {
			g, err := s.findGuest(args[0])
			if err != nil {
				return err
			}

			return g.DumpRegs(cmd.OutOrStdout())
		}),
	})

	return cmd
}

func start(g *guest.Guest) error {
	if g.State() != guest.Created {
		if err := g.Reset(); err != nil {
			return err
		}
	}

	return g.Kick()
}

func stop(g *guest.Guest) error {
	if err := g.Halt(); err != nil {
		return err
	}

	return g.Reset()
}

func (s *Shell) findGuest(name string) (*guest.Guest, error) {
	g, ok := s.host.Guests().FindGuest(name)
	if !ok {
		return nil, fmt.Errorf("failed to find guest %s: %w", name, unix.ENOENT)
	}

	return g, nil
}

func (s *Shell) guestList(cmd *cobra.Command, _ []string) error {
	t := newTable(cmd.OutOrStdout(), "ID", "Name", "State", "VCPUs", "Path")
	for _, g := range s.host.Guests().Guests() {
		t.Append([]string{
			strconv.Itoa(g.ID()),
			g.Name(),
			g.State().String(),
			strconv.Itoa(g.NumVCPUs()),
			g.Node().Path(),
		})
	}

	t.Render()
	return nil
}

func (s *Shell) guestCreate(cmd *cobra.Command, args []string) error {
	name := args[0]

	var node *devtree.Node
	if tree := s.host.Tree(); tree != nil {
		if guests := tree.Child(vmm.GuestsNode); guests != nil {
			node = guests.Child(name)
		}
	}

	if node == nil {
		return fmt.Errorf("no /%s/%s node: %w", vmm.GuestsNode, name, unix.ENOENT)
	}

	if _, err := s.host.Guests().CreateGuest(node); err != nil {
		return err
	}

	cmd.Printf("Created %s successfully\n", name)
	return nil
}

func (s *Shell) guestDumpMem(cmd *cobra.Command, args []string) error {
	g, err := s.findGuest(args[0])
	if err != nil {
		return err
	}

	gpa, err := parseUint(args[1], 64)
	if err != nil {
		return err
	}

	n, err := parseUint(args[2], 32)
	if err != nil {
		return err
	}

	buf := make([]byte, n)
	if err := g.ReadMemory(gpa, buf); err != nil {
		return err
	}

	return dump(cmd.OutOrStdout(), gpa, buf, 1)
}
