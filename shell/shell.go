// Package shell implements the management commands of the hypervisor. Each
// command line is parsed by a fresh cobra command tree and its outcome is
// reported as an errno-style exit code.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c35s/hvcore/clock"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/irq"
	"github.com/c35s/hvcore/mm"
	"github.com/c35s/hvcore/sched"
	"github.com/c35s/hvcore/smp"
	"github.com/c35s/hvcore/vio"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// Host is what the commands manage. *vmm.VMM implements it.
type Host interface {
	NumCPU() int
	Tree() *devtree.Node
	RAM() *mm.HostRAM
	Frames() *mm.FramePool
	VAPool() *mm.VAPool
	CPUs() *smp.CPUs
	Sched() *sched.Scheduler
	IRQs() *irq.Host
	Wallclock() *clock.Wallclock
	Guests() *guest.Manager
	Hub() *vio.Hub
}

// Shell runs command lines against a host.
type Shell struct {
	host Host
	name string
}

// New returns a shell for h. The name is reported by "host info".
func New(h Host, name string) *Shell {
	if name == "" {
		name = "hvcore"
	}

	return &Shell{host: h, name: name}
}

// ExecLine splits line on white space and executes it. A blank line succeeds.
func (s *Shell) ExecLine(ctx context.Context, out io.Writer, line string) int {
	args := strings.Fields(line)
	if len(args) == 0 {
		return 0
	}

	return s.Exec(ctx, out, args...)
}

// Exec runs one command and returns 0 or the errno of the failure. Usage
// errors are EINVAL.
func (s *Shell) Exec(ctx context.Context, out io.Writer, args ...string) int {
	root := s.root()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintf(out, "Error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var errno unix.Errno
	switch {
	case errors.As(err, &errno):
		return int(errno)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return int(unix.EINTR)
	case errors.As(err, new(*commandError)):
		return int(unix.EIO)
	default:
		return int(unix.EINVAL)
	}
}

// commandError marks a failure past argument parsing.
type commandError struct{ err error }

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

// run adapts fn to cobra's RunE, marking its errors as command failures.
func run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &commandError{err}
		}

		return nil
	}
}

func (s *Shell) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "hvcore",
		Short:         "Manage the hypervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		s.guestCmd(),
		s.hostCmd(),
		s.memoryCmd(),
		s.wallclockCmd(),
		s.vcpuCmd(),
		s.vserialCmd(),
		s.devtreeCmd(),
	)

	return root
}

// parseUint reads a decimal or 0x-prefixed number that fits bits.
func parseUint(s string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", s, unix.EINVAL)
	}

	return n, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetColumnSeparator(" ")
	t.SetCenterSeparator(" ")
	return t
}
