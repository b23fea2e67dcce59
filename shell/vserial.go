package shell

import (
	"fmt"
	"strconv"

	"github.com/c35s/hvcore/vio"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func (s *Shell) vserialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vserial",
		Short: "Inspect virtual serial ports",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List serial ports",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, _ []string) error {
				t := newTable(cmd.OutOrStdout(), "Name", "Buffered")
				for _, ser := range s.host.Hub().Serials.All() {
					t.Append([]string{ser.Name(), strconv.Itoa(ser.Buffered())})
				}

				t.Render()
				return nil
			}),
		},
		&cobra.Command{
			Use:   "dump <name> [count]",
			Short: "Print and drain the output buffered by a port",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  run(s.vserialDump),
		},
	)

	return cmd
}

// collector keeps up to max bytes a port emits.
type collector struct {
	buf []byte
	max int
}

func (c *collector) Receive(_ *vio.Serial, b byte) {
	if len(c.buf) < c.max {
		c.buf = append(c.buf, b)
	}
}

func (s *Shell) vserialDump(cmd *cobra.Command, args []string) error {
	ser, ok := s.host.Hub().Serials.Find(args[0])
	if !ok {
		return fmt.Errorf("failed to find serial port %s: %w", args[0], unix.ENOENT)
	}

	c := &collector{max: ser.Buffered()}
	if len(args) == 2 {
		n, err := parseUint(args[1], 31)
		if err != nil {
			return err
		}

		c.max = min(c.max, int(n))
	}

	// adding a receiver flushes the buffer into it
	if err := ser.AddReceiver(c); err != nil {
		return err
	}

	if err := ser.RemoveReceiver(c); err != nil {
		return err
	}

	_, err := cmd.OutOrStdout().Write(c.buf)
	return err
}
