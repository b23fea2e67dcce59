package shell

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// dumpRow is the number of bytes per dump line.
const dumpRow = 16

func (s *Shell) memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and modify host physical memory",
	}

	for _, width := range []int{1, 2, 4} {
		bits := width * 8

		cmd.AddCommand(
			&cobra.Command{
				Use:   fmt.Sprintf("dump%d <pa> <count>", bits),
				Short: fmt.Sprintf("Dump count %d-bit words", bits),
				Args:  cobra.ExactArgs(2),
				RunE: run(func(cmd *cobra.Command, args []string) error {
					return s.memDump(cmd, args, width)
				}),
			},
			&cobra.Command{
				Use:   fmt.Sprintf("modify%d <pa> <value>...", bits),
				Short: fmt.Sprintf("Write %d-bit words", bits),
				Args:  cobra.MinimumNArgs(2),
				RunE: run(func(cmd *cobra.Command, args []string) error {
					return s.memModify(args, width)
				}),
			},
		)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "copy <dst> <src> <count>",
			Short: "Copy count bytes",
			Args:  cobra.ExactArgs(3),
			RunE:  run(s.memCopy),
		},
		&cobra.Command{
			Use:   "crc32 <pa> <count>",
			Short: "Checksum count bytes",
			Args:  cobra.ExactArgs(2),
			RunE:  run(s.memCRC),
		},
	)

	return cmd
}

// span parses an address and a count of width-byte words and returns the
// RAM they cover.
func (s *Shell) span(addr, count string, width int) (uint64, []byte, error) {
	pa, err := parseUint(addr, 64)
	if err != nil {
		return 0, nil, err
	}

	n, err := parseUint(count, 32)
	if err != nil {
		return 0, nil, err
	}

	if pa%uint64(width) != 0 {
		return 0, nil, fmt.Errorf("%#x is not %d-byte aligned: %w", pa, width, unix.EINVAL)
	}

	mem, err := s.host.RAM().Bytes(pa, int(n)*width)
	return pa, mem, err
}

func (s *Shell) memDump(cmd *cobra.Command, args []string, width int) error {
	pa, mem, err := s.span(args[0], args[1], width)
	if err != nil {
		return err
	}

	return dump(cmd.OutOrStdout(), pa, mem, width)
}

// dump writes buf as rows of little-endian words of width bytes.
func dump(w io.Writer, addr uint64, buf []byte, width int) error {
	var sb strings.Builder
	for off := 0; off < len(buf); off += dumpRow {
		row := buf[off:min(off+dumpRow, len(buf))]

		fmt.Fprintf(&sb, "0x%08x:", addr+uint64(off))
		for i := 0; i+width <= len(row); i += width {
			switch width {
			case 1:
				fmt.Fprintf(&sb, " %02x", row[i])
			case 2:
				fmt.Fprintf(&sb, " %04x", binary.LittleEndian.Uint16(row[i:]))
			case 4:
				fmt.Fprintf(&sb, " %08x", binary.LittleEndian.Uint32(row[i:]))
			}
		}

		sb.WriteByte('\n')
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func (s *Shell) memModify(args []string, width int) error {
	values := make([]uint64, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := parseUint(a, width*8)
		if err != nil {
			return err
		}

		values = append(values, v)
	}

	_, mem, err := s.span(args[0], fmt.Sprint(len(values)), width)
	if err != nil {
		return err
	}

	for i, v := range values {
		b := mem[i*width:]
		switch width {
		case 1:
			b[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(b, uint32(v))
		}
	}

	return nil
}

func (s *Shell) memCopy(cmd *cobra.Command, args []string) error {
	_, dst, err := s.span(args[0], args[2], 1)
	if err != nil {
		return err
	}

	_, src, err := s.span(args[1], args[2], 1)
	if err != nil {
		return err
	}

	n := copy(dst, src)
	cmd.Printf("Copied %d (0x%x) bytes.\n", n, n)
	return nil
}

func (s *Shell) memCRC(cmd *cobra.Command, args []string) error {
	pa, mem, err := s.span(args[0], args[1], 1)
	if err != nil {
		return err
	}

	cmd.Printf("CRC32 of 0x%x+0x%x: 0x%08x\n", pa, len(mem), crc32.ChecksumIEEE(mem))
	return nil
}
