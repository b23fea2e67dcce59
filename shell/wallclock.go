package shell

import (
	"fmt"
	"strings"
	"time"

	"github.com/c35s/hvcore/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const timeLayout = "Mon Jan _2 15:04:05 2006"

// setTimeLayouts are the accepted forms of "hh:mm:ss day month year".
var setTimeLayouts = []string{
	"15:04:05 2 Jan 2006",
	"15:04:05 2 January 2006",
	"15:04:05 2 1 2006",
}

func (s *Shell) wallclockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallclock",
		Short: "Get and set the wall clock",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get_time",
			Short: "Show the current time",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, _ []string) error {
				cmd.Println(s.host.Wallclock().Local().Format(timeLayout))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set_time <hh:mm:ss> <day> <month> <year> [+hh:mm]",
			Short: "Set the current time, optionally in a given timezone",
			Args:  cobra.RangeArgs(4, 5),
			RunE:  run(s.setTime),
		},
		&cobra.Command{
			Use:   "get_timezone",
			Short: "Show the timezone offset from UTC",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, _ []string) error {
				tz := s.host.Wallclock().GetTimezone()
				cmd.Printf("UTC%s dst %d\n", formatOffset(-tz.MinutesWest), tz.DSTTime)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set_timezone <+hh:mm> [dst]",
			Short: "Set the timezone offset east of UTC",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  run(s.setTimezone),
		},
	)

	return cmd
}

func (s *Shell) setTime(cmd *cobra.Command, args []string) error {
	wc := s.host.Wallclock()

	east := -wc.GetTimezone().MinutesWest
	if len(args) == 5 {
		var err error
		if east, err = parseOffset(args[4]); err != nil {
			return err
		}
	}

	loc := time.FixedZone("", east*60)
	value := strings.Join(args[:4], " ")

	for _, layout := range setTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			wc.SetTime(t)
			return nil
		}
	}

	return fmt.Errorf("bad time %q: %w", value, unix.EINVAL)
}

func (s *Shell) setTimezone(cmd *cobra.Command, args []string) error {
	east, err := parseOffset(args[0])
	if err != nil {
		return err
	}

	tz := clock.Timezone{MinutesWest: -east}
	if len(args) == 2 {
		dst, err := parseUint(args[1], 8)
		if err != nil {
			return err
		}

		tz.DSTTime = int(dst)
	}

	return s.host.Wallclock().SetTimezone(tz)
}

// parseOffset reads "+hh:mm" or "-hh:mm" as minutes east of UTC.
func parseOffset(s string) (int, error) {
	var sign rune
	var h, m int

	n, err := fmt.Sscanf(s, "%c%d:%d", &sign, &h, &m)
	if err != nil || n != 3 || (sign != '+' && sign != '-') || m < 0 || m >= 60 || h < 0 {
		return 0, fmt.Errorf("bad timezone offset %q: %w", s, unix.EINVAL)
	}

	off := h*60 + m
	if sign == '-' {
		off = -off
	}

	return off, nil
}

func formatOffset(east int) string {
	sign := '+'
	if east < 0 {
		sign, east = '-', -east
	}

	return fmt.Sprintf("%c%02d:%02d", sign, east/60, east%60)
}
