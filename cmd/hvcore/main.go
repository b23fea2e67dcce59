// Command hvcore boots the hypervisor core on the host, creates the guests of
// a device tree and serves the management shell or a guest console on the
// terminal.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	treePath     string
	imagesPath   string
	maxImageSize string
	metricsAddr  string
	consoleName  string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "hvcore",
	Short: "Run guests on the hvcore hypervisor",
	Long: `Run guests on the hvcore hypervisor.

The host is described by a TOML config (--config) and the guests by a TOML
device tree (--tree) whose /guests children are created and kicked at start.
Images named by guest regions come from a cpio bundle (--images).

Without --console the terminal runs the management shell:

  guest list|create|destroy|start|stop|pause|resume|halt|reset|kick|dumpreg|dumpmem
  host info|cpu info|irq stats|ram stats|ram bitmap|vapool stats|vapool bitmap
  memory dump8|dump16|dump32|modify8|modify16|modify32|copy|crc32
  wallclock get_time|set_time|get_timezone|set_timezone
  vcpu list|orphan_list|normal_list|reset|kick|pause|resume|halt|dumpreg|dumpstat
  vserial list|dump
  devtree attr show|get|set|del, devtree node show|dump|add|del

With --console the terminal is attached to the named serial port. Ctrl-]
detaches.`,
	SilenceUsage: true,
	RunE:         runHost,
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the device tree as it was parsed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tree, err := loadTree()
		if err != nil {
			return err
		}

		return tree.WriteTOML(cmd.OutOrStdout())
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "host config TOML file")
	f.StringVarP(&treePath, "tree", "t", "", "device tree TOML file")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rf := rootCmd.Flags()
	rf.StringVarP(&imagesPath, "images", "i", "", "cpio bundle of guest images, optionally gzipped")
	rf.StringVar(&maxImageSize, "max-image-size", "256MiB", "largest image the bundle may hold")
	rf.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rf.StringVar(&consoleName, "console", "", "attach the terminal to this serial port, e.g. guest0/uart0")

	rootCmd.AddCommand(treeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("hvcore: --log-level: %w", err)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}
