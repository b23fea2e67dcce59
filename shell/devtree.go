package shell

import (
	"fmt"
	"strings"

	"github.com/c35s/hvcore/devtree"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func (s *Shell) devtreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devtree",
		Short: "Inspect and edit the device tree",
	}

	attr := &cobra.Command{Use: "attr", Short: "Node attributes"}
	attr.AddCommand(
		&cobra.Command{
			Use:   "show <path>",
			Short: "Show the attributes of a node",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				for _, a := range n.Attrs() {
					cmd.Printf("%s = %s\n", a.Name, formatAttr(a.Value))
				}

				return nil
			}),
		},
		&cobra.Command{
			Use:   "get <path> <name>",
			Short: "Show one attribute",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				v, ok := n.Attr(args[1])
				if !ok {
					return fmt.Errorf("%s has no attribute %s: %w", n.Path(), args[1], unix.ENOENT)
				}

				cmd.Println(formatAttr(v))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <path> <name> <string|uint32|uint64|bool> <value>...",
			Short: "Set an attribute; several numbers make an array",
			Args:  cobra.MinimumNArgs(4),
			RunE:  run(s.setAttr),
		},
		&cobra.Command{
			Use:   "del <path> <name>",
			Short: "Delete an attribute",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				n.DelAttr(args[1])
				return nil
			}),
		},
	)

	node := &cobra.Command{Use: "node", Short: "Tree nodes"}
	node.AddCommand(
		&cobra.Command{
			Use:   "show <path>",
			Short: "List the children of a node",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				for _, c := range n.Children() {
					cmd.Println(c.Name())
				}

				return nil
			}),
		},
		&cobra.Command{
			Use:   "dump <path>",
			Short: "Print the subtree as TOML",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				return n.WriteTOML(cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "add <path> <name>",
			Short: "Add a child node",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				_, err = n.AddChild(args[1])
				return err
			}),
		},
		&cobra.Command{
			Use:   "del <path>",
			Short: "Delete a node and its subtree",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) error {
				n, err := s.findNode(args[0])
				if err != nil {
					return err
				}

				if n.Parent() == nil {
					return fmt.Errorf("the root can't be deleted: %w", unix.EINVAL)
				}

				return n.Parent().RemoveChild(n.Name())
			}),
		},
	)

	cmd.AddCommand(attr, node)
	return cmd
}

func (s *Shell) findNode(path string) (*devtree.Node, error) {
	root := s.host.Tree()
	if root == nil {
		return nil, fmt.Errorf("no device tree: %w", unix.ENOENT)
	}

	n := root.Find(path)
	if n == nil {
		return nil, fmt.Errorf("failed to find node %s: %w", path, unix.ENOENT)
	}

	return n, nil
}

func (s *Shell) setAttr(_ *cobra.Command, args []string) error {
	n, err := s.findNode(args[0])
	if err != nil {
		return err
	}

	name, typ, values := args[1], args[2], args[3:]

	var v any
	switch typ {
	case "string":
		v = strings.Join(values, " ")

	case "bool":
		if len(values) != 1 || (values[0] != "true" && values[0] != "false") {
			return fmt.Errorf("bad bool %q: %w", strings.Join(values, " "), unix.EINVAL)
		}

		v = values[0] == "true"

	case "uint32", "uint64":
		bits := 32
		if typ == "uint64" {
			bits = 64
		}

		nums := make([]uint64, len(values))
		for i, a := range values {
			if nums[i], err = parseUint(a, bits); err != nil {
				return err
			}
		}

		v = numbers(nums, bits)

	default:
		return fmt.Errorf("unknown attribute type %s: %w", typ, unix.EINVAL)
	}

	return n.SetAttr(name, v)
}

// numbers converts nums to the attribute type of the given width: a scalar
// for one value, an array otherwise.
func numbers(nums []uint64, bits int) any {
	if bits == 64 {
		if len(nums) == 1 {
			return nums[0]
		}

		return nums
	}

	u32 := make([]uint32, len(nums))
	for i, n := range nums {
		u32[i] = uint32(n)
	}

	if len(u32) == 1 {
		return u32[0]
	}

	return u32
}

func formatAttr(v any) string {
	switch v := v.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case []byte:
		return fmt.Sprintf("[% x]", v)
	case uint32, uint64:
		return fmt.Sprintf("%#x", v)
	case []uint32, []uint64:
		return fmt.Sprintf("%#x", v)
	default:
		return fmt.Sprint(v)
	}
}
