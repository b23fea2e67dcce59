package devtree

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// LoadTOML builds a tree from a TOML document. Tables become nodes and
// other values become attributes, both in document order. An array of
// tables [[vcpu]] becomes the children vcpu0, vcpu1 and so on.
//
//	[guests.guest0]
//	compatible = "hvcore,guest"
//
//	[guests.guest0.aspace.mem0]
//	manifest_type = "real"
//	guest_physical_addr = 0x0
//	physical_size = "16M"
func LoadTOML(r io.Reader) (*Node, error) {
	var doc map[string]any

	md, err := toml.NewDecoder(r).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("devtree: %w: %w", unix.EINVAL, err)
	}

	// implicit tables are ordered by their first descendant
	order := make(map[string]int)
	for i, k := range md.Keys() {
		for j := 1; j <= len(k); j++ {
			if _, ok := order[k[:j].String()]; !ok {
				order[k[:j].String()] = i
			}
		}
	}

	root := New()
	if err := build(root, doc, nil, order); err != nil {
		return nil, err
	}

	return root, nil
}

func build(n *Node, table map[string]any, key toml.Key, order map[string]int) error {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}

	pos := func(name string) int {
		if i, ok := order[append(key[:len(key):len(key)], name).String()]; ok {
			return i
		}

		return math.MaxInt
	}

	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(pos(a), pos(b)), strings.Compare(a, b))
	})

	for _, name := range names {
		sub := append(key[:len(key):len(key)], name)

		switch v := table[name].(type) {
		case map[string]any:
			c, err := n.AddChild(name)
			if err != nil {
				return err
			}

			if err := build(c, v, sub, order); err != nil {
				return err
			}

		case []map[string]any:
			for i, t := range v {
				c, err := n.AddChild(name + strconv.Itoa(i))
				if err != nil {
					return err
				}

				if err := build(c, t, sub, order); err != nil {
					return err
				}
			}

		default:
			val, err := attrValue(v)
			if err != nil {
				return fmt.Errorf("devtree: %s: %w", sub, err)
			}

			if err := n.SetAttr(name, val); err != nil {
				return err
			}
		}
	}

	return nil
}

func attrValue(v any) (any, error) {
	switch v := v.(type) {
	case string, bool:
		return v, nil

	case int64:
		if v < 0 {
			return nil, fmt.Errorf("negative number %d: %w", v, unix.EINVAL)
		}
		return uint64(v), nil

	case []any:
		if len(v) == 0 {
			return []uint64{}, nil
		}

		switch v[0].(type) {
		case string:
			ss := make([]string, len(v))
			for i, x := range v {
				s, ok := x.(string)
				if !ok {
					return nil, fmt.Errorf("mixed array: %w", unix.EINVAL)
				}
				ss[i] = s
			}
			return ss, nil

		case int64:
			nn := make([]uint64, len(v))
			for i, x := range v {
				n, ok := x.(int64)
				if !ok || n < 0 {
					return nil, fmt.Errorf("bad array element %v: %w", x, unix.EINVAL)
				}
				nn[i] = uint64(n)
			}
			return nn, nil
		}
	}

	return nil, fmt.Errorf("unsupported value %v (%T): %w", v, v, unix.EINVAL)
}

// WriteTOML encodes the tree under n as TOML. Attribute and child order is
// not preserved.
func (n *Node) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(n.toMap())
}

func (n *Node) toMap() map[string]any {
	m := make(map[string]any)
	for _, a := range n.Attrs() {
		if b, ok := a.Value.([]byte); ok {
			// encoded as a string so it survives a reload
			m[a.Name] = string(b)
			continue
		}

		m[a.Name] = a.Value
	}

	for _, c := range n.Children() {
		m[c.name] = c.toMap()
	}

	return m
}
