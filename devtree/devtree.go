// Package devtree is the in-memory device tree describing the host and its
// guests. Nodes form a tree of named children; each node carries an ordered
// list of typed attributes.
package devtree

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// Well known attribute names.
const (
	AttrCompatible    = "compatible"
	AttrReg           = "reg"
	AttrInterrupts    = "interrupts"
	AttrDeviceType    = "device_type"
	AttrManifestType  = "manifest_type"
	AttrAddressType   = "address_type"
	AttrGuestPhysAddr = "guest_physical_addr"
	AttrHostPhysAddr  = "host_physical_addr"
	AttrAliasPhysAddr = "alias_physical_addr"
	AttrPhysSize      = "physical_size"
	AttrStartPC       = "start_pc"
	AttrPriority      = "priority"
	AttrTimeSlice     = "time_slice"
	AttrImage         = "image"
	AttrEndianness    = "endianness"
)

// ErrType is returned when an attribute exists with another type.
var ErrType = fmt.Errorf("devtree: attribute type mismatch: %w", unix.EINVAL)

// Attr is a named attribute value. Values are one of string, []string,
// uint32, uint64, []uint32, []uint64, []byte or bool.
type Attr struct {
	Name  string
	Value any
}

// Node is a device tree node.
type Node struct {
	name   string
	parent *Node

	mu       sync.RWMutex
	attrs    []Attr
	children []*Node
}

// New returns an empty root node.
func New() *Node {
	return &Node{}
}

func (n *Node) Name() string { return n.name }
func (n *Node) Parent() *Node { return n.parent }

// Path returns the absolute path of n. The root is "/".
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}

	var parts []string
	for p := n; p.parent != nil; p = p.parent {
		parts = append(parts, p.name)
	}

	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/")
}

// Children returns the children of n in insertion order.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.children)
}

// Child returns the child called name, or nil.
func (n *Node) Child(name string) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}

	return nil
}

// AddChild creates a child. Names are unique among siblings.
func (n *Node) AddChild(name string) (*Node, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("devtree: bad node name %q: %w", name, unix.EINVAL)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.children {
		if c.name == name {
			return nil, fmt.Errorf("devtree: %s/%s: %w", strings.TrimSuffix(n.Path(), "/"), name, unix.EEXIST)
		}
	}

	c := &Node{name: name, parent: n}
	n.children = append(n.children, c)
	return c, nil
}

// RemoveChild detaches the child called name.
func (n *Node) RemoveChild(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, c := range n.children {
		if c.name == name {
			n.children = slices.Delete(n.children, i, i+1)
			return nil
		}
	}

	return unix.ENOENT
}

// Find resolves path relative to n. A leading slash starts at the root.
func (n *Node) Find(path string) *Node {
	cur := n
	if strings.HasPrefix(path, "/") {
		for cur.parent != nil {
			cur = cur.parent
		}
	}

	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}

		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}

	return cur
}

// Walk calls fn for n and its descendants in pre-order. It stops at the
// first error.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}

	for _, c := range n.Children() {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}

	return nil
}

// SetAttr sets or replaces an attribute.
func (n *Node) SetAttr(name string, value any) error {
	switch v := value.(type) {
	case string, []string, uint32, uint64, []uint32, []uint64, []byte, bool:
	case int:
		if v < 0 {
			return fmt.Errorf("devtree: negative %s: %w", name, unix.EINVAL)
		}
		value = uint64(v)
	default:
		return fmt.Errorf("devtree: %s has unsupported type %T: %w", name, value, unix.EINVAL)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.attrs {
		if n.attrs[i].Name == name {
			n.attrs[i].Value = value
			return nil
		}
	}

	n.attrs = append(n.attrs, Attr{Name: name, Value: value})
	return nil
}

// DelAttr removes an attribute.
func (n *Node) DelAttr(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.attrs = slices.DeleteFunc(n.attrs, func(a Attr) bool { return a.Name == name })
}

// Attr returns the raw value of an attribute.
func (n *Node) Attr(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, a := range n.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}

	return nil, false
}

// Attrs returns the attributes of n in insertion order.
func (n *Node) Attrs() []Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.attrs)
}

func (n *Node) lookup(name string) (any, error) {
	v, ok := n.Attr(name)
	if !ok {
		return nil, fmt.Errorf("devtree: %s has no %s: %w", n.Path(), name, unix.ENOENT)
	}

	return v, nil
}

func (n *Node) mismatch(name string, v any) error {
	return fmt.Errorf("%w: %s %s is %T", ErrType, n.Path(), name, v)
}

// ReadString reads a string attribute. A string list yields its first
// element.
func (n *Node) ReadString(name string) (string, error) {
	v, err := n.lookup(name)
	if err != nil {
		return "", err
	}

	switch v := v.(type) {
	case string:
		return v, nil
	case []string:
		if len(v) > 0 {
			return v[0], nil
		}
	}

	return "", n.mismatch(name, v)
}

// ReadStrings reads a string list. A single string is a list of one.
func (n *Node) ReadStrings(name string) ([]string, error) {
	v, err := n.lookup(name)
	if err != nil {
		return nil, err
	}

	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return slices.Clone(v), nil
	}

	return nil, n.mismatch(name, v)
}

// ReadU64Array reads a number list. A single number is a list of one.
func (n *Node) ReadU64Array(name string) ([]uint64, error) {
	v, err := n.lookup(name)
	if err != nil {
		return nil, err
	}

	switch v := v.(type) {
	case uint32:
		return []uint64{uint64(v)}, nil
	case uint64:
		return []uint64{v}, nil
	case []uint64:
		return slices.Clone(v), nil
	case []uint32:
		out := make([]uint64, len(v))
		for i, x := range v {
			out[i] = uint64(x)
		}
		return out, nil
	}

	return nil, n.mismatch(name, v)
}

// ReadU64 reads the first number of a number attribute.
func (n *Node) ReadU64(name string) (uint64, error) {
	vv, err := n.ReadU64Array(name)
	if err != nil {
		return 0, err
	}

	if len(vv) == 0 {
		return 0, fmt.Errorf("devtree: %s %s is empty: %w", n.Path(), name, unix.EINVAL)
	}

	return vv[0], nil
}

// ReadU32 is ReadU64 for values that fit in 32 bits.
func (n *Node) ReadU32(name string) (uint32, error) {
	v, err := n.ReadU64(name)
	if err != nil {
		return 0, err
	}

	if v > 1<<32-1 {
		return 0, fmt.Errorf("devtree: %s %s %#x overflows u32: %w", n.Path(), name, v, unix.EINVAL)
	}

	return uint32(v), nil
}

// ReadBytes reads a byte blob. Strings are returned as their bytes.
func (n *Node) ReadBytes(name string) ([]byte, error) {
	v, err := n.lookup(name)
	if err != nil {
		return nil, err
	}

	switch v := v.(type) {
	case []byte:
		return slices.Clone(v), nil
	case string:
		return []byte(v), nil
	}

	return nil, n.mismatch(name, v)
}

// ReadBool reads a flag. A present attribute of any other type is true.
func (n *Node) ReadBool(name string) bool {
	v, ok := n.Attr(name)
	if !ok {
		return false
	}

	b, isBool := v.(bool)
	return b || !isBool
}

// ReadSize reads a size given either as a number or as a human string such
// as "16M".
func (n *Node) ReadSize(name string) (uint64, error) {
	v, err := n.lookup(name)
	if err != nil {
		return 0, err
	}

	if s, ok := v.(string); ok {
		sz, err := units.RAMInBytes(s)
		if err != nil || sz < 0 {
			return 0, fmt.Errorf("devtree: %s %s %q: %w", n.Path(), name, s, unix.EINVAL)
		}

		return uint64(sz), nil
	}

	return n.ReadU64(name)
}

// Compatible returns the compatible strings of n.
func (n *Node) Compatible() []string {
	ss, _ := n.ReadStrings(AttrCompatible)
	return ss
}

// IsCompatible reports whether n lists id in its compatible attribute.
func (n *Node) IsCompatible(id string) bool {
	return slices.Contains(n.Compatible(), id)
}

// Match returns the index of the first id in ids that n is compatible
// with, or -1.
func (n *Node) Match(ids []string) int {
	compat := n.Compatible()
	for i, id := range ids {
		if slices.Contains(compat, id) {
			return i
		}
	}

	return -1
}

// RegAddr returns the address of the i-th reg entry. Entries are address,
// size pairs.
func (n *Node) RegAddr(i int) (uint64, error) {
	return n.regCell(i, 0)
}

// RegSize returns the size of the i-th reg entry.
func (n *Node) RegSize(i int) (uint64, error) {
	return n.regCell(i, 1)
}

func (n *Node) regCell(i, cell int) (uint64, error) {
	reg, err := n.ReadU64Array(AttrReg)
	if err != nil {
		return 0, err
	}

	if i < 0 || 2*i+1 >= len(reg) {
		return 0, fmt.Errorf("devtree: %s has no reg entry %d: %w", n.Path(), i, unix.ENOENT)
	}

	return reg[2*i+cell], nil
}

// IRQ returns the i-th interrupt of n.
func (n *Node) IRQ(i int) (uint32, error) {
	irqs, err := n.ReadU64Array(AttrInterrupts)
	if err != nil {
		return 0, err
	}

	if i < 0 || i >= len(irqs) {
		return 0, fmt.Errorf("devtree: %s has no interrupt %d: %w", n.Path(), i, unix.ENOENT)
	}

	return uint32(irqs[i]), nil
}

// IRQCount returns the number of interrupts of n.
func (n *Node) IRQCount() int {
	irqs, err := n.ReadU64Array(AttrInterrupts)
	if err != nil {
		return 0
	}

	return len(irqs)
}

// IsNotFound reports whether err is a missing node or attribute.
func IsNotFound(err error) bool {
	return errors.Is(err, unix.ENOENT)
}
