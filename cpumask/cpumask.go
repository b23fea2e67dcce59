// Package cpumask implements sets of host CPUs.
package cpumask

import (
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// MaxCPUs is the largest host CPU count the scheduler and SMP bring-up
// accept. Masks themselves are unbounded.
const MaxCPUs = 1024

// Mask is an immutable set of CPU numbers. The zero Mask is empty.
// Negative CPU numbers are never members.
type Mask struct {
	b *bitset.BitSet
}

// Of returns the mask containing cpus.
func Of(cpus ...int) Mask {
	b := bitset.New(0)
	for _, c := range cpus {
		if c >= 0 {
			b.Set(uint(c))
		}
	}

	return Mask{b}
}

// FromWords returns the mask holding CPU i when bit i%64 of words[i/64] is
// set.
func FromWords(words ...uint64) Mask {
	return Mask{bitset.From(append([]uint64(nil), words...))}
}

// All returns the mask of the first n CPUs.
func All(n int) Mask {
	b := bitset.New(0)
	if n > 0 {
		b.FlipRange(0, uint(n))
	}

	return Mask{b}
}

func (m Mask) bits() *bitset.BitSet {
	if m.b == nil {
		return &bitset.BitSet{}
	}

	return m.b
}

func (m Mask) Set(cpu int) Mask {
	if cpu < 0 {
		return m
	}

	return Mask{m.bits().Clone().Set(uint(cpu))}
}

func (m Mask) Clear(cpu int) Mask {
	if cpu < 0 {
		return m
	}

	return Mask{m.bits().Clone().Clear(uint(cpu))}
}

func (m Mask) Has(cpu int) bool {
	return cpu >= 0 && m.bits().Test(uint(cpu))
}

func (m Mask) And(o Mask) Mask { return Mask{m.bits().Intersection(o.bits())} }
func (m Mask) Or(o Mask) Mask { return Mask{m.bits().Union(o.bits())} }
func (m Mask) Empty() bool { return m.bits().None() }
func (m Mask) Count() int { return int(m.bits().Count()) }

// Equal reports whether m and o hold the same CPUs.
func (m Mask) Equal(o Mask) bool {
	return m.bits().SymmetricDifferenceCardinality(o.bits()) == 0
}

// First returns the lowest CPU in the mask, or -1.
func (m Mask) First() int {
	return m.Next(-1)
}

// Next returns the lowest CPU above cpu, or -1.
func (m Mask) Next(cpu int) int {
	i, ok := m.bits().NextSet(uint(max(cpu+1, 0)))
	if !ok {
		return -1
	}

	return int(i)
}

// CPUs lists the CPUs in ascending order.
func (m Mask) CPUs() []int {
	var cc []int
	for c := m.First(); c >= 0; c = m.Next(c) {
		cc = append(cc, c)
	}

	return cc
}

// String formats the mask as a CPU list like "0-2,5".
func (m Mask) String() string {
	var b strings.Builder
	for c := m.First(); c >= 0; {
		end := c
		for m.Has(end + 1) {
			end++
		}

		if b.Len() > 0 {
			b.WriteByte(',')
		}

		b.WriteString(strconv.Itoa(c))
		if end > c {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(end))
		}

		c = m.Next(end)
	}

	return b.String()
}
