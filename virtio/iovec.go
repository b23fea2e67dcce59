package virtio

// IOVec is one guest buffer of a descriptor chain.
type IOVec struct {
	Addr uint64
	Len  uint32

	// Write is set for buffers the device writes to.
	Write bool
}

// IOVecToBuf copies the guest buffers of iov into buf and returns the bytes
// copied. Copying stops at the first buffer that can't be read.
func IOVecToBuf(mem Memory, iov []IOVec, buf []byte) int {
	pos := 0
	for _, v := range iov {
		if pos == len(buf) {
			break
		}

		n := min(len(buf)-pos, int(v.Len))
		if err := mem.ReadMemory(v.Addr, buf[pos:pos+n]); err != nil {
			break
		}

		pos += n
	}

	return pos
}

// BufToIOVec copies buf into the guest buffers of iov and returns the bytes
// copied.
func BufToIOVec(mem Memory, iov []IOVec, buf []byte) int {
	pos := 0
	for _, v := range iov {
		if pos == len(buf) {
			break
		}

		n := min(len(buf)-pos, int(v.Len))
		if err := mem.WriteMemory(v.Addr, buf[pos:pos+n]); err != nil {
			break
		}

		pos += n
	}

	return pos
}

// FillZeros zeroes the guest buffers of iov.
func FillZeros(mem Memory, iov []IOVec) error {
	var zeros [256]byte

	for _, v := range iov {
		for off := uint32(0); off < v.Len; {
			n := min(v.Len-off, uint32(len(zeros)))
			if err := mem.WriteMemory(v.Addr+uint64(off), zeros[:n]); err != nil {
				return err
			}

			off += n
		}
	}

	return nil
}

// Len returns the total length of iov.
func Len(iov []IOVec) int {
	n := 0
	for _, v := range iov {
		n += int(v.Len)
	}

	return n
}
