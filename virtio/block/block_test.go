package block_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	blockrq "github.com/c35s/hvcore/block"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/virtio"
	"github.com/c35s/hvcore/virtio/block"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

type flatMem []byte

func (m flatMem) MapMemory(gpa uint64, n int) ([]byte, error) {
	if n < 0 || gpa > uint64(len(m)) || uint64(n) > uint64(len(m))-gpa {
		return nil, unix.EFAULT
	}

	return m[gpa : gpa+uint64(n)], nil
}

func (m flatMem) ReadMemory(gpa uint64, buf []byte) error {
	b, err := m.MapMemory(gpa, len(buf))
	if err == nil {
		copy(buf, b)
	}

	return err
}

func (m flatMem) WriteMemory(gpa uint64, buf []byte) error {
	b, err := m.MapMemory(gpa, len(buf))
	if err == nil {
		copy(b, buf)
	}

	return err
}

// notifier counts used buffer notifications.
type notifier chan int

func (n notifier) Notify(queue int) error { n <- queue; return nil }
func (n notifier) NotifyConfig() error { return nil }

// the ring sits at 0x1000 with four descriptors; buffers live above 0x8000
const (
	descAddr  = 0x1000
	availAddr = descAddr + 16*4
	usedAddr  = 0x2000

	hdrAddr    = 0x8000
	dataAddr   = 0x9000
	statusAddr = 0xa000
)

type disk struct {
	mem    flatMem
	img    []byte
	rq     *blockrq.RQ
	dev    *virtio.Device
	notify notifier
}

func newDisk(t *testing.T, readOnly bool) *disk {
	t.Helper()

	d := &disk{
		mem:    make(flatMem, 0x10000),
		img:    make([]byte, 16*512),
		notify: make(notifier, 16),
	}

	for i := range d.img {
		d.img[i] = byte(i / 512)
	}

	storage, err := blockrq.NewDisk(&blockrq.MemStorage{Bytes: d.img}, readOnly)
	if err != nil {
		t.Fatal(err)
	}

	rq, err := blockrq.New(context.Background(), storage, blockrq.Config{Name: "vda"})
	if err != nil {
		t.Fatal(err)
	}

	d.rq = rq
	t.Cleanup(func() { rq.Close() })

	node := devtree.New()
	node.SetAttr(block.AttrBlockDevice, "vda")

	drv := block.Driver{Lookup: func(name string) (*blockrq.RQ, bool) {
		return rq, name == "vda"
	}}

	d.dev, err = virtio.NewDevice("guest0/vblk", d.mem, d.notify, drv, node, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.dev.InitQueue(0, 1, 0x1000, 4, 0x1000); err != nil {
		t.Fatal(err)
	}

	return d
}

// do sends a request and waits for its completion. It returns the status
// byte and the used length.
func (d *disk) do(t *testing.T, typ uint32, sector uint64, dataLen uint32, write bool) (byte, uint32) {
	t.Helper()

	hdr := make([]byte, 16)
	le.PutUint32(hdr, typ)
	le.PutUint64(hdr[8:], sector)
	copy(d.mem[hdrAddr:], hdr)
	d.mem[statusAddr] = 0xff

	descs := []virtio.Desc{{Addr: hdrAddr, Len: 16, Flags: virtio.DescFNext, Next: 1}}
	if dataLen > 0 {
		flags := uint16(virtio.DescFNext)
		if !write {
			flags |= virtio.DescFWrite
		}

		descs = append(descs, virtio.Desc{Addr: dataAddr, Len: dataLen, Flags: flags, Next: 2})
	} else {
		descs[0].Next = 2
	}

	descs = append(descs, virtio.Desc{Addr: statusAddr, Len: 1, Flags: virtio.DescFWrite})

	slots := []int{0, 1, 2}
	if dataLen == 0 {
		slots = []int{0, 2}
	}

	for i, s := range slots {
		b := d.mem[descAddr+16*s:]
		le.PutUint64(b, descs[i].Addr)
		le.PutUint32(b[8:], descs[i].Len)
		le.PutUint16(b[12:], descs[i].Flags)
		le.PutUint16(b[14:], descs[i].Next)
	}

	idx := le.Uint16(d.mem[availAddr+2:])
	le.PutUint16(d.mem[availAddr+4+2*(int(idx)%4):], 0)
	le.PutUint16(d.mem[availAddr+2:], idx+1)

	if err := d.dev.NotifyQueue(0); err != nil {
		t.Fatal(err)
	}

	select {
	case <-d.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}

	used := le.Uint16(d.mem[usedAddr+2:])
	elem := d.mem[usedAddr+4+8*((int(used)-1)%4):]

	return d.mem[statusAddr], le.Uint32(elem[4:])
}

func TestRequests(t *testing.T) {
	d := newDisk(t, false)

	t.Run("read", func(t *testing.T) {
		status, n := d.do(t, 0, 3, 1024, false)
		if status != 0 || n != 1025 {
			t.Fatalf("status %d used %d", status, n)
		}

		want := append(bytes.Repeat([]byte{3}, 512), bytes.Repeat([]byte{4}, 512)...)
		if diff := cmp.Diff(want, []byte(d.mem[dataAddr:dataAddr+1024])); diff != "" {
			t.Errorf("data (-want +got):\n%s", diff)
		}
	})

	t.Run("write", func(t *testing.T) {
		copy(d.mem[dataAddr:], bytes.Repeat([]byte{0x5a}, 512))

		status, n := d.do(t, 1, 7, 512, true)
		if status != 0 || n != 1 {
			t.Fatalf("status %d used %d", status, n)
		}

		if !bytes.Equal(d.img[7*512:8*512], bytes.Repeat([]byte{0x5a}, 512)) {
			t.Error("disk wasn't written")
		}
	})

	t.Run("flush", func(t *testing.T) {
		if status, _ := d.do(t, 4, 0, 0, false); status != 0 {
			t.Errorf("status %d", status)
		}
	})

	t.Run("get id", func(t *testing.T) {
		status, n := d.do(t, 8, 0, block.IDBytes, false)
		if status != 0 || n != block.IDBytes+1 {
			t.Fatalf("status %d used %d", status, n)
		}

		want := make([]byte, block.IDBytes)
		copy(want, "vda")

		if diff := cmp.Diff(want, []byte(d.mem[dataAddr:dataAddr+block.IDBytes])); diff != "" {
			t.Errorf("id (-want +got):\n%s", diff)
		}
	})

	t.Run("read past the end fails", func(t *testing.T) {
		if status, _ := d.do(t, 0, 16, 512, false); status != 1 {
			t.Errorf("status %d", status)
		}
	})

	t.Run("unaligned length fails", func(t *testing.T) {
		if status, _ := d.do(t, 0, 0, 100, false); status != 1 {
			t.Errorf("status %d", status)
		}
	})

	t.Run("unknown request is unsupported", func(t *testing.T) {
		if status, _ := d.do(t, 99, 0, 0, false); status != 2 {
			t.Errorf("status %d", status)
		}
	})
}

func TestReadOnly(t *testing.T) {
	d := newDisk(t, true)

	if d.dev.HostFeatures()&block.FRO == 0 {
		t.Error("read-only disk doesn't offer RO")
	}

	if status, _ := d.do(t, 1, 0, 512, true); status != 1 {
		t.Errorf("write status %d", status)
	}
}

func TestConfig(t *testing.T) {
	d := newDisk(t, false)

	p := make([]byte, 24)
	if err := d.dev.ReadConfig(p, 0); err != nil {
		t.Fatal(err)
	}

	got := []uint64{le.Uint64(p), uint64(le.Uint32(p[12:])), uint64(le.Uint32(p[20:]))}
	if diff := cmp.Diff([]uint64{16, block.SegMax, 512}, got); diff != "" {
		t.Errorf("capacity, seg_max, blk_size (-want +got):\n%s", diff)
	}

	t.Run("writeback is writable", func(t *testing.T) {
		if err := d.dev.WriteConfig([]byte{1}, 32); err != nil {
			t.Fatal(err)
		}

		b := make([]byte, 1)
		d.dev.ReadConfig(b, 32)

		if b[0] != 1 {
			t.Errorf("writeback = %d", b[0])
		}
	})

	t.Run("reads past the end are zero", func(t *testing.T) {
		b := []byte{0xff, 0xff}
		d.dev.ReadConfig(b, 64)

		if !bytes.Equal(b, []byte{0, 0}) {
			t.Errorf("got %x", b)
		}
	})
}

func TestDetach(t *testing.T) {
	d := newDisk(t, false)
	e := d.dev.Emulator().(*block.Emulator)

	if !e.Detach(d.rq) {
		t.Fatal("detach of the served queue failed")
	}

	if status, _ := d.do(t, 0, 0, 512, false); status != 1 {
		t.Errorf("read without a queue: status %d", status)
	}

	p := make([]byte, 8)
	d.dev.ReadConfig(p, 0)

	if got := le.Uint64(p); got != 0 {
		t.Errorf("capacity without a queue = %d", got)
	}

	if !e.Attach(d.rq) || e.Attach(d.rq) {
		t.Error("attach should take the queue once")
	}

	if status, _ := d.do(t, 0, 0, 512, false); status != 0 {
		t.Errorf("read after attach: status %d", status)
	}
}
