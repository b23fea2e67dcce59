package shell_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/c35s/hvcore/arch/sim"
	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/guest"
	"github.com/c35s/hvcore/loader"
	"github.com/c35s/hvcore/shell"
	"github.com/c35s/hvcore/vmm"
	"golang.org/x/sys/unix"
)

const treeTOML = `
[guests.guest0.vcpus.vcpu0]
start_pc = 0

[guests.guest0.aspace.mem]
manifest_type = "real"
device_type = "alloced_ram"
guest_physical_addr = 0
physical_size = "64K"
image = "spin"

[guests.guest0.aspace.gic]
manifest_type = "virtual"
compatible = "arm,gic-400"
guest_physical_addr = 0x0800_0000
physical_size = "8K"

[guests.guest0.aspace.uart0]
manifest_type = "virtual"
compatible = "primecell,arm,pl011"
guest_physical_addr = 0x0900_0000
physical_size = "4K"
interrupts = 33
`

var spin = sim.Program(sim.Halt())

func newShell(t *testing.T) (*shell.Shell, *vmm.VMM) {
	t.Helper()

	tree, err := devtree.LoadTOML(strings.NewReader(treeTOML))
	if err != nil {
		t.Fatal(err)
	}

	images := loader.New()
	if err := images.Add("spin", spin); err != nil {
		t.Fatal(err)
	}

	m, err := vmm.New(vmm.Config{
		RAMSize:     "16MiB",
		HeapSize:    "1MiB",
		DMAHeapSize: "256KiB",
		Tree:        tree,
		Images:      images,
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})

	return shell.New(m, "test"), m
}

// exec runs line and checks its exit code.
func exec(t *testing.T, sh *shell.Shell, line string, want unix.Errno) string {
	t.Helper()

	var out bytes.Buffer
	if code := sh.ExecLine(context.Background(), &out, line); code != int(want) {
		t.Fatalf("%q exited %d, want %d:\n%s", line, code, want, out.String())
	}

	return out.String()
}

func TestGuest(t *testing.T) {
	sh, m := newShell(t)

	if out := exec(t, sh, "guest create guest0", 0); !strings.Contains(out, "Created guest0 successfully") {
		t.Errorf("create printed %q", out)
	}

	g, ok := m.Guests().FindGuest("guest0")
	if !ok {
		t.Fatal("guest0 wasn't created")
	}

	t.Run("create twice", func(t *testing.T) {
		exec(t, sh, "guest create guest0", unix.EEXIST)
	})

	t.Run("create without a node", func(t *testing.T) {
		exec(t, sh, "guest create guest9", unix.ENOENT)
	})

	t.Run("list shows the guest", func(t *testing.T) {
		out := exec(t, sh, "guest list", 0)
		if !strings.Contains(out, "guest0") || !strings.Contains(out, "created") || !strings.Contains(out, "/guests/guest0") {
			t.Errorf("list printed:\n%s", out)
		}
	})

	t.Run("pause a created guest", func(t *testing.T) {
		exec(t, sh, "guest pause guest0", unix.EINVAL)
	})

	t.Run("dumpmem shows the loaded image", func(t *testing.T) {
		out := exec(t, sh, "guest dumpmem guest0 0 4", 0)
		want := fmt.Sprintf("0x%08x: %02x %02x %02x %02x\n", 0, spin[0], spin[1], spin[2], spin[3])
		if out != want {
			t.Errorf("dumpmem printed %q, want %q", out, want)
		}
	})

	t.Run("start and stop", func(t *testing.T) {
		if out := exec(t, sh, "guest start guest0", 0); out != "guest0: Started\n" {
			t.Errorf("start printed %q", out)
		}

		if s := g.State(); s != guest.Running {
			t.Errorf("started guest is %v", s)
		}

		exec(t, sh, "guest pause guest0", 0)
		exec(t, sh, "guest resume guest0", 0)
		exec(t, sh, "guest stop guest0", 0)

		if s := g.State(); s != guest.Created {
			t.Errorf("stopped guest is %v", s)
		}
	})

	t.Run("dumpreg", func(t *testing.T) {
		if out := exec(t, sh, "guest dumpreg guest0", 0); out == "" {
			t.Error("no registers")
		}
	})

	t.Run("unknown guest", func(t *testing.T) {
		exec(t, sh, "guest kick nope", unix.ENOENT)
	})

	t.Run("destroy", func(t *testing.T) {
		exec(t, sh, "guest destroy guest0", 0)
		if _, ok := m.Guests().FindGuest("guest0"); ok {
			t.Error("guest0 still exists")
		}
	})
}

const scratch = vmm.DefaultRAMBase + 0xf0_0000

func TestMemory(t *testing.T) {
	sh, _ := newShell(t)

	exec(t, sh, fmt.Sprintf("memory modify32 %#x 0xdeadbeef 1", scratch), 0)

	t.Run("dump32", func(t *testing.T) {
		out := exec(t, sh, fmt.Sprintf("memory dump32 %#x 2", scratch), 0)
		if want := fmt.Sprintf("0x%08x: deadbeef 00000001\n", scratch); out != want {
			t.Errorf("got %q, want %q", out, want)
		}
	})

	t.Run("dump8 is little endian", func(t *testing.T) {
		out := exec(t, sh, fmt.Sprintf("memory dump8 %#x 5", scratch), 0)
		if want := fmt.Sprintf("0x%08x: ef be ad de 01\n", scratch); out != want {
			t.Errorf("got %q, want %q", out, want)
		}
	})

	t.Run("dump16 wraps rows", func(t *testing.T) {
		out := exec(t, sh, fmt.Sprintf("memory dump16 %#x 9", scratch), 0)
		if n := strings.Count(out, "\n"); n != 2 {
			t.Errorf("%d rows:\n%s", n, out)
		}
	})

	t.Run("copy", func(t *testing.T) {
		out := exec(t, sh, fmt.Sprintf("memory copy %#x %#x 8", scratch+0x100, scratch), 0)
		if out != "Copied 8 (0x8) bytes.\n" {
			t.Errorf("copy printed %q", out)
		}

		out = exec(t, sh, fmt.Sprintf("memory dump32 %#x 2", scratch+0x100), 0)
		if !strings.HasSuffix(out, ": deadbeef 00000001\n") {
			t.Errorf("copied %q", out)
		}
	})

	t.Run("crc32", func(t *testing.T) {
		if out := exec(t, sh, fmt.Sprintf("memory crc32 %#x 8", scratch), 0); !strings.Contains(out, "CRC32") {
			t.Errorf("crc32 printed %q", out)
		}
	})

	t.Run("outside RAM", func(t *testing.T) {
		exec(t, sh, "memory dump8 0x1000 4", unix.EFAULT)
	})

	t.Run("unaligned", func(t *testing.T) {
		exec(t, sh, fmt.Sprintf("memory dump32 %#x 1", scratch+1), unix.EINVAL)
	})

	t.Run("value too wide", func(t *testing.T) {
		exec(t, sh, fmt.Sprintf("memory modify8 %#x 0x100", scratch), unix.EINVAL)
	})
}

func TestHost(t *testing.T) {
	sh, m := newShell(t)

	t.Run("info", func(t *testing.T) {
		out := exec(t, sh, "host info", 0)
		for _, want := range []string{"Host Name           : test", "Total RAM           : 16MiB"} {
			if !strings.Contains(out, want) {
				t.Errorf("info lacks %q:\n%s", want, out)
			}
		}
	})

	t.Run("ram stats", func(t *testing.T) {
		out := exec(t, sh, "host ram stats", 0)
		want := fmt.Sprintf("Total Frames        : %d", m.Frames().TotalFrames())
		if !strings.Contains(out, want) {
			t.Errorf("stats lack %q:\n%s", want, out)
		}
	})

	t.Run("ram bitmap marks the kernel", func(t *testing.T) {
		lines := strings.Split(exec(t, sh, "host ram bitmap 32", 0), "\n")
		want := fmt.Sprintf("0x%08x: %s", vmm.DefaultRAMBase, strings.Repeat("1", 32))
		if len(lines) < 3 || lines[2] != want {
			t.Errorf("bitmap starts %q", lines[:min(3, len(lines))])
		}
	})

	for _, line := range []string{"host cpu info", "host irq stats", "host vapool stats", "host vapool bitmap"} {
		t.Run(line, func(t *testing.T) {
			if out := exec(t, sh, line, 0); out == "" {
				t.Error("no output")
			}
		})
	}
}

func TestWallclock(t *testing.T) {
	sh, _ := newShell(t)

	exec(t, sh, "wallclock set_timezone +05:30", 0)
	if out := exec(t, sh, "wallclock get_timezone", 0); out != "UTC+05:30 dst 0\n" {
		t.Errorf("timezone %q", out)
	}

	exec(t, sh, "wallclock set_time 12:00:00 15 Oct 2026", 0)
	if out := exec(t, sh, "wallclock get_time", 0); !strings.HasPrefix(out, "Thu Oct 15 12:00:0") {
		t.Errorf("time %q", out)
	}

	t.Run("explicit offset", func(t *testing.T) {
		exec(t, sh, "wallclock set_time 06:30:00 15 10 2026 +00:00", 0)
		if out := exec(t, sh, "wallclock get_time", 0); !strings.HasPrefix(out, "Thu Oct 15 12:00:0") {
			t.Errorf("time %q", out)
		}
	})

	t.Run("bad input", func(t *testing.T) {
		exec(t, sh, "wallclock set_timezone 5", unix.EINVAL)
		exec(t, sh, "wallclock set_time noon 15 Oct 2026", unix.EINVAL)
	})
}

func TestVCPU(t *testing.T) {
	sh, m := newShell(t)
	exec(t, sh, "guest create guest0", 0)

	vcpus := m.Guests().VCPUs()
	if len(vcpus) != 1 {
		t.Fatalf("%d vcpus", len(vcpus))
	}

	id := vcpus[0].ID()

	if out := exec(t, sh, "vcpu normal_list", 0); !strings.Contains(out, "guest0") {
		t.Errorf("normal_list printed:\n%s", out)
	}

	if out := exec(t, sh, "vcpu orphan_list", 0); strings.Contains(out, "guest0") {
		t.Errorf("orphan_list printed:\n%s", out)
	}

	if out := exec(t, sh, fmt.Sprintf("vcpu dumpstat %d", id), 0); !strings.Contains(out, "Exits hvc") {
		t.Errorf("dumpstat printed:\n%s", out)
	}

	exec(t, sh, fmt.Sprintf("vcpu kick %d", id), 0)
	exec(t, sh, fmt.Sprintf("vcpu halt %d", id), 0)

	t.Run("bad ids", func(t *testing.T) {
		exec(t, sh, "vcpu reset one", unix.EINVAL)
		exec(t, sh, "vcpu reset 999", unix.ENOENT)
	})
}

func TestVserial(t *testing.T) {
	sh, m := newShell(t)
	exec(t, sh, "guest create guest0", 0)

	ser, ok := m.Hub().Serials.Find("guest0/uart0")
	if !ok {
		t.Fatal("no uart port")
	}

	ser.Receive([]byte("booting\n"))

	if out := exec(t, sh, "vserial list", 0); !strings.Contains(out, "guest0/uart0") || !strings.Contains(out, "8") {
		t.Errorf("list printed:\n%s", out)
	}

	if out := exec(t, sh, "vserial dump guest0/uart0 4", 0); out != "boot" {
		t.Errorf("dump printed %q", out)
	}

	if n := ser.Buffered(); n != 0 {
		t.Errorf("%d bytes still buffered", n)
	}

	exec(t, sh, "vserial dump nope", unix.ENOENT)
}

func TestDevtree(t *testing.T) {
	sh, _ := newShell(t)

	if out := exec(t, sh, "devtree node show /guests", 0); out != "guest0\n" {
		t.Errorf("show printed %q", out)
	}

	if out := exec(t, sh, "devtree attr get /guests/guest0/aspace/mem image", 0); out != "\"spin\"\n" {
		t.Errorf("get printed %q", out)
	}

	t.Run("set an array", func(t *testing.T) {
		exec(t, sh, "devtree attr set /guests/guest0 lines uint32 1 2", 0)
		if out := exec(t, sh, "devtree attr get /guests/guest0 lines", 0); out != "[0x1 0x2]\n" {
			t.Errorf("get printed %q", out)
		}

		exec(t, sh, "devtree attr del /guests/guest0 lines", 0)
		exec(t, sh, "devtree attr get /guests/guest0 lines", unix.ENOENT)
	})

	t.Run("add and delete a node", func(t *testing.T) {
		exec(t, sh, "devtree node add / host", 0)
		exec(t, sh, "devtree node add / host", unix.EEXIST)
		exec(t, sh, "devtree node del /host", 0)
		exec(t, sh, "devtree node show /host", unix.ENOENT)
	})

	t.Run("dump", func(t *testing.T) {
		if out := exec(t, sh, "devtree node dump /guests/guest0/vcpus", 0); !strings.Contains(out, "start_pc") {
			t.Errorf("dump printed:\n%s", out)
		}
	})

	t.Run("bad input", func(t *testing.T) {
		exec(t, sh, "devtree node del /", unix.EINVAL)
		exec(t, sh, "devtree attr set / x float 1", unix.EINVAL)
		exec(t, sh, "devtree attr set / x bool maybe", unix.EINVAL)
	})
}

func TestUsage(t *testing.T) {
	sh, _ := newShell(t)

	tests := []struct {
		line string
		want unix.Errno
	}{
		{"", 0},
		{"nope", unix.EINVAL},
		{"guest create", unix.EINVAL},
		{"memory dump8 0x80000000", unix.EINVAL},
		{"host ram bitmap 1 2", unix.EINVAL},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.line), func(t *testing.T) {
			exec(t, sh, tt.line, tt.want)
		})
	}
}
