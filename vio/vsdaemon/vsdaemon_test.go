package vsdaemon_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/c35s/hvcore/vio"
	"github.com/c35s/hvcore/vio/vsdaemon"
	"golang.org/x/sys/unix"
)

// echo sends every byte it gets straight back out.
type echo struct{}

func (echo) CanSend(*vio.Serial) bool { return true }
func (echo) Send(s *vio.Serial, b byte) { s.Receive([]byte{b}) }

func listen(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	return ln
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}

	return string(buf)
}

func TestDaemon(t *testing.T) {
	var hub vio.Hub

	ser, err := hub.CreateSerial("guest0/uart0", echo{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	m, err := vsdaemon.NewManager(context.Background(), &hub, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	// output from before the daemon exists is kept by the port
	ser.Receive([]byte("boot:"))

	d, err := m.Create(vsdaemon.Config{
		Name:     "con0",
		Serial:   "guest0/uart0",
		Listener: listen(t),
	})

	if err != nil {
		t.Fatal(err)
	}

	c, err := net.Dial("tcp", d.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	defer c.Close()

	t.Run("buffered output is delivered", func(t *testing.T) {
		if got := readN(t, c, 5); got != "boot:" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("input reaches the port", func(t *testing.T) {
		if _, err := c.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}

		if got := readN(t, c, 4); got != "ping" {
			t.Errorf("echo = %q", got)
		}
	})

	t.Run("clashes", func(t *testing.T) {
		_, err := m.Create(vsdaemon.Config{Name: "con0", Serial: "guest0/uart0", Listener: listen(t)})
		if !errors.Is(err, unix.EEXIST) {
			t.Errorf("same name: %v", err)
		}

		_, err = m.Create(vsdaemon.Config{Name: "con1", Serial: "nope", Listener: listen(t)})
		if !errors.Is(err, unix.ENOENT) {
			t.Errorf("unknown serial: %v", err)
		}

		_, err = m.Create(vsdaemon.Config{Name: "con2", Serial: "guest0/uart0", Transport: vsdaemon.TCP, Port: 23})
		if !errors.Is(err, unix.EINVAL) {
			t.Errorf("well-known port: %v", err)
		}
	})

	t.Run("daemon goes away with its port", func(t *testing.T) {
		if err := hub.DestroySerial(ser); err != nil {
			t.Fatal(err)
		}

		if n := m.Count(); n != 0 {
			t.Errorf("%d daemons left", n)
		}

		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Error("connection still open")
		}
	})
}

func TestDestroy(t *testing.T) {
	var hub vio.Hub

	if _, err := hub.CreateSerial("uart", echo{}, 0); err != nil {
		t.Fatal(err)
	}

	m, err := vsdaemon.NewManager(context.Background(), &hub, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Create(vsdaemon.Config{Name: "d", Serial: "uart", Listener: listen(t)}); err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy("d"); err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy("d"); !errors.Is(err, unix.ENOENT) {
		t.Errorf("second destroy: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Error(err)
	}
}
