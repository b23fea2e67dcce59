package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c35s/hvcore/shell"
	"github.com/c35s/hvcore/vio"
	"github.com/c35s/hvcore/vmm"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	prompt = "hvcore# "

	// detach is Ctrl-].
	detach = 0x1d
)

// serveShell runs shell commands read from in until EOF, "exit" or ctx is
// done. A terminal gets line editing and a prompt.
func serveShell(ctx context.Context, sh *shell.Shell, in *os.File, out io.Writer) error {
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		sc := bufio.NewScanner(in)
		for sc.Scan() && ctx.Err() == nil {
			if strings.TrimSpace(sc.Text()) == "exit" {
				return nil
			}

			sh.ExecLine(ctx, out, sc.Text())
		}

		return sc.Err()
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}

	defer term.Restore(fd, old)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt)

	for ctx.Err() == nil {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if strings.TrimSpace(line) == "exit" {
			return nil
		}

		if code := sh.ExecLine(ctx, t, line); code != 0 {
			fmt.Fprintf(t, "(exit %d)\n", code)
		}
	}

	return nil
}

// writer is a serial receiver that copies the port's output to w.
type writer struct{ w io.Writer }

func (o *writer) Receive(_ *vio.Serial, b byte) { o.w.Write([]byte{b}) }

// attachConsole connects the terminal to a serial port until Ctrl-], EOF on
// in, or ctx is done.
func attachConsole(ctx context.Context, m *vmm.VMM, name string, in *os.File, out io.Writer) error {
	ser, ok := m.Hub().Serials.Find(name)
	if !ok {
		return fmt.Errorf("hvcore: no serial port %s: %w", name, unix.ENOENT)
	}

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}

		defer term.Restore(fd, old)
	}

	rx := &writer{out}
	if err := ser.AddReceiver(rx); err != nil {
		return err
	}

	defer ser.RemoveReceiver(rx)

	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := in.Read(buf)
		if n > 0 {
			if i := bytes.IndexByte(buf[:n], detach); i >= 0 {
				ser.Send(buf[:i])
				return nil
			}

			ser.Send(buf[:n])
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}

	return nil
}
