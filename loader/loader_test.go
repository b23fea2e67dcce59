package loader_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/c35s/hvcore/loader"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

type file struct {
	name string
	mode cpio.FileMode
	data string
}

func archive(t *testing.T, compress bool, files ...file) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	zw := gzip.NewWriter(buf)

	var cw *cpio.Writer
	if compress {
		cw = cpio.NewWriter(zw)
	} else {
		cw = cpio.NewWriter(buf)
	}

	for _, f := range files {
		err := cw.WriteHeader(&cpio.Header{
			Name: f.name,
			Mode: f.mode,
			Size: int64(len(f.data)),
		})

		if err != nil {
			t.Fatal(err)
		}

		if _, err := cw.Write([]byte(f.data)); err != nil {
			t.Fatal(err)
		}
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	if compress {
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}

	return buf.Bytes()
}

var images = []file{
	{name: "boot", mode: cpio.TypeDir | 0755},
	{name: "boot/fw.bin", mode: cpio.TypeReg | 0644, data: "\x7fFW"},
	{name: "./kernel", mode: cpio.TypeReg | 0644, data: "kernel image"},
	{name: "vmlinuz", mode: cpio.TypeSymlink | 0777, data: "kernel"},
}

func TestLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "gzip"
		}

		t.Run(name, func(t *testing.T) {
			b, err := loader.Load(bytes.NewReader(archive(t, compress, images...)), 0)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff([]string{"boot/fw.bin", "kernel"}, b.Names()); diff != "" {
				t.Errorf("names (-want +got):\n%s", diff)
			}

			img, err := b.Image("/boot/fw.bin")
			if err != nil || string(img) != "\x7fFW" {
				t.Errorf("fw = %q, %v", img, err)
			}

			if n := b.Size(); n != 15 {
				t.Errorf("size = %d", n)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	t.Run("missing image", func(t *testing.T) {
		if _, err := loader.New().Image("nope"); !errors.Is(err, unix.ENOENT) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("image over the limit", func(t *testing.T) {
		ar := archive(t, true, file{name: "big", mode: cpio.TypeReg | 0644, data: "0123456789"})
		if _, err := loader.Load(bytes.NewReader(ar), 8); !errors.Is(err, unix.EFBIG) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		ar := archive(t, false,
			file{name: "a", mode: cpio.TypeReg | 0644, data: "1"},
			file{name: "./a", mode: cpio.TypeReg | 0644, data: "2"})

		if _, err := loader.Load(bytes.NewReader(ar), 0); !errors.Is(err, unix.EEXIST) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("not an archive", func(t *testing.T) {
		if _, err := loader.Load(bytes.NewReader([]byte("garbage that is not cpio")), 0); err == nil {
			t.Error("loaded garbage")
		}
	})
}

func TestOpen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "images.cpio.gz")
	if err := os.WriteFile(p, archive(t, true, images...), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := loader.Open(p, 0)
	if err != nil {
		t.Fatal(err)
	}

	if img, err := b.Image("kernel"); err != nil || string(img) != "kernel image" {
		t.Errorf("kernel = %q, %v", img, err)
	}
}
