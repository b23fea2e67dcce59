package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/c35s/hvcore/shell"
	"github.com/c35s/hvcore/vmm"
)

func TestServeShell(t *testing.T) {
	m, err := vmm.New(vmm.Config{RAMSize: "16MiB", HeapSize: "1MiB", DMAHeapSize: "256KiB"})
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()

	go func() {
		w.WriteString("host info\nguest kick nope\nexit\nhost info\n")
		w.Close()
	}()

	var out bytes.Buffer
	if err := serveShell(context.Background(), shell.New(m, "pipe"), r, &out); err != nil {
		t.Fatal(err)
	}

	if n := strings.Count(out.String(), "Host Name"); n != 1 {
		t.Errorf("ran host info %d times:\n%s", n, out.String())
	}

	if !strings.Contains(out.String(), "failed to find guest nope") {
		t.Errorf("no error for the missing guest:\n%s", out.String())
	}
}

func TestDefaults(t *testing.T) {
	tree, err := loadTree()
	if err != nil || tree == nil {
		t.Fatalf("tree = %v, %v", tree, err)
	}

	images, err := loadImages()
	if err != nil || len(images.Names()) != 0 {
		t.Fatalf("images = %v, %v", images, err)
	}

	cfg, err := loadConfig()
	if err != nil || cfg.NumCPU != 0 {
		t.Fatalf("config = %+v, %v", cfg, err)
	}
}
