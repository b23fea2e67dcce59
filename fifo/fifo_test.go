package fifo_test

import (
	"testing"

	"github.com/c35s/hvcore/fifo"
)

func TestFIFO(t *testing.T) {
	f := fifo.New[byte](3)

	for _, b := range []byte("abc") {
		if !f.Enqueue(b, false) {
			t.Fatalf("enqueue %c failed", b)
		}
	}

	t.Run("a full fifo rejects without overwrite", func(t *testing.T) {
		if f.Enqueue('d', false) {
			t.Error("enqueue succeeded")
		}
	})

	t.Run("overwrite drops the oldest", func(t *testing.T) {
		if !f.Enqueue('d', true) {
			t.Fatal("enqueue failed")
		}

		p := make([]byte, 4)
		n := f.Drain(p)
		if string(p[:n]) != "bcd" {
			t.Errorf("drained %q", p[:n])
		}
	})

	if _, ok := f.Dequeue(); ok || !f.IsEmpty() {
		t.Error("fifo not empty")
	}
}
