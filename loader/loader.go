// Package loader reads guest image bundles. A bundle is a cpio archive,
// optionally gzip compressed, whose regular files are the images named by
// the image attribute of guest memory regions.
package loader

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"sync"

	"github.com/cavaliergopher/cpio"
	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// DefaultMaxSize bounds a single image unless the caller says otherwise.
const DefaultMaxSize = 256 * units.MiB

var gzipMagic = []byte{0x1f, 0x8b}

// Bundle is a set of named images.
type Bundle struct {
	mu     sync.RWMutex
	images map[string][]byte
}

// New returns an empty bundle.
func New() *Bundle {
	return &Bundle{images: make(map[string][]byte)}
}

// Load reads a bundle from r. Images larger than maxSize bytes are
// rejected; zero means DefaultMaxSize.
func Load(r io.Reader, maxSize int64) (*Bundle, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}

		defer zr.Close()
		r = zr
	} else {
		r = br
	}

	b := New()
	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}

		// directories, links and device nodes carry no image
		if !hdr.Mode.IsRegular() {
			continue
		}

		if hdr.Size > maxSize {
			return nil, fmt.Errorf("loader: %s is %s, limit %s: %w", hdr.Name,
				units.BytesSize(float64(hdr.Size)), units.BytesSize(float64(maxSize)), unix.EFBIG)
		}

		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(cr, data); err != nil {
			return nil, fmt.Errorf("loader: %s: %w", hdr.Name, err)
		}

		name := clean(hdr.Name)
		if err := b.Add(name, data); err != nil {
			return nil, err
		}

		slog.Debug("image loaded", "name", name, "size", units.BytesSize(float64(len(data))))
	}

	return b, nil
}

// Open loads the bundle in the file at path.
func Open(path string, maxSize int64) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	defer f.Close()
	return Load(f, maxSize)
}

func clean(name string) string {
	name = path.Clean("/" + name)
	return name[1:]
}

// Add stores an image. Names are unique.
func (b *Bundle) Add(name string, data []byte) error {
	name = clean(name)
	if name == "" {
		return fmt.Errorf("loader: empty image name: %w", unix.EINVAL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.images[name]; ok {
		return fmt.Errorf("loader: image %s: %w", name, unix.EEXIST)
	}

	b.images[name] = data
	return nil
}

// Image returns the image called name. A leading slash or "./" is ignored.
func (b *Bundle) Image(name string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.images[clean(name)]
	if !ok {
		return nil, fmt.Errorf("loader: image %s: %w", name, unix.ENOENT)
	}

	return data, nil
}

// Names returns the image names in order.
func (b *Bundle) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.images))
	for name := range b.images {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

// Size returns the total size of the images.
func (b *Bundle) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int64
	for _, data := range b.images {
		n += int64(len(data))
	}

	return n
}
