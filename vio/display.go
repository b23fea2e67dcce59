package vio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PixelFormat describes how a pixel is packed.
type PixelFormat struct {
	BitsPerPixel  int
	BytesPerPixel int
	Depth         int

	RMask, GMask, BMask, AMask     uint32
	RShift, GShift, BShift, AShift uint8
	RMax, GMax, BMax, AMax         uint32
	RBits, GBits, BBits, ABits     uint8
}

// DefaultPixelFormat returns the host-endian RGB format for bpp. Unknown
// depths only carry sizes.
func DefaultPixelFormat(bpp int) PixelFormat {
	pf := PixelFormat{
		BitsPerPixel:  bpp,
		BytesPerPixel: (bpp + 7) / 8,
		Depth:         bpp,
	}

	if bpp == 32 {
		pf.Depth = 24
	}

	switch bpp {
	case 15:
		pf.BitsPerPixel = 16
		pf.RMask, pf.GMask, pf.BMask = 0x7c00, 0x03e0, 0x001f
		pf.RShift, pf.GShift, pf.BShift = 10, 5, 0
		pf.RBits, pf.GBits, pf.BBits = 5, 5, 5
	case 16:
		pf.RMask, pf.GMask, pf.BMask = 0xf800, 0x07e0, 0x001f
		pf.RShift, pf.GShift, pf.BShift = 11, 5, 0
		pf.RBits, pf.GBits, pf.BBits = 5, 6, 5
	case 24, 32:
		pf.RMask, pf.GMask, pf.BMask = 0xff0000, 0x00ff00, 0x0000ff
		pf.RShift, pf.GShift, pf.BShift = 16, 8, 0
		pf.RBits, pf.GBits, pf.BBits = 8, 8, 8
	default:
		return pf
	}

	pf.RMax = 1<<pf.RBits - 1
	pf.GMax = 1<<pf.GBits - 1
	pf.BMax = 1<<pf.BBits - 1
	return pf
}

// SwappedPixelFormat returns the byte-swapped variant of the 24 and 32 bit
// formats.
func SwappedPixelFormat(bpp int) PixelFormat {
	pf := PixelFormat{
		BitsPerPixel:  bpp,
		BytesPerPixel: (bpp + 7) / 8,
		Depth:         bpp,
	}

	switch bpp {
	case 24:
		pf.RMask, pf.GMask, pf.BMask = 0x0000ff, 0x00ff00, 0xff0000
		pf.RShift, pf.GShift, pf.BShift = 0, 8, 16
		pf.RBits, pf.GBits, pf.BBits = 8, 8, 8
		pf.RMax, pf.GMax, pf.BMax = 255, 255, 255
	case 32:
		pf.Depth = 24
		pf.RMask, pf.GMask, pf.BMask = 0x0000ff00, 0x00ff0000, 0xff000000
		pf.RShift, pf.GShift, pf.BShift = 8, 16, 24
		pf.RBits, pf.GBits, pf.BBits, pf.ABits = 8, 8, 8, 8
		pf.RMax, pf.GMax, pf.BMax, pf.AMax = 255, 255, 255, 255
	}

	return pf
}

// SurfaceOps renders a surface. Embed NopSurfaceOps to implement a subset.
type SurfaceOps interface {
	Refresh(s *Surface)
	GfxClear(s *Surface)
	GfxUpdate(s *Surface, x, y, w, h int)
	GfxResize(s *Surface, w, h int)
	GfxCopy(s *Surface, srcX, srcY, dstX, dstY, w, h int)
	TextClear(s *Surface)
	TextCursor(s *Surface, x, y int)
	TextResize(s *Surface, w, h int)
	TextUpdate(s *Surface, x, y, w, h int)
}

// NopSurfaceOps ignores every operation. GfxCopy falls back to GfxUpdate of
// the destination only through Display.GfxCopy.
type NopSurfaceOps struct{}

func (NopSurfaceOps) Refresh(*Surface) {}
func (NopSurfaceOps) GfxClear(*Surface) {}
func (NopSurfaceOps) GfxUpdate(*Surface, int, int, int, int) {}
func (NopSurfaceOps) GfxResize(*Surface, int, int) {}
func (NopSurfaceOps) GfxCopy(*Surface, int, int, int, int, int, int) {}
func (NopSurfaceOps) TextClear(*Surface) {}
func (NopSurfaceOps) TextCursor(*Surface, int, int) {}
func (NopSurfaceOps) TextResize(*Surface, int, int) {}
func (NopSurfaceOps) TextUpdate(*Surface, int, int, int, int) {}

// Surface is a pixel buffer shown by a host frontend.
type Surface struct {
	name   string
	data   []byte
	width  int
	height int
	pf     PixelFormat
	ops    SurfaceOps
}

// NewSurface wraps data as a width x height surface.
func NewSurface(name string, data []byte, width, height int, pf PixelFormat, ops SurfaceOps) (*Surface, error) {
	switch {
	case name == "" || len(name) >= MaxNameLen:
		return nil, fmt.Errorf("vio: surface name %q: %w", name, unix.EINVAL)
	case width <= 0 || height <= 0:
		return nil, fmt.Errorf("vio: surface %s: %dx%d: %w", name, width, height, unix.EINVAL)
	case len(data) < width*height*pf.BytesPerPixel:
		return nil, fmt.Errorf("vio: surface %s: %d bytes can't hold %dx%d: %w", name, len(data), width, height, unix.EINVAL)
	case ops == nil:
		ops = NopSurfaceOps{}
	}

	return &Surface{
		name:   name,
		data:   data,
		width:  width,
		height: height,
		pf:     pf,
		ops:    ops,
	}, nil
}

func (s *Surface) Name() string { return s.name }
func (s *Surface) Data() []byte { return s.data }
func (s *Surface) Width() int { return s.width }
func (s *Surface) Height() int { return s.height }
func (s *Surface) PixelFormat() PixelFormat { return s.pf }
func (s *Surface) Stride() int { return s.width * s.pf.BytesPerPixel }

// MemoryReader reads guest physical memory.
type MemoryReader interface {
	ReadMemory(gpa uint64, p []byte) error
}

// DrawFunc converts width source pixels in src to the surface at byte
// offset dst, stepping dstStep bytes per pixel.
type DrawFunc func(s *Surface, dst int, src []byte, width, dstStep int)

const updateChunk = 256

// Update copies a guest framebuffer of rows x srcWidth bytes at gpa into the
// surface starting at firstRow and returns the row after the last one
// drawn. Negative pitches flip the destination. Chunks that can't be read
// are skipped.
func (s *Surface) Update(mem MemoryReader, gpa uint64, cols, rows, srcWidth, dstRowPitch, dstColPitch int, fn DrawFunc, firstRow int) int {
	if rows <= 0 || cols <= 0 || srcWidth <= 0 || dstRowPitch == 0 {
		return firstRow
	}

	rows = min(rows, s.height)
	cols = min(cols, s.width)

	if firstRow < 0 || firstRow >= rows {
		return firstRow
	}

	dst := 0
	if dstColPitch < 0 {
		dst -= dstColPitch * (cols - 1)
	}

	if dstRowPitch < 0 {
		dst -= dstRowPitch * (rows - 1)
	}

	dst += firstRow * dstRowPitch
	gpa += uint64(firstRow * srcWidth)

	var chunk [updateChunk]byte

	row := firstRow
	for ; row < rows; row++ {
		for j := 0; j < srcWidth; {
			n := min(srcWidth-j, updateChunk)
			chunkCols := n * cols / srcWidth
			n = max(chunkCols*srcWidth/cols, 1)
			pitch := n * dstRowPitch / srcWidth

			if err := mem.ReadMemory(gpa, chunk[:n]); err == nil {
				fn(s, dst, chunk[:n], chunkCols, dstColPitch)
			}

			j += n
			gpa += uint64(n)
			dst += pitch
		}
	}

	return row
}

// DisplayOps is implemented by the emulator behind a display.
type DisplayOps interface {
	Invalidate(d *Display)
	GfxUpdate(d *Display, s *Surface)
	TextUpdate(d *Display, chars []uint64)
}

// PixelDataSource is implemented by displays that expose their guest
// framebuffer directly.
type PixelDataSource interface {
	PixelData(d *Display) (pf PixelFormat, rows, cols uint32, gpa uint64, err error)
}

// Display is a virtual display device. Host frontends attach surfaces to
// it and the emulator draws into them.
type Display struct {
	name string
	ops  DisplayOps

	mu       sync.Mutex
	surfaces []*Surface
}

// CreateDisplay registers a display driven by ops.
func (h *Hub) CreateDisplay(name string, ops DisplayOps) (*Display, error) {
	if ops == nil {
		return nil, fmt.Errorf("vio: display %s: no ops: %w", name, unix.EINVAL)
	}

	d := &Display{name: name, ops: ops}
	if err := h.Displays.add("display", d); err != nil {
		return nil, err
	}

	return d, nil
}

// DestroyDisplay unregisters d and drops its surfaces.
func (h *Hub) DestroyDisplay(d *Display) error {
	if _, err := h.Displays.remove("display", d.name); err != nil {
		return err
	}

	d.mu.Lock()
	d.surfaces = nil
	d.mu.Unlock()

	return nil
}

func (d *Display) Name() string { return d.name }

// AddSurface attaches s. Surface names are unique per display.
func (d *Display) AddSurface(s *Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, o := range d.surfaces {
		if o.name == s.name {
			return fmt.Errorf("vio: display %s: surface %s: %w", d.name, s.name, unix.EEXIST)
		}
	}

	d.surfaces = append(d.surfaces, s)
	return nil
}

// DelSurface detaches the surface named like s.
func (d *Display) DelSurface(s *Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, o := range d.surfaces {
		if o.name == s.name {
			d.surfaces = append(d.surfaces[:i:i], d.surfaces[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("vio: display %s: surface %s: %w", d.name, s.name, unix.ENOENT)
}

// Surfaces returns the attached surfaces.
func (d *Display) Surfaces() []*Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Surface(nil), d.surfaces...)
}

func (d *Display) each(fn func(s *Surface)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.surfaces {
		fn(s)
	}
}

// PixelData returns the guest framebuffer layout, if the emulator has one.
func (d *Display) PixelData() (PixelFormat, uint32, uint32, uint64, error) {
	if src, ok := d.ops.(PixelDataSource); ok {
		return src.PixelData(d)
	}

	return PixelFormat{}, 0, 0, 0, fmt.Errorf("vio: display %s: no pixel data: %w", d.name, unix.ENOTSUP)
}

// Update asks the emulator to redraw every surface.
func (d *Display) Update() {
	d.each(func(s *Surface) { d.ops.GfxUpdate(d, s) })
}

// UpdateOne asks the emulator to redraw s.
func (d *Display) UpdateOne(s *Surface) { d.ops.GfxUpdate(d, s) }

func (d *Display) Invalidate() { d.ops.Invalidate(d) }
func (d *Display) TextUpdate(chars []uint64) { d.ops.TextUpdate(d, chars) }

// The methods below fan an emulator event out to every surface.

func (d *Display) Refresh() { d.each(func(s *Surface) { s.ops.Refresh(s) }) }
func (d *Display) GfxClear() { d.each(func(s *Surface) { s.ops.GfxClear(s) }) }

func (d *Display) GfxUpdate(x, y, w, h int) {
	d.each(func(s *Surface) { s.ops.GfxUpdate(s, x, y, w, h) })
}

func (d *Display) GfxResize(w, h int) {
	d.each(func(s *Surface) { s.ops.GfxResize(s, w, h) })
}

// GfxCopy moves a rectangle within every surface, clipped to its bounds.
func (d *Display) GfxCopy(srcX, srcY, dstX, dstY, w, h int) {
	d.each(func(s *Surface) {
		sx, sy := clamp(srcX, 0, s.width), clamp(srcY, 0, s.height)
		dx, dy := clamp(dstX, 0, s.width), clamp(dstY, 0, s.height)

		cw := min(w, s.width-sx, s.width-dx)
		ch := min(h, s.height-sy, s.height-dy)

		s.ops.GfxCopy(s, sx, sy, dx, dy, cw, ch)
	})
}

func (d *Display) TextClear() { d.each(func(s *Surface) { s.ops.TextClear(s) }) }

func (d *Display) TextCursor(x, y int) {
	d.each(func(s *Surface) { s.ops.TextCursor(s, x, y) })
}

func (d *Display) TextResize(w, h int) {
	d.each(func(s *Surface) { s.ops.TextResize(s, w, h) })
}

func (d *Display) SurfaceTextUpdate(x, y, w, h int) {
	d.each(func(s *Surface) { s.ops.TextUpdate(s, x, y, w, h) })
}

func clamp(v, lo, hi int) int { return max(lo, min(v, hi)) }
