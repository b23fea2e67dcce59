package block

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Storage is the backing store of a disk. It is read-only: storage types
// also implement io.WriterAt to take writes.
type Storage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only storage backed by an HTTP URL. The server must
// answer HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Disk serves a request queue from storage.
type Disk struct {
	s    Storage
	w    io.WriterAt
	size int64
}

// NewDisk returns a disk over s. The disk refuses writes if readOnly is set
// or s can't be written.
func NewDisk(s Storage, readOnly bool) (*Disk, error) {
	size, err := s.Size()
	if err != nil {
		return nil, fmt.Errorf("block: storage size: %w", err)
	}

	d := &Disk{s: s, size: size}
	if w, ok := s.(io.WriterAt); ok && !readOnly {
		d.w = w
	}

	return d, nil
}

func (d *Disk) Size() int64 { return d.size }

// ReadOnly reports whether the disk refuses writes.
func (d *Disk) ReadOnly() bool { return d.w == nil }

func (d *Disk) Read(rq *RQ, r *Request) error {
	off := int64(r.LBA) * int64(rq.BlockSize())

	n, err := d.s.ReadAt(r.Data, off)
	if err == io.EOF && n == len(r.Data) {
		err = nil
	}

	if err != nil {
		return fmt.Errorf("block: read %d bytes at %d: %w", len(r.Data), off, err)
	}

	return nil
}

func (d *Disk) Write(rq *RQ, r *Request) error {
	if d.w == nil {
		return fmt.Errorf("block: write to read-only disk: %w", unix.EROFS)
	}

	off := int64(r.LBA) * int64(rq.BlockSize())
	if _, err := d.w.WriteAt(r.Data, off); err != nil {
		return fmt.Errorf("block: write %d bytes at %d: %w", len(r.Data), off, err)
	}

	return nil
}

// Flush syncs storage that has a Sync method.
func (d *Disk) Flush(rq *RQ) error {
	if s, ok := d.s.(interface{ Sync() error }); ok && d.w != nil {
		return s.Sync()
	}

	return nil
}

func (ms *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n := copy(p, ms.Bytes[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

func (ms *MemStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(ms.Bytes)) {
		return 0, fmt.Errorf("block: write past the end of memory storage: %w", unix.ENOSPC)
	}

	return copy(ms.Bytes[off:], p), nil
}

func (fs *FileStorage) ReadAt(p []byte, off int64) (int, error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (fs *FileStorage) WriteAt(p []byte, off int64) (int, error) {
	return fs.File.WriteAt(p, off)
}

func (fs *FileStorage) Sync() error {
	return fs.File.Sync()
}

func (hs *HTTPStorage) client() *http.Client {
	if hs.Client != nil {
		return hs.Client
	}

	return http.DefaultClient
}

// ReadAt gets the range of the URL covering p.
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (int, error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := hs.client().Do(req)
	if err != nil {
		return 0, err
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block: GET %s: status %d: %w", hs.URL, res.StatusCode, unix.EIO)
	}

	n, err := io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return n, err
}

// Size parses the Content-Length of a HEAD response.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := hs.client().Head(hs.URL)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block: HEAD %s: status %d: %w", hs.URL, res.StatusCode, unix.EIO)
	}

	return strconv.ParseInt(res.Header.Get("content-length"), 10, 64)
}
