// Package block queues block requests in front of a storage backend. A
// request queue owns a worker thread and two fixed pools of work items, one
// for reads and writes and one for flushes and user work, so a flooded
// queue fails fast instead of growing.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/hvcore/thread"
	"golang.org/x/sys/unix"
)

// ErrAsync is returned by a backend that completes the request later with
// RQ.AsyncDone.
var ErrAsync = errors.New("block: request completes asynchronously")

// Op is the operation of a request.
type Op int

const (
	OpRead Op = iota + 1
	OpWrite
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Request is a read or write of whole blocks.
type Request struct {
	Op    Op
	LBA   uint64
	Count uint32
	Data  []byte

	// Done is called once with the outcome of the request.
	Done func(r *Request, err error)

	// Priv is left to the submitter.
	Priv any

	// guarded by the queue
	work *work
}

// Backend serves requests taken off the queue.
type Backend interface {
	Read(rq *RQ, r *Request) error
	Write(rq *RQ, r *Request) error

	// Size returns the capacity in bytes.
	Size() int64
}

// Flusher is implemented by backends with a write cache.
type Flusher interface {
	Flush(rq *RQ) error
}

// Aborter is implemented by backends that can cancel requests in flight.
type Aborter interface {
	Abort(rq *RQ, r *Request) error
}

const (
	DefaultBlockSize  = 512
	DefaultMaxPending = 128
)

type Config struct {
	Name string

	// BlockSize is the size of a block in bytes.
	BlockSize uint32

	// MaxPending bounds the queued reads and writes. As many flushes and
	// user work items can be queued besides.
	MaxPending int

	// Priority is the priority of the worker thread.
	Priority int

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	if cfg.MaxPending == 0 {
		cfg.MaxPending = DefaultMaxPending
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("block: queue has no name: %w", unix.EINVAL)
	}

	if cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("block: block size %d is not a power of two: %w", cfg.BlockSize, unix.EINVAL)
	}

	if cfg.MaxPending < 0 {
		return fmt.Errorf("block: max pending %d: %w", cfg.MaxPending, unix.EINVAL)
	}

	return nil
}

// RQ is a block request queue.
type RQ struct {
	cfg     Config
	backend Backend
	log     *slog.Logger
	wq      *thread.WorkQueue

	mu     sync.Mutex
	rwFree []*work
	wFree  []*work
	busy   map[*work]struct{}
	closed bool
}

type work struct {
	w *thread.Work

	rw bool
	r  *Request
	fn func(rq *RQ)
}

// New creates a request queue and starts its worker.
func New(ctx context.Context, backend Backend, cfg Config) (*RQ, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rq := &RQ{
		cfg:     cfg,
		backend: backend,
		log:     cfg.Logger.With("blockrq", cfg.Name),
		busy:    make(map[*work]struct{}),
	}

	for i := range 2 * cfg.MaxPending {
		w := &work{rw: i < cfg.MaxPending}
		w.w = thread.NewWork(rq.run, w)

		if w.rw {
			rq.rwFree = append(rq.rwFree, w)
		} else {
			rq.wFree = append(rq.wFree, w)
		}
	}

	wq, err := thread.NewWorkQueue(ctx, cfg.Name, cfg.Priority)
	if err != nil {
		return nil, err
	}

	rq.wq = wq
	return rq, nil
}

func (rq *RQ) Name() string { return rq.cfg.Name }
func (rq *RQ) BlockSize() uint32 { return rq.cfg.BlockSize }
func (rq *RQ) MaxPending() int { return rq.cfg.MaxPending }
func (rq *RQ) Backend() Backend { return rq.backend }
func (rq *RQ) Blocks() uint64 { return uint64(rq.backend.Size()) / uint64(rq.cfg.BlockSize) }
func (rq *RQ) String() string { return rq.cfg.Name }

// ReadOnly reports whether the backend refuses writes.
func (rq *RQ) ReadOnly() bool {
	ro, ok := rq.backend.(interface{ ReadOnly() bool })
	return ok && ro.ReadOnly()
}

// Pending returns the number of reads and writes not completed yet.
func (rq *RQ) Pending() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.cfg.MaxPending - len(rq.rwFree)
}

// Submit queues r. It fails with unix.ENOMEM when MaxPending requests are
// outstanding.
func (rq *RQ) Submit(r *Request) error {
	if r.Op != OpRead && r.Op != OpWrite {
		return fmt.Errorf("block: %s: bad op %v: %w", rq.cfg.Name, r.Op, unix.EINVAL)
	}

	if uint64(len(r.Data)) != uint64(r.Count)*uint64(rq.cfg.BlockSize) {
		return fmt.Errorf("block: %s: %d bytes for %d blocks: %w", rq.cfg.Name, len(r.Data), r.Count, unix.EINVAL)
	}

	if end := r.LBA + uint64(r.Count); end < r.LBA || end > rq.Blocks() {
		return fmt.Errorf("block: %s: blocks %d+%d past the end: %w", rq.cfg.Name, r.LBA, r.Count, unix.EINVAL)
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if r.work != nil {
		return fmt.Errorf("block: %s: request already queued: %w", rq.cfg.Name, unix.EBUSY)
	}

	w, err := rq.takeLocked(&rq.rwFree)
	if err != nil {
		return err
	}

	w.r = r
	r.work = w

	rq.wq.Schedule(w.w)
	return nil
}

// QueueWork runs fn on the worker, ordered with the requests.
func (rq *RQ) QueueWork(fn func(rq *RQ)) error {
	if fn == nil {
		return fmt.Errorf("block: %s: nil work: %w", rq.cfg.Name, unix.EINVAL)
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()

	w, err := rq.takeLocked(&rq.wFree)
	if err != nil {
		return err
	}

	w.fn = fn
	rq.wq.Schedule(w.w)
	return nil
}

// Flush queues a cache flush behind the queued writes. done receives the
// outcome.
func (rq *RQ) Flush(done func(error)) error {
	return rq.QueueWork(func(rq *RQ) {
		var err error
		if f, ok := rq.backend.(Flusher); ok {
			err = f.Flush(rq)
		}

		if done != nil {
			done(err)
		}
	})
}

// Abort cancels r. A queued request is dropped; a request in flight is
// passed to the backend's Abort. r.Done receives unix.ECANCELED.
func (rq *RQ) Abort(r *Request) error {
	rq.mu.Lock()
	w := r.work
	if w == nil || w.r != r {
		rq.mu.Unlock()
		return fmt.Errorf("block: %s: request not pending: %w", rq.cfg.Name, unix.EINVAL)
	}

	queued := rq.wq.Stop(w.w)
	rq.releaseLocked(w)
	rq.mu.Unlock()

	var err error
	if a, ok := rq.backend.(Aborter); ok && !queued {
		err = a.Abort(rq, r)
	}

	if r.Done != nil {
		r.Done(r, unix.ECANCELED)
	}

	return err
}

// AsyncDone completes a request the backend answered with ErrAsync.
// Completing a request that was aborted is a no-op.
func (rq *RQ) AsyncDone(r *Request, err error) {
	rq.mu.Lock()
	w := r.work
	if w == nil || w.r != r {
		rq.mu.Unlock()
		return
	}

	rq.releaseLocked(w)
	rq.mu.Unlock()

	if r.Done != nil {
		r.Done(r, err)
	}
}

// Close stops the worker. Requests still queued fail with unix.ESHUTDOWN.
func (rq *RQ) Close() error {
	rq.mu.Lock()
	if rq.closed {
		rq.mu.Unlock()
		return nil
	}

	rq.closed = true
	rq.mu.Unlock()

	err := rq.wq.Destroy()

	rq.mu.Lock()
	var failed []*Request
	for w := range rq.busy {
		if w.rw {
			failed = append(failed, w.r)
		}

		rq.releaseLocked(w)
	}
	rq.mu.Unlock()

	for _, r := range failed {
		if r.Done != nil {
			r.Done(r, unix.ESHUTDOWN)
		}
	}

	return err
}

func (rq *RQ) takeLocked(pool *[]*work) (*work, error) {
	if rq.closed {
		return nil, fmt.Errorf("block: %s is closed: %w", rq.cfg.Name, unix.ESHUTDOWN)
	}

	n := len(*pool)
	if n == 0 {
		return nil, fmt.Errorf("block: %s is full: %w", rq.cfg.Name, unix.ENOMEM)
	}

	w := (*pool)[n-1]
	*pool = (*pool)[:n-1]
	rq.busy[w] = struct{}{}

	return w, nil
}

func (rq *RQ) releaseLocked(w *work) {
	if _, ok := rq.busy[w]; !ok {
		return
	}

	delete(rq.busy, w)

	if w.rw {
		if w.r != nil {
			w.r.work = nil
		}

		w.r = nil
		rq.rwFree = append(rq.rwFree, w)
	} else {
		w.fn = nil
		rq.wFree = append(rq.wFree, w)
	}
}

func (rq *RQ) run(tw *thread.Work) {
	w := tw.Data.(*work)

	rq.mu.Lock()
	if _, ok := rq.busy[w]; !ok {
		rq.mu.Unlock()
		return
	}

	if !w.rw {
		fn := w.fn
		rq.releaseLocked(w)
		rq.mu.Unlock()

		fn(rq)
		return
	}

	r := w.r
	rq.mu.Unlock()

	var err error
	switch r.Op {
	case OpRead:
		err = rq.backend.Read(rq, r)
	case OpWrite:
		err = rq.backend.Write(rq, r)
	}

	if errors.Is(err, ErrAsync) {
		return
	}

	if err != nil {
		rq.log.Warn("block request failed", "op", r.Op, "lba", r.LBA, "count", r.Count, "err", err)
	}

	rq.AsyncDone(r, err)
}
