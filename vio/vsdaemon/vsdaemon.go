// Package vsdaemon serves virtual serial ports over stream sockets. A
// daemon listens on TCP or AF_VSOCK, takes one client at a time, feeds its
// input into the port and streams the port's output back. Output produced
// while no client is connected is kept in a bounded buffer that drops the
// oldest bytes.
package vsdaemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/c35s/hvcore/fifo"
	"github.com/c35s/hvcore/notifier"
	"github.com/c35s/hvcore/vio"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Transports.
const (
	TCP   = "tcp"
	VSock = "vsock"
)

const (
	// TxBufSize bounds the output kept for the client.
	TxBufSize = 4096

	maxFlush = 128
	rxBuf    = 256
)

// Config describes a daemon.
type Config struct {
	Name      string
	Transport string
	Port      uint32

	// Serial names the port to serve.
	Serial string

	// Listener overrides the transport's listener. Port is then only used
	// to detect clashes and may be zero.
	Listener net.Listener
}

func (cfg Config) validate() error {
	if cfg.Name == "" {
		return errors.New("no name")
	}

	if cfg.Listener != nil {
		return nil
	}

	if cfg.Transport != TCP && cfg.Transport != VSock {
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	// well-known ports are off limits
	if cfg.Port < 1024 || (cfg.Transport == TCP && cfg.Port > 65535) {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}

	return nil
}

// Manager owns the daemons serving the ports of a hub. A daemon goes away
// with its port.
type Manager struct {
	hub *vio.Hub
	log *slog.Logger
	ctx context.Context

	client notifier.Block

	mu      sync.Mutex
	daemons []*Daemon
}

// NewManager returns a manager for the ports in hub. Daemons run until ctx
// is done or they are destroyed.
func NewManager(ctx context.Context, hub *vio.Hub, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		hub: hub,
		log: log,
		ctx: ctx,
	}

	m.client = notifier.Block{
		Name: "vsdaemon",
		Call: m.serialEvent,
	}

	if err := hub.Serials.RegisterClient(&m.client); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) serialEvent(event uint64, data any) notifier.Result {
	if event != vio.EventDestroy {
		return notifier.Done
	}

	ser := data.(*vio.Serial)

	m.mu.Lock()
	var gone []*Daemon
	m.daemons = slices.DeleteFunc(m.daemons, func(d *Daemon) bool {
		if d.ser == ser {
			gone = append(gone, d)
			return true
		}

		return false
	})
	m.mu.Unlock()

	if len(gone) == 0 {
		return notifier.Done
	}

	for _, d := range gone {
		if err := d.stop(); err != nil {
			m.log.Warn("vsdaemon stop failed", "daemon", d.name, "err", err)
		}
	}

	return notifier.OK
}

// Create starts a daemon.
func (m *Manager) Create(cfg Config) (*Daemon, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("vsdaemon: %s: %w: %w", cfg.Name, err, unix.EINVAL)
	}

	ser, ok := m.hub.Serials.Find(cfg.Serial)
	if !ok {
		return nil, fmt.Errorf("vsdaemon: %s: serial %q: %w", cfg.Name, cfg.Serial, unix.ENOENT)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.daemons {
		if d.name == cfg.Name || (cfg.Port != 0 && d.transport == cfg.Transport && d.port == cfg.Port) {
			return nil, fmt.Errorf("vsdaemon: %s clashes with %s: %w", cfg.Name, d.name, unix.EEXIST)
		}
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		if ln, err = listen(cfg.Transport, cfg.Port); err != nil {
			return nil, fmt.Errorf("vsdaemon: %s: %w", cfg.Name, err)
		}
	}

	d := &Daemon{
		name:      cfg.Name,
		transport: cfg.Transport,
		port:      cfg.Port,
		ser:       ser,
		ln:        ln,
		log:       m.log.With("vsdaemon", cfg.Name, "serial", ser.Name()),
		tx:        fifo.New[byte](TxBufSize),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := ser.AddReceiver(d); err != nil {
		ln.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	d.cancel = cancel
	context.AfterFunc(ctx, func() { ln.Close() })

	go d.serve(ctx)

	m.daemons = append(m.daemons, d)
	d.log.Info("vsdaemon listening", "addr", ln.Addr())

	return d, nil
}

func listen(transport string, port uint32) (net.Listener, error) {
	if transport == VSock {
		ln, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, err
		}

		return ln, nil
	}

	return net.Listen("tcp", net.JoinHostPort("", strconv.FormatUint(uint64(port), 10)))
}

// Destroy stops the daemon called name.
func (m *Manager) Destroy(name string) error {
	m.mu.Lock()
	var d *Daemon
	for i, o := range m.daemons {
		if o.name == name {
			d = o
			m.daemons = append(m.daemons[:i:i], m.daemons[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if d == nil {
		return fmt.Errorf("vsdaemon: %s: %w", name, unix.ENOENT)
	}

	return d.stop()
}

// Get returns the i'th daemon.
func (m *Manager) Get(i int) (*Daemon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.daemons) {
		return nil, false
	}

	return m.daemons[i], true
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.daemons)
}

// Close stops every daemon and detaches from the hub.
func (m *Manager) Close() error {
	m.mu.Lock()
	daemons := m.daemons
	m.daemons = nil
	m.mu.Unlock()

	var merr *multierror.Error
	for _, d := range daemons {
		if err := d.stop(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if err := m.hub.Serials.UnregisterClient(&m.client); err != nil {
		merr = multierror.Append(merr, err)
	}

	return merr.ErrorOrNil()
}

// Daemon serves one serial port.
type Daemon struct {
	name      string
	transport string
	port      uint32
	ser       *vio.Serial
	ln        net.Listener
	log       *slog.Logger

	tx   *fifo.FIFO[byte]
	kick chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func (d *Daemon) Name() string { return d.name }
func (d *Daemon) Serial() *vio.Serial { return d.ser }
func (d *Daemon) Addr() net.Addr { return d.ln.Addr() }

// Receive buffers output of the port for the client.
func (d *Daemon) Receive(_ *vio.Serial, b byte) {
	d.tx.Enqueue(b, true)

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) stop() error {
	d.cancel()

	var merr *multierror.Error
	if err := d.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		merr = multierror.Append(merr, err)
	}

	<-d.done

	if err := d.ser.RemoveReceiver(d); err != nil && !errors.Is(err, unix.ENOENT) {
		merr = multierror.Append(merr, err)
	}

	return merr.ErrorOrNil()
}

func (d *Daemon) serve(ctx context.Context) {
	defer close(d.done)

	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				d.log.Error("vsdaemon accept failed", "err", err)
			}

			return
		}

		d.log.Info("vsdaemon client connected", "remote", conn.RemoteAddr())

		if err := d.session(ctx, conn); err != nil {
			d.log.Warn("vsdaemon session ended", "err", err)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// session pumps bytes between conn and the port until either side stops.
func (d *Daemon) session(ctx context.Context, conn net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	g.Go(func() error {
		buf := make([]byte, rxBuf)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				d.ser.Send(buf[:n])
			}

			if err != nil {
				return errClientGone
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, maxFlush)
		for {
			for {
				n := d.tx.Drain(buf)
				if n == 0 {
					break
				}

				if _, err := conn.Write(buf[:n]); err != nil {
					return errClientGone
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-d.kick:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errClientGone) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

var errClientGone = errors.New("client gone")
