package vio

import (
	"fmt"
	"slices"
	"sync"

	"github.com/c35s/hvcore/fifo"
	"golang.org/x/sys/unix"
)

// DefaultSerialFIFO is the fallback FIFO size used when none is given.
const DefaultSerialFIFO = 1024

// SerialPort is the emulator side of a serial port. Bytes sent into the
// port are handed to Send while CanSend holds.
type SerialPort interface {
	CanSend(s *Serial) bool
	Send(s *Serial, b byte)
}

// Receiver consumes bytes the port emits. Implementations must be
// comparable; pointers are.
type Receiver interface {
	Receive(s *Serial, b byte)
}

// Serial is a half-duplex virtual serial port. Bytes the emulator emits go
// to every receiver, or to a bounded FIFO that drops the oldest bytes while
// nobody listens.
type Serial struct {
	name string
	port SerialPort

	mu        sync.Mutex
	fifo      *fifo.FIFO[byte]
	receivers []Receiver
}

// CreateSerial registers a serial port backed by port.
func (h *Hub) CreateSerial(name string, port SerialPort, fifoSize int) (*Serial, error) {
	if port == nil {
		return nil, fmt.Errorf("vio: serial %s: no port: %w", name, unix.EINVAL)
	}

	if fifoSize <= 0 {
		fifoSize = DefaultSerialFIFO
	}

	s := &Serial{
		name: name,
		port: port,
		fifo: fifo.New[byte](fifoSize),
	}

	if err := h.Serials.add("serial", s); err != nil {
		return nil, err
	}

	return s, nil
}

// DestroySerial unregisters s. Its receivers are dropped.
func (h *Hub) DestroySerial(s *Serial) error {
	if _, err := h.Serials.remove("serial", s.name); err != nil {
		return err
	}

	s.mu.Lock()
	s.receivers = nil
	s.mu.Unlock()

	return nil
}

func (s *Serial) Name() string { return s.name }

// Send feeds p into the port and returns the number of bytes accepted.
func (s *Serial) Send(p []byte) int {
	for i, b := range p {
		if !s.port.CanSend(s) {
			return i
		}

		s.port.Send(s, b)
	}

	return len(p)
}

// Receive delivers bytes emitted by the port.
func (s *Serial) Receive(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.receivers) == 0 {
		for _, b := range p {
			s.fifo.Enqueue(b, true)
		}

		return len(p)
	}

	for _, b := range p {
		for _, r := range s.receivers {
			r.Receive(s, b)
		}
	}

	return len(p)
}

// AddReceiver attaches r and flushes the bytes buffered so far into it.
func (s *Serial) AddReceiver(r Receiver) error {
	if r == nil {
		return unix.EINVAL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.receivers, r) {
		return fmt.Errorf("vio: serial %s: receiver already attached: %w", s.name, unix.EEXIST)
	}

	s.receivers = append(s.receivers, r)

	for {
		b, ok := s.fifo.Dequeue()
		if !ok {
			break
		}

		for _, r := range s.receivers {
			r.Receive(s, b)
		}
	}

	return nil
}

// RemoveReceiver detaches r.
func (s *Serial) RemoveReceiver(r Receiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.receivers, r)
	if i < 0 {
		return fmt.Errorf("vio: serial %s: receiver not attached: %w", s.name, unix.ENOENT)
	}

	s.receivers = slices.Delete(s.receivers, i, i+1)
	return nil
}

// Buffered returns the number of bytes waiting for a receiver.
func (s *Serial) Buffered() int { return s.fifo.Len() }
