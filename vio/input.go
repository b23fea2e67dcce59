package vio

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// Keyboard LED bits.
const (
	LEDScrollLock = 1 << iota
	LEDNumLock
	LEDCapsLock
)

// KeyboardEvents is implemented by keyboard emulators.
type KeyboardEvents interface {
	KeyEvent(k *Keyboard, keycode int)
}

// LEDHandler is told about LED state changes. Implementations must be
// comparable.
type LEDHandler interface {
	LEDChange(k *Keyboard, state int)
}

// Keyboard is a virtual keyboard. Host frontends inject key codes; the
// guest drives the LEDs.
type Keyboard struct {
	name string
	ev   KeyboardEvents

	mu       sync.Mutex
	leds     int
	handlers []LEDHandler
}

// CreateKeyboard registers a keyboard.
func (h *Hub) CreateKeyboard(name string, ev KeyboardEvents) (*Keyboard, error) {
	k := &Keyboard{name: name, ev: ev}
	if err := h.Keyboards.add("keyboard", k); err != nil {
		return nil, err
	}

	return k, nil
}

// DestroyKeyboard unregisters k.
func (h *Hub) DestroyKeyboard(k *Keyboard) error {
	_, err := h.Keyboards.remove("keyboard", k.name)
	return err
}

func (k *Keyboard) Name() string { return k.name }

// Event injects a key code.
func (k *Keyboard) Event(keycode int) error {
	if k.ev == nil {
		return fmt.Errorf("vio: keyboard %s: %w", k.name, unix.EINVAL)
	}

	k.ev.KeyEvent(k, keycode)
	return nil
}

// AddLEDHandler subscribes h to LED changes.
func (k *Keyboard) AddLEDHandler(h LEDHandler) error {
	if h == nil {
		return unix.EINVAL
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if slices.Contains(k.handlers, h) {
		return fmt.Errorf("vio: keyboard %s: led handler: %w", k.name, unix.EEXIST)
	}

	k.handlers = append(k.handlers, h)
	return nil
}

// DelLEDHandler unsubscribes h.
func (k *Keyboard) DelLEDHandler(h LEDHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	i := slices.Index(k.handlers, h)
	if i < 0 {
		return fmt.Errorf("vio: keyboard %s: led handler: %w", k.name, unix.ENOENT)
	}

	k.handlers = slices.Delete(k.handlers, i, i+1)
	return nil
}

// SetLEDState records the LED state and tells every handler.
func (k *Keyboard) SetLEDState(state int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.leds = state
	for _, h := range k.handlers {
		h.LEDChange(k, state)
	}
}

func (k *Keyboard) LEDState() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.leds
}

// MouseEvents is implemented by mouse emulators.
type MouseEvents interface {
	MouseEvent(m *Mouse, dx, dy, dz, buttons int)
}

// absMax is the range of absolute pointer coordinates.
const absMax = 0x7fff

// Mouse is a virtual pointer. Events are rotated to match the guest
// display before they reach the emulator.
type Mouse struct {
	name     string
	absolute bool
	ev       MouseEvents

	mu       sync.Mutex
	width    uint32
	height   uint32
	rotation uint32
}

// CreateMouse registers a mouse. Absolute mice report positions in
// [0, 0x7fff] instead of deltas.
func (h *Hub) CreateMouse(name string, absolute bool, width, height, rotation uint32, ev MouseEvents) (*Mouse, error) {
	m := &Mouse{
		name:     name,
		absolute: absolute,
		ev:       ev,
		width:    width,
		height:   height,
	}

	m.SetRotation(rotation)

	if err := h.Mice.add("mouse", m); err != nil {
		return nil, err
	}

	return m, nil
}

// DestroyMouse unregisters m.
func (h *Hub) DestroyMouse(m *Mouse) error {
	_, err := h.Mice.remove("mouse", m.name)
	return err
}

func (m *Mouse) Name() string { return m.name }
func (m *Mouse) IsAbsolute() bool { return m.absolute }

// Event injects pointer motion and the button state.
func (m *Mouse) Event(dx, dy, dz, buttons int) {
	if m.ev == nil {
		return
	}

	m.mu.Lock()
	w, h, rot := absMax, absMax, m.rotation
	if !m.absolute {
		w, h = int(m.width)-1, int(m.height)-1
	}
	m.mu.Unlock()

	switch rot {
	case 0:
		m.ev.MouseEvent(m, dx, dy, dz, buttons)
	case 90:
		m.ev.MouseEvent(m, w-dy, dx, dz, buttons)
	case 180:
		m.ev.MouseEvent(m, w-dx, h-dy, dz, buttons)
	case 270:
		m.ev.MouseEvent(m, dy, h-dx, dz, buttons)
	}
}

func (m *Mouse) SetGraphicsWidth(w uint32) {
	m.mu.Lock()
	m.width = w
	m.mu.Unlock()
}

func (m *Mouse) SetGraphicsHeight(h uint32) {
	m.mu.Lock()
	m.height = h
	m.mu.Unlock()
}

// SetRotation sets the display rotation in degrees. Only right angles are
// accepted; other values are ignored.
func (m *Mouse) SetRotation(deg uint32) {
	switch deg {
	case 0, 90, 180, 270:
		m.mu.Lock()
		m.rotation = deg
		m.mu.Unlock()
	}
}

func (m *Mouse) Graphics() (width, height, rotation uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height, m.rotation
}
