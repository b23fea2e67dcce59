// Package mmio implements the legacy virtio-mmio transport as a device
// emulator. A guest node compatible with "virtio,mmio" names the device
// type in virtio_type and its guest interrupt line in interrupts.
package mmio

// AttrVirtioType names the node attribute holding the virtio device ID.
const AttrVirtioType = "virtio_type"

// MagicValue is "virt" read as a little-endian word.
const MagicValue = 0x74726976

// Version is the legacy register layout.
const Version = 1

// VendorID is "XVSR" read as a little-endian word.
const VendorID = 0x52535658

// interrupt status bits

const (
	intStatusUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	intStatusConfigChange = 1 << 1 // the configuration of the device has changed
)

// mmio register offsets

const (
	regMagicValue       = 0x000 // always 0x74726976 (R; "virt")
	regVersion          = 0x004 // always 0x1 (R)
	regDeviceID         = 0x008 // virtio subsystem device id (R)
	regVendorID         = 0x00c // virtio subsystem vendor id (R)
	regHostFeatures     = 0x010 // flags, depends on regHostFeaturesSel (R)
	regHostFeaturesSel  = 0x014 // word selection for regHostFeatures (W)
	regGuestFeatures    = 0x020 // feature flags activated by the driver (W)
	regGuestFeaturesSel = 0x024 // word selection for regGuestFeatures (W)
	regGuestPageSize    = 0x028 // page size of queue pfns (W)
	regQueueSel         = 0x030 // virtual queue index (W)
	regQueueNumMax      = 0x034 // maximum virtual queue size (R)
	regQueueNum         = 0x038 // virtual queue size (W)
	regQueueAlign       = 0x03c // used ring alignment (W)
	regQueuePFN         = 0x040 // guest page frame of the queue (RW)
	regQueueNotify      = 0x050 // queue notifier (W)
	regInterruptStatus  = 0x060 // interrupt status (R)
	regInterruptAck     = 0x064 // interrupt acknowledge (W)
	regStatus           = 0x070 // device status (RW)
	regConfig           = 0x100 // device specific configuration space >= 0x100 (RW)
)

// device status bits

const (
	statusAcknowledge = 1   // recognized by the guest
	statusDriver      = 2   // the guest has a driver
	statusDriverOK    = 4   // ready to drive
	statusFeaturesOK  = 8   // features negotiated
	statusNeedsReset  = 64  // fatal device error
	statusFailed      = 128 // fatal driver error
)

// WindowSize is the size of a device's register window.
const WindowSize = 0x200
