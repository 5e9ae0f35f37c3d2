package virtio

import (
	"fmt"
	"log/slog"
)

// Role distinguishes the two ends of a device: the peer that implements it
// and the peer that drives it.
type Role int

const (
	RoleDriver Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleDevice {
		return "device"
	}
	return "driver"
}

// VirtIO status byte bits.
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
	StatusNeedsReset  uint32 = 0x40
	StatusFailed      uint32 = 0x80
)

// DeviceID is the virtio identity triple of a logical device.
type DeviceID struct {
	Device  uint32
	Vendor  uint32
	Version uint32
}

// Device is one logical virtio device on a bus, addressed by its bus-local
// id. The same type serves both roles: on the device peer it holds the
// authoritative state, on the driver peer a cache filled from responses.
type Device struct {
	BusID uint16
	Role  Role
	ID    DeviceID

	Status   uint32
	Features [FeatureWords]uint32

	// Config is the device configuration space, nil when the device has
	// none. Generation counts SET_CONFIG mutations.
	Config     []byte
	Generation uint32

	vrings []*VirtQueue
}

// NewDevice creates a logical device with the given number of virtqueues,
// each capped at the protocol maximum size.
func NewDevice(busID uint16, id DeviceID, role Role, numVrings int) *Device {
	d := &Device{
		BusID:  busID,
		Role:   role,
		ID:     id,
		vrings: make([]*VirtQueue, numVrings),
	}
	for i := range d.vrings {
		d.vrings[i] = newVirtQueue(uint32(i), VqueueMaxSize)
	}
	return d
}

// VRing returns the virtqueue at index.
func (d *Device) VRing(index uint32) (*VirtQueue, error) {
	if index >= uint32(len(d.vrings)) {
		return nil, fmt.Errorf("%w: vring index %d out of range (%d vrings)", ErrInvalidArg, index, len(d.vrings))
	}
	return d.vrings[index], nil
}

// NumVRings returns the number of virtqueues the device declares.
func (d *Device) NumVRings() int { return len(d.vrings) }

// GetFeatures returns the feature words for the given 256-bit window index.
// Only index 0 is supported.
func (d *Device) GetFeatures(index uint32) ([FeatureWords]uint32, error) {
	if index != 0 {
		return [FeatureWords]uint32{}, fmt.Errorf("%w: feature index %d", ErrUnsupported, index)
	}
	return d.Features, nil
}

// SetFeatures stores the negotiated feature words. On a device-role peer
// the write is only legal while the status byte is still zero; the driver
// must finish feature negotiation before acknowledging the device.
func (d *Device) SetFeatures(index uint32, features [FeatureWords]uint32) error {
	if index != 0 {
		return fmt.Errorf("%w: feature index %d", ErrUnsupported, index)
	}
	if d.Role == RoleDevice && d.Status != 0 {
		return fmt.Errorf("%w: set features with status %#x", ErrBadState, d.Status)
	}
	d.Features = features
	return nil
}

// SetStatus stores the device status byte. On a device-role device, writing
// zero resets it: features are cleared and every vring unbound, per the
// virtio reset rule. A driver-role device only stores the value.
func (d *Device) SetStatus(status uint32) {
	d.Status = status
	if status == 0 && d.Role == RoleDevice {
		d.Features = [FeatureWords]uint32{}
		for _, vq := range d.vrings {
			vq.Reset()
		}
	}
}

// ReadConfig copies size bytes of the config space at offset into a fresh
// slice.
func (d *Device) ReadConfig(offset uint32, size uint8) ([]byte, error) {
	if size == 0 || size > 8 {
		return nil, fmt.Errorf("%w: config access size %d", ErrInvalidArg, size)
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(d.Config)) {
		return nil, fmt.Errorf("%w: config access [%d,%d) beyond %d-byte space", ErrInvalidArg, offset, end, len(d.Config))
	}
	out := make([]byte, size)
	copy(out, d.Config[offset:end])
	return out, nil
}

// WriteConfig stores value bytes into the config space at offset and bumps
// the generation counter.
func (d *Device) WriteConfig(offset uint32, value []byte) error {
	if len(value) == 0 || len(value) > 8 {
		return fmt.Errorf("%w: config access size %d", ErrInvalidArg, len(value))
	}
	end := uint64(offset) + uint64(len(value))
	if end > uint64(len(d.Config)) {
		return fmt.Errorf("%w: config access [%d,%d) beyond %d-byte space", ErrInvalidArg, offset, end, len(d.Config))
	}
	copy(d.Config[offset:end], value)
	d.Generation++
	return nil
}

func (d *Device) logValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bus_id", int(d.BusID)),
		slog.String("role", d.Role.String()),
		slog.Any("device", d.ID.Device),
	)
}
