package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/ampmsg/internal/ampqueue"
	"github.com/tinyrange/ampmsg/internal/shmem"
)

var (
	// ErrConfig reports a missing or zero-valued required bus config field.
	ErrConfig = errors.New("virtio: bad bus configuration")

	// ErrBadState reports an operation not valid in the current bus or
	// device state.
	ErrBadState = errors.New("virtio: bad state")

	// ErrInvalidArg reports an out-of-range index or malformed argument.
	ErrInvalidArg = errors.New("virtio: invalid argument")

	// ErrUnsupported reports a well-formed request this bus does not serve.
	ErrUnsupported = errors.New("virtio: unsupported")

	// ErrProtocol reports an unexpected or malformed message.
	ErrProtocol = errors.New("virtio: protocol error")

	// ErrTimeout reports that a peer wait expired.
	ErrTimeout = errors.New("virtio: timed out")
)

// State is the bus lifecycle position.
type State int

const (
	StateInit State = iota
	StateReady
	StateConnected
	StateDisconnected
)

// BusCfg describes one end of a bus. Msg is the message window carrying
// the queue definition and both queues; Shm is the data window holding
// virtqueue rings and buffers. The two may be the same region.
type BusCfg struct {
	Msg *shmem.Window
	Shm *shmem.Window

	// RxElts and TxElts size the two queues from this peer's point of
	// view. Only the device role uses them; the driver role reads the
	// geometry from the definition record.
	RxElts uint16
	TxElts uint16

	Role Role

	// Notify signals the peer that a message was sent. Called exactly
	// once per successful send; it must not re-enter the bus.
	Notify func(*Bus) error
}

// Bus multiplexes logical virtio devices over one static queue pair.
// It is single-threaded: send paths are local calls, the receive path is
// driven by the owner from its notification handler or polling loop.
type Bus struct {
	cfg BusCfg

	sq  *ampqueue.Queues
	def ampqueue.Def

	devices map[uint16]*Device

	state State
}

// NewBus builds the windows from cfg and bootstraps the queue pair: the
// device role writes the layout, the driver role parses it, so the device
// end must initialise first.
func NewBus(cfg BusCfg) (*Bus, error) {
	if cfg.Msg == nil || cfg.Msg.Size() == 0 {
		return nil, fmt.Errorf("%w: no message window", ErrConfig)
	}
	if cfg.Shm == nil || cfg.Shm.Size() == 0 {
		return nil, fmt.Errorf("%w: no data window", ErrConfig)
	}
	if cfg.Msg.Phys() == 0 || cfg.Shm.Phys() == 0 {
		return nil, fmt.Errorf("%w: zero window address", ErrConfig)
	}

	b := &Bus{cfg: cfg, devices: make(map[uint16]*Device)}

	switch cfg.Role {
	case RoleDevice:
		rx := cfg.RxElts
		tx := cfg.TxElts
		if rx == 0 {
			rx = defaultQueueElts
		}
		if tx == 0 {
			tx = defaultQueueElts
		}
		sq, err := ampqueue.DevInit(cfg.Msg, ampqueue.Cfg{
			DrvEltSize: MsgSize,
			DrvNumElts: rx,
			DevEltSize: MsgSize,
			DevNumElts: tx,
		})
		if err != nil {
			return nil, err
		}
		b.sq = sq
	case RoleDriver:
		sq, def, err := ampqueue.DrvInit(cfg.Msg)
		if err != nil {
			return nil, err
		}
		b.sq = sq
		b.def = *def
	default:
		return nil, fmt.Errorf("%w: role %d", ErrConfig, cfg.Role)
	}

	b.state = StateReady
	return b, nil
}

// defaultQueueElts is the queue depth used when the config leaves it zero.
const defaultQueueElts = 4

// State returns the bus lifecycle position.
func (b *Bus) State() State { return b.state }

// QueueDef returns the layout definition a driver-role bus parsed from the
// message window; it is zero for the device role, which authored it.
func (b *Bus) QueueDef() ampqueue.Def { return b.def }

// DataWindow returns the shared data region virtqueues are bound against.
func (b *Bus) DataWindow() *shmem.Window { return b.cfg.Shm }

// Register attaches a logical device to the bus under its bus-local id.
func (b *Bus) Register(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidArg)
	}
	if _, ok := b.devices[d.BusID]; ok {
		return fmt.Errorf("%w: bus id %d already registered", ErrInvalidArg, d.BusID)
	}
	slog.Debug("v-msg register", "dev", d.logValue())
	b.devices[d.BusID] = d
	return nil
}

// Device returns the registered device with the given bus id.
func (b *Bus) Device(busID uint16) (*Device, bool) {
	d, ok := b.devices[busID]
	return d, ok
}

// Connect marks the local queue head ready. The device role notifies the
// peer once so the driver sees progress; waiting for the opposite ready
// bit is the caller's business (see WaitPeerReady).
func (b *Bus) Connect() error {
	if b.state == StateInit {
		return fmt.Errorf("%w: bus not initialised", ErrBadState)
	}
	if err := b.sq.Connect(); err != nil {
		return err
	}
	b.state = StateConnected

	if b.cfg.Role == RoleDevice && b.cfg.Notify != nil {
		return b.cfg.Notify(b)
	}
	return nil
}

// WaitPeerReady polls the opposite head for its ready bit.
func (b *Bus) WaitPeerReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := b.sq.PeerReady()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Disconnect sends a bus-scope DISCONNECT and returns; it does not wait
// for the peer to acknowledge.
func (b *Bus) Disconnect() error {
	if b.state != StateConnected {
		return fmt.Errorf("%w: bus not connected", ErrBadState)
	}
	msg := Message{Type: TypeBus, ID: MsgDisconnect}
	if err := b.send(&msg); err != nil {
		return err
	}
	b.state = StateDisconnected
	return nil
}

// send writes one message into the transmit queue and fires the notify
// hook exactly once. A failed send leaves the queue untouched.
func (b *Bus) send(m *Message) error {
	slog.Debug("v-msg tx", "type", m.Type, "id", m.ID, "dev_id", m.DevID)

	rec := m.Encode()
	if err := b.sq.Send(rec[:]); err != nil {
		return err
	}
	if b.cfg.Notify == nil {
		return nil
	}
	return b.cfg.Notify(b)
}

// Receive drains exactly one message from the receive queue and
// dispatches it. ErrQueueEmpty passes through verbatim; dispatch errors
// never corrupt queue state because the slot was consumed whole.
func (b *Bus) Receive() error {
	if b.state != StateConnected {
		return fmt.Errorf("%w: receive on unconnected bus", ErrBadState)
	}

	var rec [MsgSize]byte
	if err := b.sq.Receive(rec[:]); err != nil {
		return err
	}

	m, err := DecodeMessage(rec[:])
	if err != nil {
		return err
	}

	slog.Debug("v-msg rx", "type", m.Type, "id", m.ID, "dev_id", m.DevID)

	if !msgIDKnown(m.ID) {
		slog.Error("v-msg: unknown message id", "id", m.ID)
		return fmt.Errorf("%w: message id %#x", ErrProtocol, m.ID)
	}

	if m.IsBus() {
		return b.dispatchBus(&m)
	}
	if m.IsResponse() {
		b.dispatchResponse(&m)
		return nil
	}
	return b.dispatchRequest(&m)
}

func (b *Bus) dispatchBus(m *Message) error {
	switch m.ID {
	case MsgConnect:
		if m.IsResponse() {
			return nil
		}
		resp := Message{Type: TypeBus | TypeResponse, ID: MsgConnect}
		return b.send(&resp)
	case MsgDisconnect:
		slog.Info("v-msg: peer disconnected")
		return nil
	default:
		slog.Error("v-msg: unexpected bus message", "id", m.ID)
		return fmt.Errorf("%w: bus message id %#x", ErrProtocol, m.ID)
	}
}

// dispatchResponse folds a response into the local device cache. This is
// the driver-role half of the protocol: request state lives in the remote
// device, responses refresh the local view. Responses nothing expects are
// dropped.
func (b *Bus) dispatchResponse(m *Message) {
	d, ok := b.devices[m.DevID]
	if !ok {
		slog.Warn("v-msg: response for unknown device id", "dev_id", m.DevID)
		return
	}

	switch m.ID {
	case MsgDeviceInfo:
		info := m.DeviceInfoResp()
		d.ID = DeviceID{Device: info.DeviceID, Vendor: info.VendorID, Version: info.Version}
	case MsgGetFeatures, MsgSetFeatures:
		d.Features = m.Features()
	case MsgGetDeviceStatus:
		d.Status = m.DeviceStatus()
	case MsgGetConfigGen:
		d.Generation = m.ConfigGen()
	case MsgGetConfig, MsgSetConfig:
		req := m.ConfigReq()
		end := uint64(req.Offset) + uint64(req.Size)
		if req.Size >= 1 && req.Size <= 8 && end <= uint64(len(d.Config)) {
			copy(d.Config[req.Offset:end], m.ConfigValue()[:req.Size])
		}
	case MsgGetVqueue:
		// max_size is advisory; nothing to cache beyond the log line.
	default:
		slog.Warn("v-msg: dropping unexpected response", "id", m.ID, "dev_id", m.DevID)
	}
}

func (b *Bus) dispatchRequest(m *Message) error {
	d, ok := b.devices[m.DevID]
	if !ok {
		slog.Error("v-msg: unknown device id", "dev_id", m.DevID)
		return nil
	}

	switch m.ID {
	case MsgDeviceInfo:
		m.PutDeviceInfoResp(DeviceInfoResp{
			Version:  d.ID.Version,
			DeviceID: d.ID.Device,
			VendorID: d.ID.Vendor,
		})

	case MsgGetFeatures:
		index := m.FeaturesIndex()
		features, err := d.GetFeatures(index)
		if err != nil {
			return err
		}
		m.PutFeaturesIndex(index)
		m.PutFeatures(features)

	case MsgSetFeatures:
		index := m.FeaturesIndex()
		if err := d.SetFeatures(index, m.Features()); err != nil {
			return err
		}

	case MsgGetConfig:
		req := m.ConfigReq()
		value, err := d.ReadConfig(req.Offset, req.Size)
		if err != nil {
			slog.Error("v-msg: config read failed", "dev_id", m.DevID, "err", err)
			return nil
		}
		copy(m.ConfigValue(), value)

	case MsgSetConfig:
		req := m.ConfigReq()
		value := make([]byte, req.Size)
		copy(value, m.ConfigValue()[:req.Size])
		if err := d.WriteConfig(req.Offset, value); err != nil {
			slog.Error("v-msg: config write failed", "dev_id", m.DevID, "err", err)
			return nil
		}

	case MsgGetConfigGen:
		m.PutConfigGen(d.Generation)

	case MsgGetVqueue:
		m.PutGetVqueueResp(GetVqueueResp{Index: m.VqIndex(), MaxSize: VqueueMaxSize})

	case MsgSetVqueue:
		return b.bindVqueue(d, m.SetVqueueReq())

	case MsgResetVqueue:
		vq, err := d.VRing(m.VqIndex())
		if err != nil {
			return err
		}
		vq.Reset()
		return nil

	case MsgSetDeviceStatus:
		if d.Role == RoleDevice {
			d.SetStatus(m.DeviceStatus())
		}
		return nil

	case MsgGetDeviceStatus:
		m.PutDeviceStatus(d.Status)

	case MsgEventAvail:
		return b.vqueueEvent(d, m.EventAvailReq().VqIdx)

	case MsgEventUsed:
		return b.vqueueEvent(d, m.VqIndex())

	case MsgEventConfig:
		ev := m.EventConfigReq()
		end := uint64(ev.Offset) + uint64(ev.Size)
		if ev.Size >= 1 && ev.Size <= 16 && end <= uint64(len(d.Config)) {
			copy(d.Config[ev.Offset:end], ev.Value[:ev.Size])
		}
		d.Status = uint32(ev.Status)
		return nil

	default:
		slog.Error("v-msg: ignoring request", "id", m.ID, "dev_id", m.DevID)
		return fmt.Errorf("%w: request id %#x", ErrProtocol, m.ID)
	}

	m.Type |= TypeResponse
	return b.send(m)
}

// bindVqueue attaches the ring addresses from a SET_VQUEUE request to the
// named local virtqueue and installs the used-event notify path, so a
// local kick reaches the remote driver as EVENT_USED.
func (b *Bus) bindVqueue(d *Device, req SetVqueueReq) error {
	vq, err := d.VRing(req.Index)
	if err != nil {
		return err
	}

	busID := d.BusID
	notify := func(vq *VirtQueue) error {
		var ev Message
		ev.ID = MsgEventUsed
		ev.DevID = busID
		ev.PutVqIndex(vq.Index)
		return b.send(&ev)
	}

	return vq.bind(req, b.cfg.Shm, b.cfg.Shm.Phys(), notify)
}

// vqueueEvent runs the consumer callback installed on the named vring.
func (b *Bus) vqueueEvent(d *Device, vqIdx uint32) error {
	vq, err := d.VRing(vqIdx)
	if err != nil {
		return err
	}
	if vq.Callback == nil {
		slog.Warn("v-msg: vqueue event with no callback", "dev_id", d.BusID, "vq_idx", vqIdx)
		return nil
	}
	vq.Callback(vq)
	return nil
}

// Request helpers used by the driver-role peer. Each serialises one
// request and pushes it through the queue; the matching response arrives
// through Receive and lands in the local device cache.

// RequestDeviceInfo asks the remote device for its identity triple.
func (b *Bus) RequestDeviceInfo(busID uint16) error {
	m := Message{ID: MsgDeviceInfo, DevID: busID}
	return b.send(&m)
}

// RequestGetFeatures asks for the feature words at the given index.
func (b *Bus) RequestGetFeatures(busID uint16, index uint32) error {
	m := Message{ID: MsgGetFeatures, DevID: busID}
	m.PutFeaturesIndex(index)
	return b.send(&m)
}

// RequestSetFeatures writes the negotiated feature words.
func (b *Bus) RequestSetFeatures(busID uint16, index uint32, features [FeatureWords]uint32) error {
	m := Message{ID: MsgSetFeatures, DevID: busID}
	m.PutFeaturesIndex(index)
	m.PutFeatures(features)
	return b.send(&m)
}

// RequestGetConfig reads size bytes of remote config space at offset.
func (b *Bus) RequestGetConfig(busID uint16, offset uint32, size uint8) error {
	m := Message{ID: MsgGetConfig, DevID: busID}
	m.PutConfigReq(ConfigReq{Offset: offset, Size: size})
	return b.send(&m)
}

// RequestSetConfig writes value into remote config space at offset.
func (b *Bus) RequestSetConfig(busID uint16, offset uint32, value []byte) error {
	if len(value) == 0 || len(value) > 8 {
		return fmt.Errorf("%w: config access size %d", ErrInvalidArg, len(value))
	}
	m := Message{ID: MsgSetConfig, DevID: busID}
	m.PutConfigReq(ConfigReq{Offset: offset, Size: uint8(len(value))})
	copy(m.ConfigValue(), value)
	return b.send(&m)
}

// RequestGetConfigGen reads the remote config generation counter.
func (b *Bus) RequestGetConfigGen(busID uint16) error {
	m := Message{ID: MsgGetConfigGen, DevID: busID}
	return b.send(&m)
}

// RequestSetStatus writes the remote device status byte.
func (b *Bus) RequestSetStatus(busID uint16, status uint32) error {
	m := Message{ID: MsgSetDeviceStatus, DevID: busID}
	m.PutDeviceStatus(status)
	return b.send(&m)
}

// RequestGetStatus reads the remote device status byte.
func (b *Bus) RequestGetStatus(busID uint16) error {
	m := Message{ID: MsgGetDeviceStatus, DevID: busID}
	return b.send(&m)
}

// RequestGetVqueue asks for the maximum size of the named virtqueue.
func (b *Bus) RequestGetVqueue(busID uint16, index uint32) error {
	m := Message{ID: MsgGetVqueue, DevID: busID}
	m.PutVqIndex(index)
	return b.send(&m)
}

// RequestSetVqueue hands the ring geometry and base addresses to the
// remote device.
func (b *Bus) RequestSetVqueue(busID uint16, req SetVqueueReq) error {
	m := Message{ID: MsgSetVqueue, DevID: busID}
	m.PutSetVqueueReq(req)
	return b.send(&m)
}

// RequestResetVqueue unbinds the named remote virtqueue.
func (b *Bus) RequestResetVqueue(busID uint16, index uint32) error {
	m := Message{ID: MsgResetVqueue, DevID: busID}
	m.PutVqIndex(index)
	return b.send(&m)
}

// SendEventAvail tells the remote device that available-ring entries were
// published for the named virtqueue.
func (b *Bus) SendEventAvail(busID uint16, req EventAvailReq) error {
	m := Message{ID: MsgEventAvail, DevID: busID}
	m.PutEventAvailReq(req)
	return b.send(&m)
}

// SendEventConfig announces a local config-space mutation to the peer.
func (b *Bus) SendEventConfig(busID uint16, ev EventConfigReq) error {
	m := Message{ID: MsgEventConfig, DevID: busID}
	m.PutEventConfigReq(ev)
	return b.send(&m)
}
