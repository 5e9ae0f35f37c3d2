// Package virtio implements the virtio-msg control protocol: fixed 40-byte
// request/response records carried over an ampqueue pair, a bus that
// multiplexes logical virtio devices over the pair, and the virtqueue
// plumbing a bound device uses to exchange buffers through a shared data
// window.
package virtio

import (
	"encoding/binary"
	"fmt"
)

// MsgSize is the wire size of every message; the queue element size matches.
const MsgSize = 40

const payloadSize = MsgSize - 4

// Message type bitfield.
const (
	// TypeResponse marks a response; clear means request.
	TypeResponse uint8 = 1 << 0

	// TypeBus marks a bus-scope message; clear means device-scope.
	TypeBus uint8 = 1 << 1
)

// Message ids.
const (
	MsgConnect         uint8 = 0x01
	MsgDisconnect      uint8 = 0x02
	MsgDeviceInfo      uint8 = 0x03
	MsgGetFeatures     uint8 = 0x04
	MsgSetFeatures     uint8 = 0x05
	MsgGetConfig       uint8 = 0x06
	MsgSetConfig       uint8 = 0x07
	MsgGetConfigGen    uint8 = 0x08
	MsgGetDeviceStatus uint8 = 0x09
	MsgSetDeviceStatus uint8 = 0x0A
	MsgGetVqueue       uint8 = 0x0B
	MsgSetVqueue       uint8 = 0x0C
	MsgResetVqueue     uint8 = 0x0D
	MsgEventConfig     uint8 = 0x10
	MsgEventAvail      uint8 = 0x11
	MsgEventUsed       uint8 = 0x12
)

// FeatureWords is the number of 32-bit words in a feature payload (256 bits).
const FeatureWords = 8

// Message is one virtio-msg record. The payload is interpreted per ID.
type Message struct {
	Type    uint8
	ID      uint8
	DevID   uint16
	Payload [payloadSize]byte
}

// IsResponse reports whether the response bit is set.
func (m *Message) IsResponse() bool { return m.Type&TypeResponse != 0 }

// IsBus reports whether the message is bus-scope.
func (m *Message) IsBus() bool { return m.Type&TypeBus != 0 }

// Encode serialises the message into its 40-byte wire form.
func (m *Message) Encode() [MsgSize]byte {
	var buf [MsgSize]byte
	buf[0] = m.Type
	buf[1] = m.ID
	binary.LittleEndian.PutUint16(buf[2:4], m.DevID)
	copy(buf[4:], m.Payload[:])
	return buf
}

// DecodeMessage parses a 40-byte wire record.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < MsgSize {
		return Message{}, fmt.Errorf("%w: record truncated (%d bytes)", ErrProtocol, len(buf))
	}
	var m Message
	m.Type = buf[0]
	m.ID = buf[1]
	m.DevID = binary.LittleEndian.Uint16(buf[2:4])
	copy(m.Payload[:], buf[4:MsgSize])
	return m, nil
}

func put24(p []byte, v uint32) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
}

func get24(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16
}

// DeviceInfoResp is the DEVICE_INFO response payload.
type DeviceInfoResp struct {
	Version  uint32
	DeviceID uint32
	VendorID uint32
}

// PutDeviceInfoResp fills the payload with r.
func (m *Message) PutDeviceInfoResp(r DeviceInfoResp) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], r.Version)
	binary.LittleEndian.PutUint32(m.Payload[4:8], r.DeviceID)
	binary.LittleEndian.PutUint32(m.Payload[8:12], r.VendorID)
}

// DeviceInfoResp interprets the payload as a DEVICE_INFO response.
func (m *Message) DeviceInfoResp() DeviceInfoResp {
	return DeviceInfoResp{
		Version:  binary.LittleEndian.Uint32(m.Payload[0:4]),
		DeviceID: binary.LittleEndian.Uint32(m.Payload[4:8]),
		VendorID: binary.LittleEndian.Uint32(m.Payload[8:12]),
	}
}

// FeaturesIndex reads the feature word index shared by all feature messages.
func (m *Message) FeaturesIndex() uint32 {
	return binary.LittleEndian.Uint32(m.Payload[0:4])
}

// PutFeaturesIndex writes the feature word index.
func (m *Message) PutFeaturesIndex(index uint32) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], index)
}

// Features reads the eight feature words that follow the index in
// SET_FEATURES requests and GET/SET_FEATURES responses.
func (m *Message) Features() [FeatureWords]uint32 {
	var f [FeatureWords]uint32
	for i := range f {
		f[i] = binary.LittleEndian.Uint32(m.Payload[4+4*i : 8+4*i])
	}
	return f
}

// PutFeatures writes the eight feature words after the index.
func (m *Message) PutFeatures(f [FeatureWords]uint32) {
	for i, v := range f {
		binary.LittleEndian.PutUint32(m.Payload[4+4*i:8+4*i], v)
	}
}

// ConfigReq is the GET_CONFIG/SET_CONFIG header: a 24-bit byte offset into
// the device config space and an access size of 1 to 8 bytes.
type ConfigReq struct {
	Offset uint32
	Size   uint8
}

// PutConfigReq fills the config header.
func (m *Message) PutConfigReq(r ConfigReq) {
	put24(m.Payload[0:3], r.Offset)
	m.Payload[3] = r.Size
}

// ConfigReq interprets the config header.
func (m *Message) ConfigReq() ConfigReq {
	return ConfigReq{Offset: get24(m.Payload[0:3]), Size: m.Payload[3]}
}

// ConfigValue returns the value bytes of a SET_CONFIG request or a
// GET/SET_CONFIG response.
func (m *Message) ConfigValue() []byte { return m.Payload[4 : 4+32] }

// PutConfigGen writes a GET_CONFIG_GEN response.
func (m *Message) PutConfigGen(generation uint32) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], generation)
}

// ConfigGen reads a GET_CONFIG_GEN response.
func (m *Message) ConfigGen() uint32 {
	return binary.LittleEndian.Uint32(m.Payload[0:4])
}

// PutDeviceStatus writes a device status word (SET request, GET response).
func (m *Message) PutDeviceStatus(status uint32) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], status)
}

// DeviceStatus reads a device status word.
func (m *Message) DeviceStatus() uint32 {
	return binary.LittleEndian.Uint32(m.Payload[0:4])
}

// VqIndex reads the virtqueue index leading GET/SET/RESET_VQUEUE and the
// virtqueue events.
func (m *Message) VqIndex() uint32 {
	return binary.LittleEndian.Uint32(m.Payload[0:4])
}

// PutVqIndex writes the leading virtqueue index.
func (m *Message) PutVqIndex(index uint32) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], index)
}

// GetVqueueResp is the GET_VQUEUE response payload.
type GetVqueueResp struct {
	Index   uint32
	MaxSize uint32
}

// PutGetVqueueResp fills a GET_VQUEUE response.
func (m *Message) PutGetVqueueResp(r GetVqueueResp) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], r.Index)
	binary.LittleEndian.PutUint32(m.Payload[4:8], r.MaxSize)
}

// GetVqueueResp interprets a GET_VQUEUE response.
func (m *Message) GetVqueueResp() GetVqueueResp {
	return GetVqueueResp{
		Index:   binary.LittleEndian.Uint32(m.Payload[0:4]),
		MaxSize: binary.LittleEndian.Uint32(m.Payload[4:8]),
	}
}

// SetVqueueReq is the SET_VQUEUE request payload: the remote driver hands
// over the ring geometry and the three ring base addresses.
type SetVqueueReq struct {
	Index          uint32
	Size           uint32
	DescriptorAddr uint64
	DriverAddr     uint64
	DeviceAddr     uint64
}

// PutSetVqueueReq fills a SET_VQUEUE request.
func (m *Message) PutSetVqueueReq(r SetVqueueReq) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], r.Index)
	binary.LittleEndian.PutUint32(m.Payload[4:8], 0)
	binary.LittleEndian.PutUint32(m.Payload[8:12], r.Size)
	binary.LittleEndian.PutUint64(m.Payload[12:20], r.DescriptorAddr)
	binary.LittleEndian.PutUint64(m.Payload[20:28], r.DriverAddr)
	binary.LittleEndian.PutUint64(m.Payload[28:36], r.DeviceAddr)
}

// SetVqueueReq interprets a SET_VQUEUE request.
func (m *Message) SetVqueueReq() SetVqueueReq {
	return SetVqueueReq{
		Index:          binary.LittleEndian.Uint32(m.Payload[0:4]),
		Size:           binary.LittleEndian.Uint32(m.Payload[8:12]),
		DescriptorAddr: binary.LittleEndian.Uint64(m.Payload[12:20]),
		DriverAddr:     binary.LittleEndian.Uint64(m.Payload[20:28]),
		DeviceAddr:     binary.LittleEndian.Uint64(m.Payload[28:36]),
	}
}

// EventConfigReq is the EVENT_CONFIG payload emitted when a device mutates
// its own config space.
type EventConfigReq struct {
	Status uint64
	Offset uint32
	Size   uint8
	Value  [16]byte
}

// PutEventConfigReq fills an EVENT_CONFIG message.
func (m *Message) PutEventConfigReq(r EventConfigReq) {
	binary.LittleEndian.PutUint64(m.Payload[0:8], r.Status)
	put24(m.Payload[8:11], r.Offset)
	m.Payload[11] = r.Size
	copy(m.Payload[12:28], r.Value[:])
}

// EventConfigReq interprets an EVENT_CONFIG message.
func (m *Message) EventConfigReq() EventConfigReq {
	var r EventConfigReq
	r.Status = binary.LittleEndian.Uint64(m.Payload[0:8])
	r.Offset = get24(m.Payload[8:11])
	r.Size = m.Payload[11]
	copy(r.Value[:], m.Payload[12:28])
	return r
}

// EventAvailReq is the EVENT_AVAIL payload.
type EventAvailReq struct {
	VqIdx      uint32
	NextOffset uint64
	NextWrap   uint64
}

// PutEventAvailReq fills an EVENT_AVAIL message.
func (m *Message) PutEventAvailReq(r EventAvailReq) {
	binary.LittleEndian.PutUint32(m.Payload[0:4], r.VqIdx)
	binary.LittleEndian.PutUint64(m.Payload[4:12], r.NextOffset)
	binary.LittleEndian.PutUint64(m.Payload[12:20], r.NextWrap)
}

// EventAvailReq interprets an EVENT_AVAIL message.
func (m *Message) EventAvailReq() EventAvailReq {
	return EventAvailReq{
		VqIdx:      binary.LittleEndian.Uint32(m.Payload[0:4]),
		NextOffset: binary.LittleEndian.Uint64(m.Payload[4:12]),
		NextWrap:   binary.LittleEndian.Uint64(m.Payload[12:20]),
	}
}

func msgIDKnown(id uint8) bool {
	switch id {
	case MsgConnect, MsgDisconnect, MsgDeviceInfo,
		MsgGetFeatures, MsgSetFeatures,
		MsgGetConfig, MsgSetConfig, MsgGetConfigGen,
		MsgGetDeviceStatus, MsgSetDeviceStatus,
		MsgGetVqueue, MsgSetVqueue, MsgResetVqueue,
		MsgEventConfig, MsgEventAvail, MsgEventUsed:
		return true
	}
	return false
}
