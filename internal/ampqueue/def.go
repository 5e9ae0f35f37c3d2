package ampqueue

import (
	"encoding/binary"
	"fmt"
)

// Shared memory layout constants. The definition record sits at offset 0 of
// the message window; everything else is placed by offsets it carries.
const (
	// DefMagic marks a valid queue definition in shared memory.
	DefMagic = 0x1A2B3C4D

	// DefVersion is the only layout version understood by this package.
	DefVersion = 1

	// HeadReady is the status bit a peer sets once its side is attached.
	HeadReady uint16 = 1 << 0

	defSize  = 56
	headSize = 8

	drvPeerOrd = 0
	devPeerOrd = 1
)

// Def is the queue-pair layout descriptor written once by the device peer
// at offset 0 of the message window and parsed by the driver peer.
type Def struct {
	Magic   uint32
	Version uint32

	DrvPeerOrd uint32
	DevPeerOrd uint32

	DrvEltSize uint16
	DrvNumElts uint16
	DevEltSize uint16
	DevNumElts uint16

	DrvHead uint64
	DrvData uint64
	DevHead uint64
	DevData uint64
}

func (d *Def) encode() [defSize]byte {
	var buf [defSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], d.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], d.Version)
	binary.LittleEndian.PutUint32(buf[8:12], d.DrvPeerOrd)
	binary.LittleEndian.PutUint32(buf[12:16], d.DevPeerOrd)
	binary.LittleEndian.PutUint16(buf[16:18], d.DrvEltSize)
	binary.LittleEndian.PutUint16(buf[18:20], d.DrvNumElts)
	binary.LittleEndian.PutUint16(buf[20:22], d.DevEltSize)
	binary.LittleEndian.PutUint16(buf[22:24], d.DevNumElts)
	binary.LittleEndian.PutUint64(buf[24:32], d.DrvHead)
	binary.LittleEndian.PutUint64(buf[32:40], d.DrvData)
	binary.LittleEndian.PutUint64(buf[40:48], d.DevHead)
	binary.LittleEndian.PutUint64(buf[48:56], d.DevData)
	return buf
}

func decodeDef(buf []byte) (Def, error) {
	if len(buf) < defSize {
		return Def{}, fmt.Errorf("ampqueue: definition record truncated (%d bytes)", len(buf))
	}
	return Def{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		DrvPeerOrd: binary.LittleEndian.Uint32(buf[8:12]),
		DevPeerOrd: binary.LittleEndian.Uint32(buf[12:16]),
		DrvEltSize: binary.LittleEndian.Uint16(buf[16:18]),
		DrvNumElts: binary.LittleEndian.Uint16(buf[18:20]),
		DevEltSize: binary.LittleEndian.Uint16(buf[20:22]),
		DevNumElts: binary.LittleEndian.Uint16(buf[22:24]),
		DrvHead:    binary.LittleEndian.Uint64(buf[24:32]),
		DrvData:    binary.LittleEndian.Uint64(buf[32:40]),
		DevHead:    binary.LittleEndian.Uint64(buf[40:48]),
		DevData:    binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}

// Head is the live control block of one direction. Each head has a single
// writer: the owning peer advances WIdx for its own data area and RIdx for
// the element it last consumed from the other peer's data area.
type Head struct {
	Status uint16
	Resv   uint16
	WIdx   uint16
	RIdx   uint16
}

func (h *Head) encode() [headSize]byte {
	var buf [headSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Status)
	binary.LittleEndian.PutUint16(buf[2:4], h.Resv)
	binary.LittleEndian.PutUint16(buf[4:6], h.WIdx)
	binary.LittleEndian.PutUint16(buf[6:8], h.RIdx)
	return buf
}

func decodeHead(buf []byte) Head {
	return Head{
		Status: binary.LittleEndian.Uint16(buf[0:2]),
		Resv:   binary.LittleEndian.Uint16(buf[2:4]),
		WIdx:   binary.LittleEndian.Uint16(buf[4:6]),
		RIdx:   binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// Cfg selects the element geometry of both directions. DrvQueueOff, when
// non-zero, pins the driver head offset instead of placing it after the
// device data area.
type Cfg struct {
	DrvEltSize uint16
	DrvNumElts uint16
	DevEltSize uint16
	DevNumElts uint16

	DrvQueueOff uint64
}
