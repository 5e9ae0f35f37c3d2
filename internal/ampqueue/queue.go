// Package ampqueue implements a pair of bounded single-producer
// single-consumer queues laid out in a shared memory window. One queue
// carries records from the driver peer to the device peer, the other the
// opposite direction. The layout is described by a definition record the
// device peer writes at offset 0 and the driver peer parses.
//
// Indices are u8-valued modulo the element count. A peer writes only its
// own head record; the other peer's head is read for consumer or producer
// progress, so the index comparisons are the entire synchronisation
// contract between the two processors.
package ampqueue

import (
	"errors"
	"fmt"

	"github.com/tinyrange/ampmsg/internal/shmem"
)

var (
	// ErrQueueFull reports that the transmit direction has no free element.
	ErrQueueFull = errors.New("ampqueue: queue full")

	// ErrQueueEmpty reports that the receive direction has no pending element.
	ErrQueueEmpty = errors.New("ampqueue: queue empty")

	// ErrCapacity reports a computed layout larger than the message window.
	ErrCapacity = errors.New("ampqueue: layout exceeds window")

	// ErrDef reports a missing or malformed definition record.
	ErrDef = errors.New("ampqueue: bad queue definition")
)

// Queue is one direction of the pair as seen by one peer.
type Queue struct {
	EltSize uint16
	NumElts uint16
	Head    uint64
	Data    uint64
}

// Queues is a peer's view of the pair: TX writes into the peer's own data
// area, RX consumes the other peer's. TX.Head is the offset of the local
// head record, RX.Head the offset of the remote one.
type Queues struct {
	RX Queue
	TX Queue
	IO shmem.Region
}

func alignUp8(v uint64) uint64 { return (v + 7) &^ 7 }

func checkGeometry(eltSize, numElts uint16, dir string) error {
	if numElts < 2 {
		return fmt.Errorf("%w: %s num_elts %d, need at least 2", ErrDef, dir, numElts)
	}
	if numElts > 0xFF {
		return fmt.Errorf("%w: %s num_elts %d does not fit index width", ErrDef, dir, numElts)
	}
	if eltSize == 0 {
		return fmt.Errorf("%w: %s elt_size is zero", ErrDef, dir)
	}
	return nil
}

// DevInit lays out the queue pair in the message window, writes the
// definition record at offset 0 and marks the device head ready. The
// device queue is placed right after the definition; the driver queue
// either at cfg.DrvQueueOff or after the device data, aligned to 8 bytes.
func DevInit(io shmem.Region, cfg Cfg) (*Queues, error) {
	if err := checkGeometry(cfg.DrvEltSize, cfg.DrvNumElts, "drv"); err != nil {
		return nil, err
	}
	if err := checkGeometry(cfg.DevEltSize, cfg.DevNumElts, "dev"); err != nil {
		return nil, err
	}

	def := Def{
		Magic:      DefMagic,
		Version:    DefVersion,
		DrvPeerOrd: drvPeerOrd,
		DevPeerOrd: devPeerOrd,
		DrvEltSize: cfg.DrvEltSize,
		DrvNumElts: cfg.DrvNumElts,
		DevEltSize: cfg.DevEltSize,
		DevNumElts: cfg.DevNumElts,
	}

	def.DevHead = defSize
	def.DevData = def.DevHead + headSize
	if cfg.DrvQueueOff != 0 {
		def.DrvHead = cfg.DrvQueueOff
	} else {
		def.DrvHead = alignUp8(def.DevData + uint64(cfg.DevEltSize)*uint64(cfg.DevNumElts))
	}
	def.DrvData = def.DrvHead + headSize

	total := alignUp8(def.DrvData + uint64(cfg.DrvEltSize)*uint64(cfg.DrvNumElts))
	if total > io.Size() {
		return nil, fmt.Errorf("%w: need %d bytes, window has %d", ErrCapacity, total, io.Size())
	}

	sq := &Queues{
		TX: Queue{EltSize: cfg.DevEltSize, NumElts: cfg.DevNumElts, Head: def.DevHead, Data: def.DevData},
		RX: Queue{EltSize: cfg.DrvEltSize, NumElts: cfg.DrvNumElts, Head: def.DrvHead, Data: def.DrvData},
		IO: io,
	}

	rec := def.encode()
	if err := shmem.BlockWrite(io, 0, rec[:]); err != nil {
		return nil, err
	}

	head := Head{Status: HeadReady}
	hrec := head.encode()
	if err := shmem.BlockWrite(io, sq.TX.Head, hrec[:]); err != nil {
		return nil, err
	}

	return sq, nil
}

// DrvInit parses the definition the device peer wrote, mirrors the pair
// with TX bound to the driver sub-regions, and marks the driver head ready.
func DrvInit(io shmem.Region) (*Queues, *Def, error) {
	var buf [defSize]byte
	if err := shmem.BlockRead(io, 0, buf[:]); err != nil {
		return nil, nil, err
	}
	def, err := decodeDef(buf[:])
	if err != nil {
		return nil, nil, err
	}

	if def.Magic != DefMagic {
		return nil, nil, fmt.Errorf("%w: magic %#x", ErrDef, def.Magic)
	}
	if def.Version != DefVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrDef, def.Version)
	}
	if err := checkGeometry(def.DrvEltSize, def.DrvNumElts, "drv"); err != nil {
		return nil, nil, err
	}
	if err := checkGeometry(def.DevEltSize, def.DevNumElts, "dev"); err != nil {
		return nil, nil, err
	}

	sq := &Queues{
		TX: Queue{EltSize: def.DrvEltSize, NumElts: def.DrvNumElts, Head: def.DrvHead, Data: def.DrvData},
		RX: Queue{EltSize: def.DevEltSize, NumElts: def.DevNumElts, Head: def.DevHead, Data: def.DevData},
		IO: io,
	}

	head := Head{Status: HeadReady}
	hrec := head.encode()
	if err := shmem.BlockWrite(io, sq.TX.Head, hrec[:]); err != nil {
		return nil, nil, err
	}

	return sq, &def, nil
}

func (sq *Queues) readHead(off uint64) (Head, error) {
	var buf [headSize]byte
	if err := shmem.BlockRead(sq.IO, off, buf[:]); err != nil {
		return Head{}, err
	}
	return decodeHead(buf[:]), nil
}

func (sq *Queues) writeHead(off uint64, h Head) error {
	buf := h.encode()
	return shmem.BlockWrite(sq.IO, off, buf[:])
}

// Send writes one record into the local transmit queue. The element data
// lands in shared memory before the write index advances, so the consumer
// never observes a published index ahead of its bytes.
func (sq *Queues) Send(msg []byte) error {
	if len(msg) > int(sq.TX.EltSize) {
		return fmt.Errorf("ampqueue: message size %d exceeds element size %d", len(msg), sq.TX.EltSize)
	}

	other, err := sq.readHead(sq.RX.Head)
	if err != nil {
		return err
	}
	tail := uint8(other.RIdx)

	local, err := sq.readHead(sq.TX.Head)
	if err != nil {
		return err
	}

	next := uint8(local.WIdx) + 1
	if next == uint8(sq.TX.NumElts) {
		next = 0
	}
	if next == tail {
		return ErrQueueFull
	}

	off := sq.TX.Data + uint64(local.WIdx)*uint64(sq.TX.EltSize)
	if err := shmem.BlockWrite(sq.IO, off, msg); err != nil {
		return err
	}

	local.WIdx = uint16(next)
	return sq.writeHead(sq.TX.Head, local)
}

// Receive copies one record out of the receive queue into msg. The read
// index advances only after the element has been copied out.
func (sq *Queues) Receive(msg []byte) error {
	if len(msg) > int(sq.RX.EltSize) {
		return fmt.Errorf("ampqueue: buffer size %d exceeds element size %d", len(msg), sq.RX.EltSize)
	}

	other, err := sq.readHead(sq.RX.Head)
	if err != nil {
		return err
	}
	tail := uint8(other.WIdx)

	local, err := sq.readHead(sq.TX.Head)
	if err != nil {
		return err
	}
	head := uint8(local.RIdx)

	if head == tail {
		return ErrQueueEmpty
	}

	off := sq.RX.Data + uint64(head)*uint64(sq.RX.EltSize)
	if err := shmem.BlockRead(sq.IO, off, msg); err != nil {
		return err
	}

	head++
	if head == uint8(sq.RX.NumElts) {
		head = 0
	}

	local.RIdx = uint16(head)
	return sq.writeHead(sq.TX.Head, local)
}

// Connect re-asserts the ready bit in the local head, preserving the
// indices so a reconnect does not disturb in-flight records.
func (sq *Queues) Connect() error {
	local, err := sq.readHead(sq.TX.Head)
	if err != nil {
		return err
	}
	local.Status |= HeadReady
	return sq.writeHead(sq.TX.Head, local)
}

// PeerReady reports whether the opposite peer has marked its head ready.
func (sq *Queues) PeerReady() (bool, error) {
	other, err := sq.readHead(sq.RX.Head)
	if err != nil {
		return false, err
	}
	return other.Status&HeadReady != 0, nil
}
