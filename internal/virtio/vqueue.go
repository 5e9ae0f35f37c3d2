package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/ampmsg/internal/shmem"
)

// Constants fixed by the bus protocol.
const (
	// VqueueMaxSize is the largest ring the bus advertises.
	VqueueMaxSize = 0x10

	// VqueueAlign is the ring alignment recorded at binding time.
	VqueueAlign = 4096
)

const (
	vringDescFNext  uint16 = 1
	vringDescFWrite uint16 = 2

	descSize = 16
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Buffer is one element of a resolved descriptor chain.
type Buffer struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is a local view of one virtio ring triple. It is created with
// the device and becomes bound once the remote driver supplies the ring
// base addresses via SET_VQUEUE. Ring addresses are peer addresses inside
// the data window; accesses translate them against the window's base.
type VirtQueue struct {
	Index   uint32
	Size    uint16
	MaxSize uint16
	Align   uint32

	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	// Callback runs when the peer signals the queue (EVENT_AVAIL on a
	// device-role peer, EVENT_USED on a driver-role one).
	Callback func(*VirtQueue)

	bound bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem  shmem.Region
	base uint64

	notify func(*VirtQueue) error
}

func newVirtQueue(index uint32, maxSize uint16) *VirtQueue {
	return &VirtQueue{Index: index, MaxSize: maxSize}
}

// Bound reports whether the remote driver has configured the ring.
func (q *VirtQueue) Bound() bool { return q.bound }

// bind attaches the ring addresses supplied by the remote driver. mem is
// the bus data window and base its peer-visible address; the three ring
// addresses must land inside the window.
func (q *VirtQueue) bind(req SetVqueueReq, mem shmem.Region, base uint64, notify func(*VirtQueue) error) error {
	if req.Size == 0 || req.Size > uint32(q.MaxSize) {
		return fmt.Errorf("%w: vqueue size %d (max %d)", ErrInvalidArg, req.Size, q.MaxSize)
	}
	size := uint16(req.Size)

	// Ring structure footprints per the virtio layout.
	descBytes := uint64(size) * descSize
	availBytes := uint64(4 + 2*size)
	usedBytes := uint64(4 + 8*size)

	for _, r := range []struct {
		name string
		addr uint64
		n    uint64
	}{
		{"descriptor", req.DescriptorAddr, descBytes},
		{"driver", req.DriverAddr, availBytes},
		{"device", req.DeviceAddr, usedBytes},
	} {
		if r.addr < base || r.addr+r.n > base+mem.Size() {
			return fmt.Errorf("%w: %s ring %#x+%d outside data window %#x+%d",
				ErrInvalidArg, r.name, r.addr, r.n, base, mem.Size())
		}
	}

	q.Size = size
	q.Align = VqueueAlign
	q.DescTableAddr = req.DescriptorAddr
	q.AvailRingAddr = req.DriverAddr
	q.UsedRingAddr = req.DeviceAddr
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.mem = mem
	q.base = base
	q.notify = notify
	q.bound = true
	return nil
}

// Reset returns the queue to its unbound state.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Align = 0
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.mem = nil
	q.base = 0
	q.notify = nil
	q.bound = false
}

func (q *VirtQueue) ensureBound() error {
	if !q.bound || q.Size == 0 || q.mem == nil {
		return fmt.Errorf("%w: vqueue %d not bound", ErrBadState, q.Index)
	}
	return nil
}

func (q *VirtQueue) readInto(addr uint64, buf []byte) error {
	return shmem.BlockRead(q.mem, addr-q.base, buf)
}

func (q *VirtQueue) writeFrom(addr uint64, data []byte) error {
	return shmem.BlockWrite(q.mem, addr-q.base, data)
}

// ReadDescriptor reads one descriptor table entry.
func (q *VirtQueue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureBound(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("%w: descriptor index %d (size %d)", ErrInvalidArg, idx, q.Size)
	}

	var buf [descSize]byte
	if err := q.readInto(q.DescTableAddr+uint64(idx)*descSize, buf[:]); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopAvail consumes the next available-ring entry. It returns the head of
// the descriptor chain and whether one was pending.
func (q *VirtQueue) PopAvail() (head uint16, ok bool, err error) {
	if err := q.ensureBound(); err != nil {
		return 0, false, err
	}

	availIdx, err := q.read16(q.AvailRingAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	head, err = q.read16(q.AvailRingAddr + 4 + uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}

	q.lastAvailIdx++
	return head, true, nil
}

// DescriptorChain resolves the chain starting at head into its buffers.
// Traversal is capped at the ring size to survive a corrupt next loop.
func (q *VirtQueue) DescriptorChain(head uint16) ([]Buffer, error) {
	if err := q.ensureBound(); err != nil {
		return nil, err
	}

	var bufs []Buffer
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return bufs, err
		}
		bufs = append(bufs, Buffer{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.Flags&vringDescFWrite != 0,
		})
		if desc.Flags&vringDescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return bufs, nil
}

// PushUsed publishes one used element: the chain head and the total number
// of bytes written into it. The element lands before the used index moves.
func (q *VirtQueue) PushUsed(head uint16, length uint32) error {
	if err := q.ensureBound(); err != nil {
		return err
	}

	slot := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	if err := q.write32(slot, uint32(head)); err != nil {
		return err
	}
	if err := q.write32(slot+4, length); err != nil {
		return err
	}

	q.usedIdx++
	return q.write16(q.UsedRingAddr+2, q.usedIdx)
}

// ReadBuffer copies length bytes from a chain buffer in the data window.
func (q *VirtQueue) ReadBuffer(addr uint64, length uint32) ([]byte, error) {
	if err := q.ensureBound(); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBuffer copies data into a chain buffer in the data window.
func (q *VirtQueue) WriteBuffer(addr uint64, data []byte) error {
	if err := q.ensureBound(); err != nil {
		return err
	}
	return q.writeFrom(addr, data)
}

// Kick signals the peer that used elements were published. On a bound
// queue this sends EVENT_USED through the owning bus.
func (q *VirtQueue) Kick() error {
	if err := q.ensureBound(); err != nil {
		return err
	}
	if q.notify == nil {
		return fmt.Errorf("%w: vqueue %d has no notify path", ErrBadState, q.Index)
	}
	return q.notify(q)
}

func (q *VirtQueue) read16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) write16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func (q *VirtQueue) write32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return q.writeFrom(addr, buf[:])
}
