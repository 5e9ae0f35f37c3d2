package virtio

import (
	"errors"
	"testing"

	"github.com/tinyrange/ampmsg/internal/ampqueue"
	"github.com/tinyrange/ampmsg/internal/shmem"
)

const testBusID = uint16(7)

var testDeviceID = DeviceID{Device: 0x0007, Vendor: 0x1234, Version: 1}

type busHarness struct {
	msgWin *shmem.Window
	shmWin *shmem.Window

	devBus *Bus
	drvBus *Bus

	devNotifies int
	drvNotifies int

	devDev *Device
	drvDev *Device
}

// newBusHarness stands up both ends of a bus over one window pair, with a
// device registered on each side under the same bus id.
func newBusHarness(t *testing.T) *busHarness {
	t.Helper()

	h := &busHarness{
		msgWin: shmem.NewWindow(make([]byte, 4096), 0x20000000),
		shmWin: shmem.NewWindow(make([]byte, 0x4000), testShmBase),
	}

	devBus, err := NewBus(BusCfg{
		Msg:  h.msgWin,
		Shm:  h.shmWin,
		Role: RoleDevice,
		Notify: func(*Bus) error {
			h.devNotifies++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("device NewBus: %v", err)
	}
	h.devBus = devBus

	drvBus, err := NewBus(BusCfg{
		Msg:  h.msgWin,
		Shm:  h.shmWin,
		Role: RoleDriver,
		Notify: func(*Bus) error {
			h.drvNotifies++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("driver NewBus: %v", err)
	}
	h.drvBus = drvBus

	h.devDev = NewDevice(testBusID, testDeviceID, RoleDevice, 1)
	h.devDev.Config = make([]byte, 16)
	if err := devBus.Register(h.devDev); err != nil {
		t.Fatal(err)
	}

	h.drvDev = NewDevice(testBusID, DeviceID{}, RoleDriver, 1)
	h.drvDev.Config = make([]byte, 16)
	if err := drvBus.Register(h.drvDev); err != nil {
		t.Fatal(err)
	}

	if err := devBus.Connect(); err != nil {
		t.Fatalf("device connect: %v", err)
	}
	if err := drvBus.Connect(); err != nil {
		t.Fatalf("driver connect: %v", err)
	}
	h.devNotifies = 0
	h.drvNotifies = 0
	return h
}

// pump lets each bus drain everything its peer sent.
func (h *busHarness) pump(t *testing.T) {
	t.Helper()
	for {
		devErr := h.devBus.Receive()
		drvErr := h.drvBus.Receive()
		devEmpty := errors.Is(devErr, ampqueue.ErrQueueEmpty)
		drvEmpty := errors.Is(drvErr, ampqueue.ErrQueueEmpty)
		if devErr != nil && !devEmpty {
			t.Fatalf("device receive: %v", devErr)
		}
		if drvErr != nil && !drvEmpty {
			t.Fatalf("driver receive: %v", drvErr)
		}
		if devEmpty && drvEmpty {
			return
		}
	}
}

func TestBusConfigValidation(t *testing.T) {
	shm := shmem.NewWindow(make([]byte, 4096), testShmBase)

	cases := []struct {
		name string
		cfg  BusCfg
	}{
		{"NoMsgWindow", BusCfg{Shm: shm, Role: RoleDevice}},
		{"NoDataWindow", BusCfg{Msg: shmem.NewWindow(make([]byte, 4096), 0x20000000), Role: RoleDevice}},
		{"ZeroPhys", BusCfg{
			Msg:  shmem.NewWindow(make([]byte, 4096), 0),
			Shm:  shm,
			Role: RoleDevice,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBus(tc.cfg); !errors.Is(err, ErrConfig) {
				t.Fatalf("NewBus: %v", err)
			}
		})
	}
}

func TestDriverInitBeforeDevice(t *testing.T) {
	cfg := BusCfg{
		Msg:  shmem.NewWindow(make([]byte, 4096), 0x20000000),
		Shm:  shmem.NewWindow(make([]byte, 4096), testShmBase),
		Role: RoleDriver,
	}
	if _, err := NewBus(cfg); !errors.Is(err, ampqueue.ErrDef) {
		t.Fatalf("driver init on virgin window: %v", err)
	}
}

func TestReceiveBeforeConnect(t *testing.T) {
	devBus, err := NewBus(BusCfg{
		Msg:  shmem.NewWindow(make([]byte, 4096), 0x20000000),
		Shm:  shmem.NewWindow(make([]byte, 4096), testShmBase),
		Role: RoleDevice,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := devBus.Receive(); !errors.Is(err, ErrBadState) {
		t.Fatalf("receive before connect: %v", err)
	}
}

func TestConnectNotifies(t *testing.T) {
	h := newBusHarness(t)

	// A reconnect of the device role emits one more notify; the driver
	// role never notifies on connect.
	if err := h.devBus.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := h.drvBus.Connect(); err != nil {
		t.Fatal(err)
	}
	if h.devNotifies != 1 || h.drvNotifies != 0 {
		t.Fatalf("notifies dev=%d drv=%d", h.devNotifies, h.drvNotifies)
	}
}

func TestDeviceInfoRoundTrip(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.RequestDeviceInfo(testBusID); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatalf("device receive: %v", err)
	}
	if err := h.drvBus.Receive(); err != nil {
		t.Fatalf("driver receive: %v", err)
	}

	if h.drvDev.ID != testDeviceID {
		t.Fatalf("driver cache %+v, want %+v", h.drvDev.ID, testDeviceID)
	}
	// Request and response each fired exactly one notify.
	if h.drvNotifies != 1 || h.devNotifies != 1 {
		t.Fatalf("notifies dev=%d drv=%d", h.devNotifies, h.drvNotifies)
	}
}

func TestSetFeaturesEcho(t *testing.T) {
	h := newBusHarness(t)

	var f [FeatureWords]uint32
	f[0] = 0xCAFEBABE
	if err := h.drvBus.RequestSetFeatures(testBusID, 0, f); err != nil {
		t.Fatal(err)
	}
	h.pump(t)

	if h.devDev.Features[0] != 0xCAFEBABE {
		t.Fatalf("device stored %#x", h.devDev.Features[0])
	}
	if h.drvDev.Features[0] != 0xCAFEBABE {
		t.Fatalf("echo did not reach driver cache: %#x", h.drvDev.Features[0])
	}

	// A fresh GET_FEATURES agrees.
	h.drvDev.Features = [FeatureWords]uint32{}
	if err := h.drvBus.RequestGetFeatures(testBusID, 0); err != nil {
		t.Fatal(err)
	}
	h.pump(t)
	if h.drvDev.Features[0] != 0xCAFEBABE {
		t.Fatalf("get features returned %#x", h.drvDev.Features[0])
	}
}

func TestFeaturesIndexUnsupported(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.RequestGetFeatures(testBusID, 1); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("non-zero feature index: %v", err)
	}
}

func TestStatusGate(t *testing.T) {
	h := newBusHarness(t)

	var f [FeatureWords]uint32
	f[0] = 0x1
	if err := h.drvBus.RequestSetFeatures(testBusID, 0, f); err != nil {
		t.Fatal(err)
	}
	h.pump(t)

	if err := h.drvBus.RequestSetStatus(testBusID, StatusAcknowledge); err != nil {
		t.Fatal(err)
	}
	h.pump(t)
	if h.devDev.Status != StatusAcknowledge {
		t.Fatalf("status %#x", h.devDev.Status)
	}

	// With a non-zero status the feature write must bounce and leave the
	// cached features alone.
	f[0] = 0xFFFF
	if err := h.drvBus.RequestSetFeatures(testBusID, 0, f); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); !errors.Is(err, ErrBadState) {
		t.Fatalf("feature write after status: %v", err)
	}
	if h.devDev.Features[0] != 0x1 {
		t.Fatalf("features mutated to %#x", h.devDev.Features[0])
	}
}

func TestStatusReadBack(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.RequestSetStatus(testBusID, StatusAcknowledge|StatusDriver); err != nil {
		t.Fatal(err)
	}
	h.pump(t)
	if err := h.drvBus.RequestGetStatus(testBusID); err != nil {
		t.Fatal(err)
	}
	h.pump(t)

	if h.drvDev.Status != StatusAcknowledge|StatusDriver {
		t.Fatalf("driver sees status %#x", h.drvDev.Status)
	}
}

func TestUnknownDeviceIDConsumesSlot(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.RequestDeviceInfo(99); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatalf("unknown dev id must not error: %v", err)
	}
	// The slot is consumed and nothing was dispatched or answered.
	if err := h.devBus.Receive(); !errors.Is(err, ampqueue.ErrQueueEmpty) {
		t.Fatalf("second receive: %v", err)
	}
	if err := h.drvBus.Receive(); !errors.Is(err, ampqueue.ErrQueueEmpty) {
		t.Fatalf("no response expected: %v", err)
	}
	if h.devDev.Status != 0 || h.devDev.Features != ([FeatureWords]uint32{}) {
		t.Fatal("device state disturbed")
	}
}

func TestUnknownMessageID(t *testing.T) {
	h := newBusHarness(t)

	var raw [MsgSize]byte
	raw[1] = 0x7F
	if err := h.drvBus.sq.Send(raw[:]); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestQueueFullSurfaces(t *testing.T) {
	h := newBusHarness(t)

	// Default queue depth is 4, so three sends fill the direction.
	for i := 0; i < 3; i++ {
		if err := h.drvBus.RequestSetStatus(testBusID, StatusAcknowledge); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	err := h.drvBus.RequestSetStatus(testBusID, StatusAcknowledge)
	if !errors.Is(err, ampqueue.ErrQueueFull) {
		t.Fatalf("4th send: %v", err)
	}

	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}
	if err := h.drvBus.RequestSetStatus(testBusID, StatusAcknowledge); err != nil {
		t.Fatalf("retry after drain: %v", err)
	}
}

func TestSetVqueueBinding(t *testing.T) {
	h := newBusHarness(t)

	req := SetVqueueReq{
		Index:          0,
		Size:           16,
		DescriptorAddr: 0x80000000,
		DriverAddr:     0x80000400,
		DeviceAddr:     0x80000800,
	}
	if err := h.drvBus.RequestSetVqueue(testBusID, req); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}

	vq, err := h.devDev.VRing(0)
	if err != nil {
		t.Fatal(err)
	}
	if !vq.Bound() || vq.Size != 16 {
		t.Fatalf("vring not bound: %+v", vq)
	}
	if vq.DescTableAddr != 0x80000000 || vq.AvailRingAddr != 0x80000400 || vq.UsedRingAddr != 0x80000800 {
		t.Fatalf("ring bases %#x %#x %#x", vq.DescTableAddr, vq.AvailRingAddr, vq.UsedRingAddr)
	}
	if vq.Align != 4096 {
		t.Fatalf("alignment %d", vq.Align)
	}

	// SET_VQUEUE has no response.
	if err := h.drvBus.Receive(); !errors.Is(err, ampqueue.ErrQueueEmpty) {
		t.Fatalf("unexpected response: %v", err)
	}

	t.Run("BadIndex", func(t *testing.T) {
		req.Index = 5
		if err := h.drvBus.RequestSetVqueue(testBusID, req); err != nil {
			t.Fatal(err)
		}
		if err := h.devBus.Receive(); !errors.Is(err, ErrInvalidArg) {
			t.Fatalf("out-of-range vring index: %v", err)
		}
	})
}

func TestGetVqueueMaxSize(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.RequestGetVqueue(testBusID, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}

	var rec [MsgSize]byte
	if err := h.drvBus.sq.Receive(rec[:]); err != nil {
		t.Fatal(err)
	}
	m, err := DecodeMessage(rec[:])
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsResponse() || m.ID != MsgGetVqueue {
		t.Fatalf("response header %+v", m)
	}
	if resp := m.GetVqueueResp(); resp.MaxSize != 0x10 {
		t.Fatalf("max size %d", resp.MaxSize)
	}
}

func bindVring0(t *testing.T, h *busHarness) {
	t.Helper()
	err := h.drvBus.RequestSetVqueue(testBusID, SetVqueueReq{
		Index:          0,
		Size:           16,
		DescriptorAddr: testDescAddr,
		DriverAddr:     testAvailAddr,
		DeviceAddr:     testUsedAddr,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}
	h.devNotifies = 0
	h.drvNotifies = 0
}

func TestEventAvailFiresCallback(t *testing.T) {
	h := newBusHarness(t)
	bindVring0(t, h)

	calls := 0
	vq, _ := h.devDev.VRing(0)
	vq.Callback = func(q *VirtQueue) {
		if q.Index != 0 {
			t.Errorf("callback for vq %d", q.Index)
		}
		calls++
	}

	if err := h.drvBus.SendEventAvail(testBusID, EventAvailReq{VqIdx: 0}); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times", calls)
	}
}

func TestKickSendsEventUsed(t *testing.T) {
	h := newBusHarness(t)
	bindVring0(t, h)

	vq, _ := h.devDev.VRing(0)
	if err := vq.Kick(); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if h.devNotifies != 1 {
		t.Fatalf("notify hook observed %d calls", h.devNotifies)
	}

	var rec [MsgSize]byte
	if err := h.drvBus.sq.Receive(rec[:]); err != nil {
		t.Fatal(err)
	}
	m, err := DecodeMessage(rec[:])
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != MsgEventUsed || m.IsResponse() || m.DevID != testBusID {
		t.Fatalf("record %+v", m)
	}
	if m.VqIndex() != 0 {
		t.Fatalf("vq idx %d", m.VqIndex())
	}
	if err := h.drvBus.sq.Receive(rec[:]); !errors.Is(err, ampqueue.ErrQueueEmpty) {
		t.Fatalf("extra record after kick: %v", err)
	}
}

func TestEventUsedFiresDriverCallback(t *testing.T) {
	h := newBusHarness(t)
	bindVring0(t, h)

	calls := 0
	vq, _ := h.drvDev.VRing(0)
	vq.Callback = func(*VirtQueue) { calls++ }

	devVq, _ := h.devDev.VRing(0)
	if err := devVq.Kick(); err != nil {
		t.Fatal(err)
	}
	if err := h.drvBus.Receive(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("driver callback ran %d times", calls)
	}
}

func TestResetVqueue(t *testing.T) {
	h := newBusHarness(t)
	bindVring0(t, h)

	if err := h.drvBus.RequestResetVqueue(testBusID, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}

	vq, _ := h.devDev.VRing(0)
	if vq.Bound() {
		t.Fatal("vring still bound after reset")
	}
}

func TestConfigSpace(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.RequestSetConfig(testBusID, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	h.pump(t)

	if got := h.devDev.Config[4:8]; got[0] != 1 || got[3] != 4 {
		t.Fatalf("device config %v", got)
	}
	if h.devDev.Generation != 1 {
		t.Fatalf("generation %d", h.devDev.Generation)
	}
	// The echo landed in the driver's cached config too.
	if got := h.drvDev.Config[4:8]; got[0] != 1 || got[3] != 4 {
		t.Fatalf("driver config cache %v", got)
	}

	if err := h.drvBus.RequestGetConfigGen(testBusID); err != nil {
		t.Fatal(err)
	}
	h.pump(t)
	if h.drvDev.Generation != 1 {
		t.Fatalf("driver sees generation %d", h.drvDev.Generation)
	}

	t.Run("GetConfig", func(t *testing.T) {
		h.drvDev.Config[4] = 0
		if err := h.drvBus.RequestGetConfig(testBusID, 4, 4); err != nil {
			t.Fatal(err)
		}
		h.pump(t)
		if h.drvDev.Config[4] != 1 {
			t.Fatalf("get config returned %v", h.drvDev.Config[4:8])
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		// An out-of-range access is logged and dropped without a reply.
		if err := h.drvBus.RequestGetConfig(testBusID, 14, 8); err != nil {
			t.Fatal(err)
		}
		if err := h.devBus.Receive(); err != nil {
			t.Fatalf("bad config access must not error the bus: %v", err)
		}
		if err := h.drvBus.Receive(); !errors.Is(err, ampqueue.ErrQueueEmpty) {
			t.Fatalf("unexpected reply: %v", err)
		}
	})
}

func TestEventConfigUpdatesCache(t *testing.T) {
	h := newBusHarness(t)

	ev := EventConfigReq{Status: uint64(StatusNeedsReset), Offset: 0, Size: 2}
	ev.Value[0] = 0xAA
	ev.Value[1] = 0xBB
	if err := h.devBus.SendEventConfig(testBusID, ev); err != nil {
		t.Fatal(err)
	}
	if err := h.drvBus.Receive(); err != nil {
		t.Fatal(err)
	}

	if h.drvDev.Config[0] != 0xAA || h.drvDev.Config[1] != 0xBB {
		t.Fatalf("driver config %v", h.drvDev.Config[0:2])
	}
	if h.drvDev.Status != StatusNeedsReset {
		t.Fatalf("driver status %#x", h.drvDev.Status)
	}
}

func TestDisconnect(t *testing.T) {
	h := newBusHarness(t)

	if err := h.drvBus.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if h.drvBus.State() != StateDisconnected {
		t.Fatalf("driver state %v", h.drvBus.State())
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatalf("device receive of disconnect: %v", err)
	}
	// A disconnected bus refuses further traffic from its own side.
	if err := h.drvBus.Receive(); !errors.Is(err, ErrBadState) {
		t.Fatalf("receive after disconnect: %v", err)
	}
}

func TestConnectRequestAnswered(t *testing.T) {
	h := newBusHarness(t)

	msg := Message{Type: TypeBus, ID: MsgConnect}
	rec := msg.Encode()
	if err := h.drvBus.sq.Send(rec[:]); err != nil {
		t.Fatal(err)
	}
	if err := h.devBus.Receive(); err != nil {
		t.Fatal(err)
	}

	var raw [MsgSize]byte
	if err := h.drvBus.sq.Receive(raw[:]); err != nil {
		t.Fatal(err)
	}
	m, err := DecodeMessage(raw[:])
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsBus() || !m.IsResponse() || m.ID != MsgConnect {
		t.Fatalf("connect reply %+v", m)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	h := newBusHarness(t)

	dup := NewDevice(testBusID, testDeviceID, RoleDevice, 1)
	if err := h.devBus.Register(dup); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("duplicate register: %v", err)
	}
}

func TestWaitPeerReady(t *testing.T) {
	msgWin := shmem.NewWindow(make([]byte, 4096), 0x20000000)
	shmWin := shmem.NewWindow(make([]byte, 4096), testShmBase)

	devBus, err := NewBus(BusCfg{Msg: msgWin, Shm: shmWin, Role: RoleDevice})
	if err != nil {
		t.Fatal(err)
	}
	if err := devBus.Connect(); err != nil {
		t.Fatal(err)
	}

	// The driver head is written by driver-side bootstrap, so the wait
	// succeeds as soon as the peer bus exists.
	if _, err := NewBus(BusCfg{Msg: msgWin, Shm: shmWin, Role: RoleDriver}); err != nil {
		t.Fatal(err)
	}
	if err := devBus.WaitPeerReady(0); err != nil {
		t.Fatalf("WaitPeerReady: %v", err)
	}
}
