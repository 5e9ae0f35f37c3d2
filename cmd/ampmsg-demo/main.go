//go:build linux

// Command ampmsg-demo runs both ends of a virtio-msg bus inside one
// process: a device peer and a driver peer share a pair of mapped windows
// and signal each other through channel doorbells. The driver discovers
// the device, negotiates features, binds a virtqueue laid out in the data
// window and sends one buffer chain; the device echoes it back through the
// used ring.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ampmsg/internal/ampqueue"
	"github.com/tinyrange/ampmsg/internal/shmem"
	"github.com/tinyrange/ampmsg/internal/virtio"
)

type demoConfig struct {
	MsgSize uint64 `yaml:"msg_size"`
	ShmSize uint64 `yaml:"shm_size"`
	RxElts  uint16 `yaml:"rx_elts"`
	TxElts  uint16 `yaml:"tx_elts"`

	Device struct {
		BusID    uint16 `yaml:"bus_id"`
		DeviceID uint32 `yaml:"device_id"`
		VendorID uint32 `yaml:"vendor_id"`
		Version  uint32 `yaml:"version"`
	} `yaml:"device"`

	Payload string `yaml:"payload"`
}

func defaultConfig() demoConfig {
	var cfg demoConfig
	cfg.MsgSize = 4096
	cfg.ShmSize = 0x8000
	cfg.RxElts = 4
	cfg.TxElts = 4
	cfg.Device.BusID = 7
	cfg.Device.DeviceID = 0x0007
	cfg.Device.VendorID = 0x1234
	cfg.Device.Version = 1
	cfg.Payload = "hello from the driver peer"
	return cfg
}

func loadConfig(path string) (demoConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Data-window layout the driver peer chooses. Rings sit on the ring
// alignment; the buffer area follows.
const (
	shmPhys = uint64(0x80000000)
	msgPhys = uint64(0x20000000)

	descOff  = uint64(0)
	availOff = uint64(0x1000)
	usedOff  = uint64(0x2000)
	bufOff   = uint64(0x3000)

	outBufLen = 0x100
	inBufLen  = 0x100
)

// doorbell is the in-process stand-in for a doorbell interrupt: a one-slot
// channel so repeated rings coalesce like a level interrupt.
type doorbell chan struct{}

func (d doorbell) ring() {
	select {
	case d <- struct{}{}:
	default:
	}
}

func (d doorbell) wait(ctx context.Context) error {
	select {
	case <-d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain processes everything currently pending on the bus.
func drain(bus *virtio.Bus) error {
	for {
		err := bus.Receive()
		if errors.Is(err, ampqueue.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML peer configuration")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	msgWin, err := shmem.MapAnonymous(cfg.MsgSize, msgPhys)
	if err != nil {
		return err
	}
	defer msgWin.Unmap()

	shmWin, err := shmem.MapAnonymous(cfg.ShmSize, shmPhys)
	if err != nil {
		return err
	}
	defer shmWin.Unmap()

	devBell := make(doorbell, 1)
	drvBell := make(doorbell, 1)

	// Each peer's notify hook rings the other peer's doorbell.
	devBus, err := virtio.NewBus(virtio.BusCfg{
		Msg:    &msgWin.Window,
		Shm:    &shmWin.Window,
		RxElts: cfg.RxElts,
		TxElts: cfg.TxElts,
		Role:   virtio.RoleDevice,
		Notify: func(*virtio.Bus) error { drvBell.ring(); return nil },
	})
	if err != nil {
		return fmt.Errorf("device bus: %w", err)
	}

	drvBus, err := virtio.NewBus(virtio.BusCfg{
		Msg:    &msgWin.Window,
		Shm:    &shmWin.Window,
		Role:   virtio.RoleDriver,
		Notify: func(*virtio.Bus) error { devBell.ring(); return nil },
	})
	if err != nil {
		return fmt.Errorf("driver bus: %w", err)
	}

	id := virtio.DeviceID{
		Device:  cfg.Device.DeviceID,
		Vendor:  cfg.Device.VendorID,
		Version: cfg.Device.Version,
	}

	dev := virtio.NewDevice(cfg.Device.BusID, id, virtio.RoleDevice, 1)
	dev.Config = make([]byte, 8)
	if err := devBus.Register(dev); err != nil {
		return err
	}

	drvDev := virtio.NewDevice(cfg.Device.BusID, virtio.DeviceID{}, virtio.RoleDriver, 1)
	drvDev.Config = make([]byte, 8)
	if err := drvBus.Register(drvDev); err != nil {
		return err
	}

	// The device echoes every chain: read the first buffer, copy it into
	// the writable one, publish used and kick.
	devVq, err := dev.VRing(0)
	if err != nil {
		return err
	}
	devVq.Callback = func(vq *virtio.VirtQueue) {
		for {
			head, ok, err := vq.PopAvail()
			if err != nil {
				slog.Error("device: pop avail", "err", err)
				return
			}
			if !ok {
				return
			}
			if err := echoChain(vq, head); err != nil {
				slog.Error("device: echo", "err", err)
				return
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return devicePeer(ctx, devBus, devBell) })
	g.Go(func() error {
		defer cancel()
		return driverPeer(ctx, drvBus, drvDev, &shmWin.Window, drvBell, cfg)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// echoChain copies the readable part of the chain into its writable part.
func echoChain(vq *virtio.VirtQueue, head uint16) error {
	bufs, err := vq.DescriptorChain(head)
	if err != nil {
		return err
	}

	var data []byte
	for _, b := range bufs {
		if b.IsWrite {
			continue
		}
		chunk, err := vq.ReadBuffer(b.Addr, b.Length)
		if err != nil {
			return err
		}
		data = append(data, chunk...)
	}

	written := uint32(0)
	for _, b := range bufs {
		if !b.IsWrite || len(data) == 0 {
			continue
		}
		n := int(b.Length)
		if n > len(data) {
			n = len(data)
		}
		if err := vq.WriteBuffer(b.Addr, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		written += uint32(n)
	}

	slog.Info("device: echoed chain", "head", head, "bytes", written)
	if err := vq.PushUsed(head, written); err != nil {
		return err
	}
	return vq.Kick()
}

// devicePeer connects and then serves doorbell-driven receives until the
// run context ends.
func devicePeer(ctx context.Context, bus *virtio.Bus, bell doorbell) error {
	if err := bus.Connect(); err != nil {
		return err
	}
	for {
		if err := bell.wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := drain(bus); err != nil {
			return err
		}
	}
}

// driverPeer walks the whole protocol once against the remote device.
func driverPeer(ctx context.Context, bus *virtio.Bus, dev *virtio.Device, shm *shmem.Window, bell doorbell, cfg demoConfig) error {
	if err := bus.Connect(); err != nil {
		return err
	}
	if err := bus.WaitPeerReady(time.Second); err != nil {
		return err
	}

	// step sends one request, then services doorbells until done reports
	// that the matching response has landed. Doorbell tokens coalesce, so
	// a stale ring may release the wait early; the predicate re-arms it.
	step := func(req func() error, done func() bool) error {
		if err := req(); err != nil {
			return err
		}
		for !done() {
			if err := bell.wait(ctx); err != nil {
				return err
			}
			if err := drain(bus); err != nil {
				return err
			}
		}
		return nil
	}

	busID := cfg.Device.BusID

	if err := step(
		func() error { return bus.RequestDeviceInfo(busID) },
		func() bool { return dev.ID.Device != 0 },
	); err != nil {
		return fmt.Errorf("device info: %w", err)
	}
	slog.Info("driver: discovered device",
		"device_id", fmt.Sprintf("%#x", dev.ID.Device),
		"vendor_id", fmt.Sprintf("%#x", dev.ID.Vendor),
		"version", dev.ID.Version)

	var features [virtio.FeatureWords]uint32
	features[0] = 1
	if err := step(
		func() error { return bus.RequestSetFeatures(busID, 0, features) },
		func() bool { return dev.Features[0] == 1 },
	); err != nil {
		return fmt.Errorf("set features: %w", err)
	}

	if err := bus.RequestSetStatus(busID,
		virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK); err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	// The GET_VQUEUE response carries only the advertised maximum; it
	// drains with a later doorbell.
	if err := bus.RequestGetVqueue(busID, 0); err != nil {
		return fmt.Errorf("get vqueue: %w", err)
	}

	writeVring(shm, cfg.Payload)

	if err := bus.RequestSetVqueue(busID, virtio.SetVqueueReq{
		Index:          0,
		Size:           virtio.VqueueMaxSize,
		DescriptorAddr: shmPhys + descOff,
		DriverAddr:     shmPhys + availOff,
		DeviceAddr:     shmPhys + usedOff,
	}); err != nil {
		return fmt.Errorf("set vqueue: %w", err)
	}

	if err := bus.RequestSetStatus(busID,
		virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK|virtio.StatusDriverOK); err != nil {
		return fmt.Errorf("driver ok: %w", err)
	}

	// One chain is already published in the available ring; tell the
	// device and wait until the used index moves.
	usedMoved := func() bool {
		return binary.LittleEndian.Uint16(shm.Bytes()[usedOff+2:]) != 0
	}
	if err := step(
		func() error { return bus.SendEventAvail(busID, virtio.EventAvailReq{VqIdx: 0}) },
		usedMoved,
	); err != nil {
		return fmt.Errorf("event avail: %w", err)
	}

	echoed := readEcho(shm)
	slog.Info("driver: echo returned", "payload", string(echoed))
	if string(echoed) != cfg.Payload {
		return fmt.Errorf("echo mismatch: %q", echoed)
	}

	return bus.Disconnect()
}

// writeVring lays out a one-chain ring in the data window: descriptor 0 is
// the readable payload, descriptor 1 the writable echo buffer.
func writeVring(shm *shmem.Window, payload string) {
	const (
		descFNext  = 1
		descFWrite = 2
	)

	buf := shm.Bytes()
	for i := range buf {
		buf[i] = 0
	}

	copy(buf[bufOff:], payload)

	desc := func(idx int, addr uint64, length uint32, flags, next uint16) {
		base := descOff + uint64(idx)*16
		binary.LittleEndian.PutUint64(buf[base:], addr)
		binary.LittleEndian.PutUint32(buf[base+8:], length)
		binary.LittleEndian.PutUint16(buf[base+12:], flags)
		binary.LittleEndian.PutUint16(buf[base+14:], next)
	}
	desc(0, shmPhys+bufOff, uint32(len(payload)), descFNext, 1)
	desc(1, shmPhys+bufOff+outBufLen, inBufLen, descFWrite, 0)

	// Available ring: one entry pointing at descriptor 0.
	binary.LittleEndian.PutUint16(buf[availOff+4:], 0)
	binary.LittleEndian.PutUint16(buf[availOff+2:], 1)
}

// readEcho pulls the echoed bytes back out of the writable buffer using
// the length the device published in the used ring.
func readEcho(shm *shmem.Window) []byte {
	buf := shm.Bytes()
	length := binary.LittleEndian.Uint32(buf[usedOff+8:])
	start := bufOff + outBufLen
	return buf[start : start+uint64(length)]
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ampmsg-demo: %v\n", err)
		os.Exit(1)
	}
}
