package driver

import (
	"context"
	"fmt"
	"testing"
	"testing/fstest"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/efficientgo/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPeripheral struct {
	dev USBDevice
}

func (p stubPeripheral) ID() bridge.PeripheralID                   { return p.dev.ID() }
func (stubPeripheral) Claim() error                                { return nil }
func (stubPeripheral) Release() error                              { return nil }
func (stubPeripheral) Reset() error                                { return nil }
func (stubPeripheral) Read(context.Context, []byte) (int, error)  { return 0, nil }
func (stubPeripheral) Write(context.Context, []byte) (int, error) { return 0, nil }
func (stubPeripheral) Close() error                                { return nil }

type stubOpener struct {
	failures map[bridge.PeripheralID]int
	opened   []USBDevice
}

func (o *stubOpener) Open(dev USBDevice) (bridge.Peripheral, error) {
	if o.failures[dev.ID()] > 0 {
		o.failures[dev.ID()]--
		return nil, errors.New("access denied")
	}
	o.opened = append(o.opened, dev)
	return stubPeripheral{dev}, nil
}

type recorder struct {
	appeared []bridge.PeripheralID
	lost     []bridge.PeripheralID
}

func (r *recorder) callbacks() WatcherCallbacks {
	return WatcherCallbacks{
		Appeared: func(p bridge.Peripheral) { r.appeared = append(r.appeared, p.ID()) },
		Lost:     func(id bridge.PeripheralID) { r.lost = append(r.lost, id) },
	}
}

func addDevice(fsys fstest.MapFS, busId string, vendor, product string, bus, dev int) {
	dir := "bus/usb/devices/" + busId + "/"
	fsys[dir+"idVendor"] = &fstest.MapFile{Data: []byte(vendor + "\n")}
	fsys[dir+"idProduct"] = &fstest.MapFile{Data: []byte(product + "\n")}
	fsys[dir+"busnum"] = &fstest.MapFile{Data: []byte(fmt.Sprintf("%d\n", bus))}
	fsys[dir+"devnum"] = &fstest.MapFile{Data: []byte(fmt.Sprintf("%d\n", dev))}
}

func removeDevice(fsys fstest.MapFS, busId string) {
	dir := "bus/usb/devices/" + busId + "/"
	for _, attr := range []string{"idVendor", "idProduct", "busnum", "devnum"} {
		delete(fsys, dir+attr)
	}
}

func TestWatcherHotplug(t *testing.T) {
	fsys := fstest.MapFS{}
	addDevice(fsys, "1-1", "1d6b", "0002", 1, 1)
	addDevice(fsys, "1-4", "07a6", "8515", 1, 7)

	filter := Filter{Signatures: []Signature{{0x07a6, 0x8515}}}
	opener := &stubOpener{failures: map[bridge.PeripheralID]int{}}
	rec := &recorder{}
	w := NewWatcher(fsys, filter, opener, 0, rec.callbacks(), nil)

	w.Scan()
	assert.Equal(t, []bridge.PeripheralID{{Bus: 1, Address: 7}}, rec.appeared)
	assert.Empty(t, rec.lost)

	// nothing changed
	w.Scan()
	assert.Len(t, rec.appeared, 1)

	// replugged: new address
	removeDevice(fsys, "1-4")
	addDevice(fsys, "1-4", "07a6", "8515", 1, 8)
	w.Scan()
	assert.Equal(t, []bridge.PeripheralID{{Bus: 1, Address: 7}}, rec.lost)
	assert.Equal(t, []bridge.PeripheralID{{Bus: 1, Address: 7}, {Bus: 1, Address: 8}}, rec.appeared)

	removeDevice(fsys, "1-4")
	w.Scan()
	assert.Equal(t, []bridge.PeripheralID{{Bus: 1, Address: 7}, {Bus: 1, Address: 8}}, rec.lost)
}

func TestWatcherRetriesFailedOpen(t *testing.T) {
	fsys := fstest.MapFS{}
	addDevice(fsys, "2-1", "07a6", "8515", 2, 3)

	opener := &stubOpener{failures: map[bridge.PeripheralID]int{{Bus: 2, Address: 3}: 2}}
	rec := &recorder{}
	w := NewWatcher(fsys, Filter{Signatures: []Signature{{0x07a6, 0x8515}}}, opener, 0, rec.callbacks(), nil)

	w.Scan()
	w.Scan()
	require.Empty(t, rec.appeared)
	w.Scan()
	assert.Equal(t, []bridge.PeripheralID{{Bus: 2, Address: 3}}, rec.appeared)
	assert.Len(t, opener.opened, 1)
}

func TestWatcherAddressReuse(t *testing.T) {
	fsys := fstest.MapFS{}
	addDevice(fsys, "2-1", "07a6", "8515", 2, 3)
	sigs := []Signature{{0x07a6, 0x8515}, {0x07a6, 0x8516}}
	rec := &recorder{}
	w := NewWatcher(fsys, Filter{Signatures: sigs}, &stubOpener{}, 0, rec.callbacks(), nil)
	w.Scan()

	// a different model took over the same bus address between scans
	removeDevice(fsys, "2-1")
	addDevice(fsys, "2-2", "07a6", "8516", 2, 3)
	w.Scan()
	assert.Equal(t, []bridge.PeripheralID{{Bus: 2, Address: 3}}, rec.lost)
	assert.Len(t, rec.appeared, 2)
}
