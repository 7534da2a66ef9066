// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	baseerrors "errors"
	"sync"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
)

const (
	bridgedConfig    = 1
	bridgedInterface = 0
	// endpoint numbers of 0x81 and 0x02
	inEndpoint  = 1
	outEndpoint = 2
)

// USBOpener opens tuning adapters through libusb.
type USBOpener struct {
	ctx    *gousb.Context
	logger log.Logger
}

func NewUSBOpener(logger log.Logger) (*USBOpener, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, err := newContext()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize USB")
	}
	return &USBOpener{ctx: ctx, logger: logger}, nil
}

// gousb panics if libusb cannot be initialized.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}

func (o *USBOpener) Close() error {
	return o.ctx.Close()
}

func (o *USBOpener) Open(dev USBDevice) (bridge.Peripheral, error) {
	devs, err := o.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == dev.Bus && desc.Address == dev.Address &&
			uint16(desc.Vendor) == uint16(dev.Vendor) && uint16(desc.Product) == uint16(dev.Product)
	})
	// OpenDevices reports errors of unrelated devices too
	if len(devs) == 0 {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open device %s", dev.BusId)
		}
		return nil, errors.Wrapf(bridge.ErrPeripheralGone, "device %s", dev.BusId)
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	usb := devs[0]
	if err := usb.SetAutoDetach(true); err != nil {
		_ = usb.Close()
		return nil, errors.Wrap(err, "failed to enable kernel driver auto-detach")
	}
	return &Device{
		info:   dev,
		usb:    usb,
		logger: log.With(o.logger, "bus", dev.Bus, "address", dev.Address),
	}, nil
}

// Device is an open tuning adapter.
type Device struct {
	info   USBDevice
	logger log.Logger

	mu   sync.Mutex
	usb  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (d *Device) ID() bridge.PeripheralID {
	return d.info.ID()
}

func (d *Device) Claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.intf != nil {
		return nil
	}
	cfg, err := d.usb.Config(bridgedConfig)
	if err != nil {
		return errors.Wrapf(mapError(err), "failed to select configuration %d", bridgedConfig)
	}
	intf, err := cfg.Interface(bridgedInterface, 0)
	if err != nil {
		_ = cfg.Close()
		return errors.Wrapf(mapError(err), "failed to claim interface %d", bridgedInterface)
	}
	in, err := intf.InEndpoint(inEndpoint)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return errors.Wrap(err, "failed to open bulk in endpoint")
	}
	out, err := intf.OutEndpoint(outEndpoint)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return errors.Wrap(err, "failed to open bulk out endpoint")
	}
	d.cfg, d.intf, d.in, d.out = cfg, intf, in, out
	_ = level.Debug(d.logger).Log("msg", "claimed interface", "interface", intf.String())
	return nil
}

func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseLocked()
}

func (d *Device) releaseLocked() error {
	var result error
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(mapError(err), "failed to release configuration"))
		}
	}
	d.cfg, d.intf, d.in, d.out = nil, nil, nil, nil
	return result
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usb.Reset(); err != nil {
		return errors.Wrap(mapError(err), "port reset failed")
	}
	return nil
}

func (d *Device) Read(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	in := d.in
	d.mu.Unlock()
	if in == nil {
		return 0, errors.New("interface not claimed")
	}
	n, err := in.ReadContext(ctx, buf)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

func (d *Device) Write(ctx context.Context, data []byte) (int, error) {
	d.mu.Lock()
	out := d.out
	d.mu.Unlock()
	if out == nil {
		return 0, errors.New("interface not claimed")
	}
	n, err := out.WriteContext(ctx, data)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result error
	if d.intf != nil {
		if err := d.releaseLocked(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := d.usb.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(mapError(err), "failed to close device"))
	}
	return result
}

// mapError marks errors caused by the device having been unplugged.
func mapError(err error) error {
	if baseerrors.Is(err, gousb.ErrorNoDevice) || baseerrors.Is(err, gousb.TransferNoDevice) {
		return errors.Wrapf(bridge.ErrPeripheralGone, "%v", err)
	}
	return err
}
