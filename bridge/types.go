// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
)

const (
	// TARecvBuffers is the number of reads kept outstanding against the
	// inbound bulk endpoint of a paired tuning adapter.
	TARecvBuffers = 5
	// RecvBufferSize is the size of a single inbound transfer buffer.
	RecvBufferSize = 16 * 1024

	DefaultWriteTimeout  = 10 * time.Second
	DefaultRPCTimeout    = 5 * time.Second
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultReenableDelay = 1 * time.Second
	DefaultCancelGrace   = 2 * time.Second

	DefaultControlDeviceType  = "urn:schemas-cablelabs-org:device:OCTA:1"
	DefaultControlServiceType = "urn:schemas-cablelabs-org:service:OCTA:1"
)

var (
	// ErrPeripheralGone is reported by a Peripheral whose device has been
	// physically removed. Transfers failing with it are not resubmitted.
	ErrPeripheralGone = errors.New("peripheral is gone")
	// ErrNoControlService is returned when an endpoint does not expose the
	// expected control sub-device or service.
	ErrNoControlService = errors.New("endpoint has no control service")

	ErrNoPairing       = errors.New("no pairing")
	ErrNotClaimed      = errors.New("tuning adapter interface not claimed yet")
	ErrResetInProgress = errors.New("reset already in progress")
)

// PeripheralID identifies an attached USB device. It is only stable while
// the device stays attached.
type PeripheralID struct {
	Bus     int `json:"bus" yaml:"bus"`
	Address int `json:"address" yaml:"address"`
}

func (id PeripheralID) String() string {
	return fmt.Sprintf("%03d/%03d", id.Bus, id.Address)
}

// Peripheral is a tuning adapter handle. All methods may block and are only
// ever called off the event loop.
type Peripheral interface {
	ID() PeripheralID
	// Claim claims the bridged interface and opens its bulk endpoints.
	Claim() error
	// Release releases the interface claimed by Claim.
	Release() error
	// Reset performs a USB port reset of the device.
	Reset() error
	// Read performs one bulk read from the inbound endpoint. It returns
	// when data arrives, the transfer fails or ctx is cancelled.
	Read(ctx context.Context, buf []byte) (int, error)
	// Write performs one bulk write to the outbound endpoint.
	Write(ctx context.Context, data []byte) (int, error)
	// Close disposes of the handle. The device must not be claimed.
	Close() error
}

// EventHandler receives the evented state variables of a control service.
// Calls may arrive on any goroutine.
type EventHandler interface {
	MessageReceived(msg string)
	CommunicationErrorChanged(failed bool)
}

type Subscription interface {
	Cancel(ctx context.Context) error
}

// ControlService is the remote device control service of a secure
// container.
type ControlService interface {
	// SendMessage delivers a base64 encoded payload to the device.
	SendMessage(ctx context.Context, msg string) error
	SetEnabled(ctx context.Context, enabled bool) error
	QueryEnabled(ctx context.Context) (bool, error)
	// ResetComplete tells the device that the adapter has been reset.
	ResetComplete(ctx context.Context) error
	Subscribe(ctx context.Context, h EventHandler) (Subscription, error)
}

type SubDevice struct {
	DeviceType string
	UDN        string
	Services   map[string]ControlService
}

// Endpoint is a discovered secure container.
type Endpoint struct {
	UDN          string
	FriendlyName string
	DeviceType   string
	SubDevices   []SubDevice
}

// ControlService resolves the control service of the first sub-device of
// the given type.
func (e Endpoint) ControlService(deviceType, serviceType string) (ControlService, error) {
	for _, sub := range e.SubDevices {
		if sub.DeviceType != deviceType {
			continue
		}
		svc, ok := sub.Services[serviceType]
		if !ok || svc == nil {
			return nil, errors.Wrapf(ErrNoControlService, "sub-device %s lacks service %s", sub.UDN, serviceType)
		}
		return svc, nil
	}
	return nil, errors.Wrapf(ErrNoControlService, "no sub-device of type %s", deviceType)
}

type Options struct {
	ControlDeviceType  string
	ControlServiceType string
	WriteTimeout       time.Duration
	RPCTimeout         time.Duration
	RetryDelay         time.Duration
	ReenableDelay      time.Duration
	CancelGrace        time.Duration
}

func (o Options) withDefaults() Options {
	if o.ControlDeviceType == "" {
		o.ControlDeviceType = DefaultControlDeviceType
	}
	if o.ControlServiceType == "" {
		o.ControlServiceType = DefaultControlServiceType
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = DefaultRPCTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ReenableDelay <= 0 {
		o.ReenableDelay = DefaultReenableDelay
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	return o
}
