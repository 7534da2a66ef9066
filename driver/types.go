// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
)

type USBID uint16

func (id USBID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

// ParseUSBID parses a vendor or product ID in hexadecimal, with or without
// a 0x prefix.
func ParseUSBID(s string) (USBID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid USB ID %q", s)
	}
	return USBID(v), nil
}

type USBDevice struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor" yaml:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product" yaml:"product"`
	// BusId describes USB Bus ID of the device.
	BusId   string `json:"bus_id" yaml:"bus_id"`
	Bus     int    `json:"bus" yaml:"bus"`
	Address int    `json:"address" yaml:"address"`
}

func (d USBDevice) ID() bridge.PeripheralID {
	return bridge.PeripheralID{Bus: d.Bus, Address: d.Address}
}

// Signature is the hardware identity of a tuning adapter model.
type Signature struct {
	Vendor  USBID `mapstructure:"vendor"`
	Product USBID `mapstructure:"product"`
}

func (s Signature) String() string {
	return s.Vendor.String() + ":" + s.Product.String()
}

// ParseSignature parses a "vendor:product" pair.
func ParseSignature(s string) (Signature, error) {
	vendor, product, ok := strings.Cut(s, ":")
	if !ok {
		return Signature{}, errors.Newf("signature %q is not of the form vendor:product", s)
	}
	v, err := ParseUSBID(vendor)
	if err != nil {
		return Signature{}, err
	}
	p, err := ParseUSBID(product)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Vendor: v, Product: p}, nil
}

func usbIDHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(USBID(0)) {
		return data, nil
	}
	// numeric YAML values such as 0x1234 decode as they are
	if from.Kind() != reflect.String {
		return data, nil
	}
	id, err := ParseUSBID(data.(string))
	if err != nil {
		return nil, err
	}
	return id, nil
}

// DecodeSignatures decodes a list of signatures from raw configuration. Each
// entry is either a "vendor:product" string or a map with vendor and product
// keys.
func DecodeSignatures(raw interface{}) ([]Signature, error) {
	var items []interface{}
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		// from the environment or the command line
		for _, s := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			items = append(items, s)
		}
	default:
		return nil, errors.Newf("signatures must be a list, got %T", raw)
	}
	var out []Signature
	for i, item := range items {
		if str, ok := item.(string); ok {
			sig, err := ParseSignature(str)
			if err != nil {
				return nil, errors.Wrapf(err, "signature %d", i)
			}
			out = append(out, sig)
			continue
		}
		var sig Signature
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:  usbIDHook,
			ErrorUnused: true,
			Result:      &sig,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(item); err != nil {
			return nil, errors.Wrapf(err, "signature %d", i)
		}
		out = append(out, sig)
	}
	return out, nil
}

// Filter selects the devices that are treated as tuning adapters. Zero Bus
// or Address match any value.
type Filter struct {
	Signatures []Signature
	Bus        int
	Address    int
}

func (f Filter) Matches(d USBDevice) bool {
	if f.Bus != 0 && d.Bus != f.Bus {
		return false
	}
	if f.Address != 0 && d.Address != f.Address {
		return false
	}
	for _, sig := range f.Signatures {
		if sig.Vendor == d.Vendor && sig.Product == d.Product {
			return true
		}
	}
	return false
}
