package driver

import (
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/efficientgo/core/errors"
)

func TestEnumerate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		fs      fstest.MapFS
		devices []USBDevice
		err     error
	}{
		{
			name: "sysfs unreadable",
			fs:   fstest.MapFS{},
			err:  errors.New("failed to read usb sysdir"),
		},
		{
			name: "detect",
			fs: fstest.MapFS{
				"bus/usb/devices/2-1/idVendor":  {Data: []byte("dead\n")},
				"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
				"bus/usb/devices/2-1/busnum":    {Data: []byte("2\n")},
				"bus/usb/devices/2-1/devnum":    {Data: []byte("33\n")},
				"bus/usb/devices/1-4/idVendor":  {Data: []byte("07a6\n")},
				"bus/usb/devices/1-4/idProduct": {Data: []byte("8515\n")},
				"bus/usb/devices/1-4/busnum":    {Data: []byte("1\n")},
				"bus/usb/devices/1-4/devnum":    {Data: []byte("7\n")},

				"bus/usb/devices/2-1:1.0/bNumEndpoints": {Data: []byte("02\n")},
			},
			devices: []USBDevice{
				{Vendor: 0x07a6, Product: 0x8515, BusId: "1-4", Bus: 1, Address: 7},
				{Vendor: 0xdead, Product: 0xbeef, BusId: "2-1", Bus: 2, Address: 33},
			},
		},
		{
			name: "skip device in transition",
			fs: fstest.MapFS{
				"bus/usb/devices/2-1/idVendor":  {Data: []byte("dead\n")},
				"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
				"bus/usb/devices/2-1/busnum":    {Data: []byte("2\n")},
				"bus/usb/devices/2-1/devnum":    {Data: []byte("33\n")},
				"bus/usb/devices/2-2/idVendor":  {Data: []byte("dead\n")},
				"bus/usb/devices/2-2/idProduct": {Data: []byte("beef\n")},
			},
			devices: []USBDevice{
				{Vendor: 0xdead, Product: 0xbeef, BusId: "2-1", Bus: 2, Address: 33},
			},
		},
		{
			name: "garbage attribute",
			fs: fstest.MapFS{
				"bus/usb/devices/2-1/idVendor":  {Data: []byte("zzzz\n")},
				"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
				"bus/usb/devices/2-1/busnum":    {Data: []byte("2\n")},
				"bus/usb/devices/2-1/devnum":    {Data: []byte("33\n")},
			},
			err: errors.New("failed to describe device"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			devices, err := Enumerate(tc.fs)
			if (err != nil) != (tc.err != nil) {
				t.Fatalf("expected error %v; got %v", tc.err, err)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(devices, tc.devices) {
				t.Errorf("got %v; want %v", devices, tc.devices)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	dev := USBDevice{Vendor: 0x07a6, Product: 0x8515, Bus: 1, Address: 7}
	sig := Signature{Vendor: 0x07a6, Product: 0x8515}
	for _, tc := range []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "no signatures", filter: Filter{}, want: false},
		{name: "signature", filter: Filter{Signatures: []Signature{{0x1, 0x2}, sig}}, want: true},
		{name: "wrong product", filter: Filter{Signatures: []Signature{{0x07a6, 0x8516}}}, want: false},
		{name: "bus", filter: Filter{Signatures: []Signature{sig}, Bus: 1}, want: true},
		{name: "other bus", filter: Filter{Signatures: []Signature{sig}, Bus: 2}, want: false},
		{name: "address", filter: Filter{Signatures: []Signature{sig}, Bus: 1, Address: 7}, want: true},
		{name: "other address", filter: Filter{Signatures: []Signature{sig}, Address: 8}, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(dev); got != tc.want {
				t.Errorf("Matches() = %v; want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeSignatures(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  interface{}
		want []Signature
		err  bool
	}{
		{name: "unset", raw: nil},
		{name: "string", raw: "07a6:8515, 0x1234:0xABCD", want: []Signature{{0x07a6, 0x8515}, {0x1234, 0xabcd}}},
		{name: "string list", raw: []string{"07a6:8515"}, want: []Signature{{0x07a6, 0x8515}}},
		{
			name: "yaml maps",
			raw: []interface{}{
				map[string]interface{}{"vendor": "07a6", "product": "0x8515"},
				map[string]interface{}{"vendor": 0x1234, "product": 0xabcd},
				"dead:beef",
			},
			want: []Signature{{0x07a6, 0x8515}, {0x1234, 0xabcd}, {0xdead, 0xbeef}},
		},
		{name: "missing colon", raw: "07a68515", err: true},
		{name: "bad hex", raw: "xyz:8515", err: true},
		{name: "unknown key", raw: []interface{}{map[string]interface{}{"vendor": "1", "serial": "2"}}, err: true},
		{name: "not a list", raw: 42, err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeSignatures(tc.raw)
			if (err != nil) != tc.err {
				t.Fatalf("expected error %v; got %v", tc.err, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v; want %v", got, tc.want)
			}
		})
	}
}
