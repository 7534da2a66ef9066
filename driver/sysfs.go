// SPDX-License-Identifier: Apache-2.0

package driver

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/efficientgo/core/errors"
)

const (
	Sys        = "/sys"
	usbDevices = "bus/usb/devices"
)

func usbSysPath(busId string) string {
	return path.Join(usbDevices, busId)
}

func readDeviceAttribute(fsys fs.FS, sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func readDeviceIntAttribute(fsys fs.FS, sysPath string, attributeName string) (int, error) {
	attrStr, err := readDeviceAttribute(fsys, sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result int
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func readDeviceUint16HexAttribute(fsys fs.FS, sysPath string, attributeName string) (uint16, error) {
	attrStr, err := readDeviceAttribute(fsys, sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func describeUsbFromBusId(fsys fs.FS, busId string) (USBDevice, error) {
	sysPath := usbSysPath(busId)

	vendor, vendErr := readDeviceUint16HexAttribute(fsys, sysPath, "idVendor")
	product, prodErr := readDeviceUint16HexAttribute(fsys, sysPath, "idProduct")
	busnum, busnumErr := readDeviceIntAttribute(fsys, sysPath, "busnum")
	devnum, devnumErr := readDeviceIntAttribute(fsys, sysPath, "devnum")

	totalErr := baseerrors.Join(vendErr, prodErr, busnumErr, devnumErr)
	if totalErr != nil {
		return USBDevice{}, errors.Wrap(totalErr, "failed to describe device")
	}

	return USBDevice{
		BusId:   busId,
		Vendor:  USBID(vendor),
		Product: USBID(product),
		Bus:     busnum,
		Address: devnum,
	}, nil
}

// Enumerate lists the USB devices attached to the host, as seen in sysfs
// rooted at fsys. Devices whose attributes vanish while they are read are
// skipped.
func Enumerate(fsys fs.FS) ([]USBDevice, error) {
	entries, err := fs.ReadDir(fsys, usbDevices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read usb sysdir")
	}
	var devices []USBDevice
	for _, entry := range entries {
		busId := entry.Name()
		// interfaces, e.g. 1-1:1.0
		if strings.Contains(busId, ":") {
			continue
		}
		dev, err := describeUsbFromBusId(fsys, busId)
		if baseerrors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to describe device %s", busId)
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Bus != devices[j].Bus {
			return devices[i].Bus < devices[j].Bus
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}
