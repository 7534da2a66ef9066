// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"

	"github.com/MatthiasValvekens/ta-bridge/driver"
	"github.com/efficientgo/core/errors"
	"gopkg.in/yaml.v3"
)

type listedDevice struct {
	Bus     int    `yaml:"bus"`
	Address int    `yaml:"address"`
	BusID   string `yaml:"bus_id"`
	Vendor  string `yaml:"vendor"`
	Product string `yaml:"product"`
	Adapter bool   `yaml:"adapter"`
}

// listDevices prints the attached USB devices, marking those the filter
// accepts as tuning adapters.
func listDevices(w io.Writer, fsys fs.FS, filter driver.Filter, format string) error {
	devices, err := driver.Enumerate(fsys)
	if err != nil {
		return err
	}
	listed := make([]listedDevice, len(devices))
	for i, d := range devices {
		listed[i] = listedDevice{
			Bus:     d.Bus,
			Address: d.Address,
			BusID:   d.BusId,
			Vendor:  d.Vendor.String(),
			Product: d.Product.String(),
			Adapter: filter.Matches(d),
		}
	}

	switch format {
	case listFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err := enc.Encode(struct {
			Devices []listedDevice `yaml:"devices"`
		}{listed})
		if err != nil {
			return err
		}
		return enc.Close()
	case listFormatText, "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "BUS\tADDRESS\tID\tBUSID\tADAPTER")
		for _, d := range listed {
			adapter := ""
			if d.Adapter {
				adapter = "yes"
			}
			_, _ = fmt.Fprintf(tw, "%03d\t%03d\t%s:%s\t%s\t%s\n", d.Bus, d.Address, d.Vendor, d.Product, d.BusID, adapter)
		}
		return tw.Flush()
	default:
		return errors.Newf("unknown list format %q; possible values are: %s, %s", format, listFormatText, listFormatYAML)
	}
}
