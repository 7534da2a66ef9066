// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"io/fs"
	"time"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const DefaultPollInterval = time.Second

// Opener turns an enumerated device into an open peripheral handle.
type Opener interface {
	Open(dev USBDevice) (bridge.Peripheral, error)
}

// WatcherCallbacks receive hotplug events. They are called from the
// watcher's goroutine.
type WatcherCallbacks struct {
	Appeared func(bridge.Peripheral)
	Lost     func(bridge.PeripheralID)
}

// Watcher reports tuning adapters as they are plugged in and removed by
// polling sysfs.
type Watcher struct {
	fsys      fs.FS
	filter    Filter
	opener    Opener
	interval  time.Duration
	callbacks WatcherCallbacks
	logger    log.Logger

	known map[bridge.PeripheralID]USBDevice
}

func NewWatcher(fsys fs.FS, filter Filter, opener Opener, interval time.Duration, callbacks WatcherCallbacks, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		fsys:      fsys,
		filter:    filter,
		opener:    opener,
		interval:  interval,
		callbacks: callbacks,
		logger:    logger,
		known:     map[bridge.PeripheralID]USBDevice{},
	}
}

// Run scans until ctx is done. The first scan reports every matching device
// already attached.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		w.Scan()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Scan runs a single enumeration pass and reports the difference to the
// previous one.
func (w *Watcher) Scan() {
	devices, err := Enumerate(w.fsys)
	if err != nil {
		_ = level.Warn(w.logger).Log("msg", "failed to enumerate USB devices", "err", err)
		return
	}
	present := map[bridge.PeripheralID]USBDevice{}
	for _, dev := range devices {
		if w.filter.Matches(dev) {
			present[dev.ID()] = dev
		}
	}

	for id, old := range w.known {
		dev, ok := present[id]
		// an address reused by a different device counts as a replug
		if ok && dev.BusId == old.BusId && dev.Vendor == old.Vendor && dev.Product == old.Product {
			continue
		}
		delete(w.known, id)
		_ = level.Debug(w.logger).Log("msg", "tuning adapter removed", "bus", id.Bus, "address", id.Address)
		w.callbacks.Lost(id)
	}

	for id, dev := range present {
		if _, ok := w.known[id]; ok {
			continue
		}
		p, err := w.opener.Open(dev)
		if err != nil {
			// retried on the next scan
			_ = level.Warn(w.logger).Log("msg", "failed to open tuning adapter", "bus", id.Bus, "address", id.Address, "vendor", dev.Vendor, "product", dev.Product, "err", err)
			continue
		}
		w.known[id] = dev
		_ = level.Debug(w.logger).Log("msg", "tuning adapter attached", "bus", id.Bus, "address", id.Address, "busid", dev.BusId)
		w.callbacks.Appeared(p)
	}
}
