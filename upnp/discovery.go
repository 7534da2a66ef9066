// SPDX-License-Identifier: GPL-2.0-only

package upnp

import (
	"context"
	"time"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/huin/goupnp"
)

const (
	DefaultSearchTarget      = bridge.DefaultControlServiceType
	DefaultDiscoveryInterval = 10 * time.Second
	DefaultDiscoveryMisses   = 3
)

// SearchFunc performs one SSDP search and fetches the device descriptions
// of the responders.
type SearchFunc func(ctx context.Context, searchTarget string) ([]goupnp.MaybeRootDevice, error)

type DiscovererCallbacks struct {
	Appeared func(bridge.Endpoint)
	Lost     func(udn string)
}

// Discoverer tracks the secure containers on the network. A container is
// reported lost once it has not answered a number of consecutive searches.
type Discoverer struct {
	searchTarget string
	interval     time.Duration
	misses       int
	search       SearchFunc
	events       *EventServer
	callbacks    DiscovererCallbacks
	logger       log.Logger

	seen map[string]int
}

type DiscovererOption func(*Discoverer)

func WithSearchFunc(search SearchFunc) DiscovererOption {
	return func(d *Discoverer) { d.search = search }
}

func WithInterval(interval time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithMisses(misses int) DiscovererOption {
	return func(d *Discoverer) {
		if misses > 0 {
			d.misses = misses
		}
	}
}

func NewDiscoverer(searchTarget string, events *EventServer, callbacks DiscovererCallbacks, logger log.Logger, opts ...DiscovererOption) *Discoverer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if searchTarget == "" {
		searchTarget = DefaultSearchTarget
	}
	d := &Discoverer{
		searchTarget: searchTarget,
		interval:     DefaultDiscoveryInterval,
		misses:       DefaultDiscoveryMisses,
		search:       goupnp.DiscoverDevicesCtx,
		events:       events,
		callbacks:    callbacks,
		logger:       logger,
		seen:         map[string]int{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Discoverer) Run(ctx context.Context) error {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		d.Scan(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (d *Discoverer) Scan(ctx context.Context) {
	responses, err := d.search(ctx, d.searchTarget)
	if err != nil {
		if ctx.Err() == nil {
			_ = level.Warn(d.logger).Log("msg", "SSDP search failed", "target", d.searchTarget, "err", err)
		}
		return
	}

	var errs error
	found := map[string]*goupnp.RootDevice{}
	for _, resp := range responses {
		if resp.Err != nil {
			errs = multierror.Append(errs, resp.Err)
			continue
		}
		if resp.Root == nil || resp.Root.Device.UDN == "" {
			continue
		}
		found[resp.Root.Device.UDN] = resp.Root
	}
	if errs != nil {
		_ = level.Debug(d.logger).Log("msg", "ignoring unusable search responses", "err", errs)
	}

	for udn := range d.seen {
		if _, ok := found[udn]; ok {
			d.seen[udn] = 0
			continue
		}
		d.seen[udn]++
		if d.seen[udn] < d.misses {
			continue
		}
		delete(d.seen, udn)
		_ = level.Debug(d.logger).Log("msg", "secure container stopped answering", "udn", udn, "misses", d.misses)
		d.callbacks.Lost(udn)
	}

	for udn, root := range found {
		if _, ok := d.seen[udn]; ok {
			continue
		}
		d.seen[udn] = 0
		d.callbacks.Appeared(d.endpoint(root))
	}
}

func (d *Discoverer) endpoint(root *goupnp.RootDevice) bridge.Endpoint {
	ep := bridge.Endpoint{
		UDN:          root.Device.UDN,
		FriendlyName: root.Device.FriendlyName,
		DeviceType:   root.Device.DeviceType,
	}
	root.Device.VisitDevices(func(dev *goupnp.Device) {
		sub := bridge.SubDevice{
			DeviceType: dev.DeviceType,
			UDN:        dev.UDN,
			Services:   map[string]bridge.ControlService{},
		}
		for i := range dev.Services {
			svc := &dev.Services[i]
			if !svc.ControlURL.Ok {
				continue
			}
			sub.Services[svc.ServiceType] = NewControlClient(svc.ServiceType, svc.ControlURL.URL, svc.EventSubURL.URL, d.events)
		}
		ep.SubDevices = append(ep.SubDevices, sub)
	})
	return ep
}
