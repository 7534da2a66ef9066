// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"
	"time"

	baseerrors "errors"

	"github.com/MatthiasValvekens/ta-bridge/loop"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownPollInterval = 50 * time.Millisecond

// Engine pairs tuning adapters with secure containers in arrival order.
//
// The On* entry points and every other method not documented otherwise
// must be called on the engine's event loop.
type Engine struct {
	loop    *loop.Loop
	opts    Options
	logger  log.Logger
	metrics *Metrics

	peripherals *PeripheralRegistry
	endpoints   *EndpointRegistry
	sessions    []*Session
	// torn down sessions whose operations are still draining
	detached []*Session
	// sides that reappeared while the session holding their lost
	// predecessor was still draining
	returningPeripherals map[PeripheralID]Peripheral
	returningEndpoints   map[string]Endpoint
	stopping             bool
}

func NewEngine(l *loop.Loop, opts Options, logger log.Logger, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		loop:        l,
		opts:        opts.withDefaults(),
		logger:      logger,
		metrics:     NewMetrics(reg),
		peripherals: newPeripheralRegistry(),
		endpoints:   newEndpointRegistry(),

		returningPeripherals: map[PeripheralID]Peripheral{},
		returningEndpoints:   map[string]Endpoint{},
	}
}

func (e *Engine) OnEndpointAppeared(ep Endpoint) {
	if s := e.findSession(e.detached, byUDN(ep.UDN)); s != nil && s.endpointLost {
		_ = level.Info(e.logger).Log("msg", "secure container reappeared; queued once its old pairing is released", "udn", ep.UDN)
		e.returningEndpoints[ep.UDN] = ep
		return
	}
	if e.endpoints.Contains(ep.UDN) || e.findSession(e.sessions, byUDN(ep.UDN)) != nil ||
		e.findSession(e.detached, byUDN(ep.UDN)) != nil {
		_ = level.Debug(e.logger).Log("msg", "ignoring duplicate secure container", "udn", ep.UDN)
		return
	}
	if _, err := ep.ControlService(e.opts.ControlDeviceType, e.opts.ControlServiceType); err != nil {
		_ = level.Warn(e.logger).Log("msg", "secure container has no usable control service; it will not be paired", "udn", ep.UDN, "err", err)
	} else {
		_ = level.Info(e.logger).Log("msg", "secure container appeared", "udn", ep.UDN, "name", ep.FriendlyName)
	}
	e.endpoints.Push(ep)
	e.attemptMatch()
}

func (e *Engine) OnEndpointLost(udn string) {
	if s := e.findSession(e.sessions, byUDN(udn)); s != nil {
		s.endpointLost = true
		e.detach(s, "secure container lost")
		return
	}
	if s := e.findSession(e.detached, byUDN(udn)); s != nil {
		s.endpointLost = true
		delete(e.returningEndpoints, udn)
		return
	}
	if _, ok := e.endpoints.Remove(udn); ok {
		_ = level.Info(e.logger).Log("msg", "queued secure container lost", "udn", udn)
		e.updateGauges()
	}
}

func (e *Engine) OnPeripheralAppeared(p Peripheral) {
	id := p.ID()
	if s := e.findSession(e.detached, byPeripheral(id)); s != nil && s.peripheralLost {
		if _, ok := e.returningPeripherals[id]; !ok {
			_ = level.Info(e.logger).Log("msg", "tuning adapter reappeared; queued once its old pairing is released", "bus", id.Bus, "address", id.Address)
			e.returningPeripherals[id] = p
			return
		}
	}
	if e.peripherals.Contains(id) || e.findSession(e.sessions, byPeripheral(id)) != nil ||
		e.findSession(e.detached, byPeripheral(id)) != nil {
		_ = level.Debug(e.logger).Log("msg", "ignoring duplicate tuning adapter", "bus", id.Bus, "address", id.Address)
		return
	}
	_ = level.Info(e.logger).Log("msg", "tuning adapter appeared", "bus", id.Bus, "address", id.Address)
	e.peripherals.Push(p)
	e.attemptMatch()
}

func (e *Engine) OnPeripheralLost(id PeripheralID) {
	if s := e.findSession(e.sessions, byPeripheral(id)); s != nil {
		s.peripheralLost = true
		e.detach(s, "tuning adapter lost")
		return
	}
	if s := e.findSession(e.detached, byPeripheral(id)); s != nil {
		s.peripheralLost = true
		if p, ok := e.returningPeripherals[id]; ok {
			delete(e.returningPeripherals, id)
			e.closePeripheral(p)
		}
		return
	}
	if p, ok := e.peripherals.Remove(id); ok {
		_ = level.Info(e.logger).Log("msg", "queued tuning adapter lost", "bus", id.Bus, "address", id.Address)
		e.closePeripheral(p)
		e.updateGauges()
	}
}

// ResetFirst runs the recovery sequence on the oldest pairing. It returns
// ErrNoPairing if there is none, ErrNotClaimed or ErrResetInProgress if the
// pairing cannot be reset right now.
func (e *Engine) ResetFirst() error {
	if len(e.sessions) == 0 {
		return ErrNoPairing
	}
	return e.sessions[0].recovery.trigger("operator request")
}

func (e *Engine) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.Info())
	}
	return out
}

func (e *Engine) QueuedPeripherals() []PeripheralID {
	items := e.peripherals.Items()
	out := make([]PeripheralID, len(items))
	for i, p := range items {
		out[i] = p.ID()
	}
	return out
}

func (e *Engine) QueuedEndpoints() []string {
	items := e.endpoints.Items()
	out := make([]string, len(items))
	for i, ep := range items {
		out[i] = ep.UDN
	}
	return out
}

// Shutdown tears down every pairing, waits until their operations have
// drained or ctx expires and closes the tuning adapters left in the queue.
// Unlike the other methods it must not be called on the loop.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.loop.Call(ctx, func() {
		e.stopping = true
		for len(e.sessions) > 0 {
			e.detach(e.sessions[0], "shutdown")
		}
	})
	if err != nil {
		return err
	}
	t := time.NewTicker(shutdownPollInterval)
	defer t.Stop()
	for {
		var pending int
		if err := e.loop.Call(ctx, func() { pending = len(e.detached) }); err != nil {
			return err
		}
		if pending == 0 {
			return e.closeQueued(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Engine) closeQueued(ctx context.Context) error {
	var queued []Peripheral
	err := e.loop.Call(ctx, func() {
		for e.peripherals.Len() > 0 {
			p, _ := e.peripherals.PopFront()
			queued = append(queued, p)
		}
		for id, p := range e.returningPeripherals {
			delete(e.returningPeripherals, id)
			queued = append(queued, p)
		}
		e.updateGauges()
	})
	if err != nil {
		return err
	}
	for _, p := range queued {
		if err := p.Close(); err != nil && !baseerrors.Is(err, ErrPeripheralGone) {
			_ = level.Debug(e.logger).Log("msg", "failed to close tuning adapter", "bus", p.ID().Bus, "address", p.ID().Address, "err", err)
		}
	}
	return nil
}

func (e *Engine) attemptMatch() {
	defer e.updateGauges()
	if e.stopping {
		return
	}
	for e.peripherals.Len() > 0 {
		ep, control, ok := e.firstUsableEndpoint()
		if !ok {
			return
		}
		p, _ := e.peripherals.PopFront()
		e.endpoints.Remove(ep.UDN)

		s := newSession(e, ep, control, p)
		e.sessions = append(e.sessions, s)
		e.metrics.sessionsTotal.Inc()
		s.start()
	}
}

func (e *Engine) firstUsableEndpoint() (Endpoint, ControlService, bool) {
	for _, ep := range e.endpoints.Items() {
		control, err := ep.ControlService(e.opts.ControlDeviceType, e.opts.ControlServiceType)
		if err == nil {
			return ep, control, true
		}
	}
	return Endpoint{}, nil, false
}

func (e *Engine) detach(s *Session, reason string) {
	e.sessions = removeSession(e.sessions, s)
	e.detached = append(e.detached, s)
	s.teardown(reason)
	e.updateGauges()
}

// sessionFinalized hands the surviving sides of a released session back to
// their registries.
func (e *Engine) sessionFinalized(s *Session) {
	e.detached = removeSession(e.detached, s)
	e.sessions = removeSession(e.sessions, s)

	id := s.peripheral.ID()
	if s.peripheralLost {
		e.closePeripheral(s.peripheral)
		if p, ok := e.returningPeripherals[id]; ok {
			delete(e.returningPeripherals, id)
			e.peripherals.Push(p)
		}
	} else {
		_ = level.Info(e.logger).Log("msg", "tuning adapter returned to queue", "bus", id.Bus, "address", id.Address)
		e.peripherals.Push(s.peripheral)
	}
	if !s.endpointLost {
		_ = level.Info(e.logger).Log("msg", "secure container returned to queue", "udn", s.endpoint.UDN)
		e.endpoints.Push(s.endpoint)
	} else if ep, ok := e.returningEndpoints[s.endpoint.UDN]; ok {
		delete(e.returningEndpoints, s.endpoint.UDN)
		e.endpoints.Push(ep)
	}
	e.attemptMatch()
}

func (e *Engine) closePeripheral(p Peripheral) {
	logger := log.With(e.logger, "bus", p.ID().Bus, "address", p.ID().Address)
	go func() {
		if err := p.Close(); err != nil && !baseerrors.Is(err, ErrPeripheralGone) {
			_ = level.Debug(logger).Log("msg", "failed to close tuning adapter", "err", err)
		}
	}()
}

func (e *Engine) updateGauges() {
	e.metrics.sessionsActive.Set(float64(len(e.sessions)))
	e.metrics.peripheralsQueued.Set(float64(e.peripherals.Len()))
	e.metrics.endpointsQueued.Set(float64(e.endpoints.Len()))
}

func (e *Engine) findSession(sessions []*Session, match func(*Session) bool) *Session {
	for _, s := range sessions {
		if match(s) {
			return s
		}
	}
	return nil
}

func byUDN(udn string) func(*Session) bool {
	return func(s *Session) bool { return s.endpoint.UDN == udn }
}

func byPeripheral(id PeripheralID) func(*Session) bool {
	return func(s *Session) bool { return s.peripheral.ID() == id }
}

func removeSession(sessions []*Session, s *Session) []*Session {
	for i, cand := range sessions {
		if cand == s {
			return append(sessions[:i], sessions[i+1:]...)
		}
	}
	return sessions
}
