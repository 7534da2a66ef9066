// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	baseerrors "errors"

	"github.com/MatthiasValvekens/ta-bridge/loop"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
)

// Session is a live pairing of one endpoint with one peripheral.
//
// All fields are owned by the event loop. Every asynchronous operation holds
// a reference on the session from submission until its completion has been
// processed on the loop; the engine holds one more while the session is
// paired. Once the count drops to zero the session is finalized and the
// surviving sides are handed back to the engine.
type Session struct {
	ID         string
	endpoint   Endpoint
	control    ControlService
	peripheral Peripheral

	engine  *Engine
	loop    *loop.Loop
	opts    Options
	logger  log.Logger
	metrics *Metrics

	refs      int
	finalized bool
	timers    map[*time.Timer]struct{}

	// lifecycle
	ready          bool
	claimed        bool
	usbBusy        int
	closed         bool
	peripheralLost bool
	endpointLost   bool
	subscription   Subscription
	// last communication error state reported by the container
	commFailed     bool

	pool      *bufferPool
	recovery  *recovery
	handshake *handshake
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID          string
	UDN         string
	Peripheral  PeripheralID
	Outstanding int
	Recovery    string
	Handshake   string
	Refs        int
}

func newSession(e *Engine, ep Endpoint, control ControlService, p Peripheral) *Session {
	id := ulid.Make().String()
	s := &Session{
		ID:         id,
		endpoint:   ep,
		control:    control,
		peripheral: p,
		engine:     e,
		loop:       e.loop,
		opts:       e.opts,
		metrics:    e.metrics,
		refs:       1,
		timers:     map[*time.Timer]struct{}{},
		logger: log.With(e.logger,
			"session", id, "udn", ep.UDN, "bus", p.ID().Bus, "address", p.ID().Address),
	}
	s.pool = newBufferPool(s)
	s.recovery = &recovery{s: s}
	s.handshake = &handshake{s: s}
	return s
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		UDN:         s.endpoint.UDN,
		Peripheral:  s.peripheral.ID(),
		Outstanding: s.pool.outstanding(),
		Recovery:    s.recovery.state.String(),
		Handshake:   s.handshake.state.String(),
		Refs:        s.refs,
	}
}

func (s *Session) acquire() {
	if s.finalized {
		panic("bridge: acquire on finalized session " + s.ID)
	}
	s.refs++
}

func (s *Session) release() {
	s.refs--
	if s.refs < 0 {
		panic("bridge: session reference count underflow " + s.ID)
	}
	if s.refs == 0 {
		s.finalized = true
		_ = level.Debug(s.logger).Log("msg", "session released")
		s.engine.sessionFinalized(s)
	}
}

// op runs fn off the loop while holding a reference on the session; done
// runs on the loop with fn's result before the reference is dropped.
func (s *Session) op(name string, fn func() error, done func(error)) {
	s.acquire()
	go func() {
		err := fn()
		posted := s.loop.Post(func() {
			if done != nil {
				done(err)
			}
			s.release()
		})
		if !posted {
			_ = level.Debug(s.logger).Log("msg", "dropping completion, event loop stopped", "op", name)
		}
	}()
}

// usbOp is an op that touches the claimed interface. The interface is only
// released on teardown once no such operation is pending.
func (s *Session) usbOp(name string, fn func() error, done func(error)) {
	s.usbBusy++
	s.op(name, fn, func(err error) {
		s.usbBusy--
		if done != nil {
			done(err)
		}
		s.maybeReleaseInterface()
	})
}

// remoteCall invokes the control service with a bounded deadline.
func (s *Session) remoteCall(action string, fn func(ctx context.Context) error, done func(error)) {
	timeout := s.opts.RPCTimeout
	s.op(action, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx)
	}, func(err error) {
		if err != nil {
			s.metrics.remoteCallFailures.WithLabelValues(action).Inc()
		}
		if done != nil {
			done(err)
		}
	})
}

// after runs f on the loop after d unless the session is torn down first.
func (s *Session) after(d time.Duration, f func()) {
	s.acquire()
	var t *time.Timer
	t = s.loop.After(d, func() {
		delete(s.timers, t)
		if !s.closed {
			f()
		}
		s.release()
	})
	s.timers[t] = struct{}{}
}

func (s *Session) start() {
	_ = level.Info(s.logger).Log("msg", "pairing tuning adapter with secure container", "name", s.endpoint.FriendlyName)
	s.claim()
}

func (s *Session) claim() {
	s.usbOp("claim", s.peripheral.Claim, func(err error) {
		if err != nil {
			if s.closed {
				return
			}
			_ = level.Warn(s.logger).Log("msg", "failed to claim tuning adapter interface; retrying", "err", err)
			s.after(s.opts.RetryDelay, s.claim)
			return
		}
		s.claimed = true
		if s.closed {
			return
		}
		s.ready = true
		s.subscribe()
		s.pool.submitAll()
		s.handshake.start()
	})
}

// reclaim claims the interface again after a reset left it unclaimed and
// resumes the pool.
func (s *Session) reclaim() {
	s.usbOp("claim", s.peripheral.Claim, func(err error) {
		if err != nil {
			if s.closed || s.peripheralLost {
				return
			}
			_ = level.Warn(s.logger).Log("msg", "failed to reclaim tuning adapter interface; retrying", "err", err)
			s.after(s.opts.RetryDelay, s.reclaim)
			return
		}
		s.claimed = true
		if s.closed || s.recovery.state != stateActive {
			return
		}
		s.pool.submitAll()
	})
}

func (s *Session) subscribe() {
	var sub Subscription
	s.remoteCall("subscribe", func(ctx context.Context) error {
		var err error
		sub, err = s.control.Subscribe(ctx, sessionEvents{s})
		return err
	}, func(err error) {
		if err != nil {
			if s.closed {
				return
			}
			_ = level.Warn(s.logger).Log("msg", "failed to subscribe to control service events; retrying", "err", err)
			s.after(s.opts.RetryDelay, s.subscribe)
			return
		}
		if s.closed {
			s.cancelSubscription(sub)
			return
		}
		s.subscription = sub
	})
}

func (s *Session) cancelSubscription(sub Subscription) {
	s.remoteCall("unsubscribe", func(ctx context.Context) error {
		return sub.Cancel(ctx)
	}, func(err error) {
		if err != nil {
			_ = level.Debug(s.logger).Log("msg", "failed to cancel event subscription", "err", err)
		}
	})
}

// sessionEvents moves control service events onto the loop.
type sessionEvents struct {
	s *Session
}

func (ev sessionEvents) MessageReceived(msg string) {
	ev.s.loop.Post(func() { ev.s.handleMessage(msg) })
}

func (ev sessionEvents) CommunicationErrorChanged(failed bool) {
	ev.s.loop.Post(func() { ev.s.handleCommunicationError(failed) })
}

func decodeMessage(msg string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(msg), ""))
}

func (s *Session) handleMessage(msg string) {
	if s.closed || s.peripheralLost {
		return
	}
	data, err := decodeMessage(msg)
	if err != nil {
		s.metrics.messagesDropped.Inc()
		_ = level.Warn(s.logger).Log("msg", "dropping undecodable message from secure container", "err", err)
		return
	}
	if len(data) == 0 {
		s.metrics.messagesDropped.Inc()
		_ = level.Debug(s.logger).Log("msg", "dropping empty message from secure container")
		return
	}
	s.write(data)
}

func (s *Session) write(data []byte) {
	timeout := s.opts.WriteTimeout
	var n int
	s.usbOp("write", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var err error
		n, err = s.peripheral.Write(ctx, data)
		return err
	}, func(err error) {
		if err != nil {
			s.metrics.transferErrors.WithLabelValues("out").Inc()
			_ = level.Warn(s.logger).Log("msg", "bulk write to tuning adapter failed", "len", len(data), "err", err)
			return
		}
		s.metrics.bytesToPeripheral.Add(float64(n))
		_ = level.Debug(s.logger).Log("msg", "wrote message to tuning adapter", "len", n)
	})
}

func (s *Session) handleCommunicationError(failed bool) {
	if s.closed {
		return
	}
	if failed == s.commFailed {
		_ = level.Debug(s.logger).Log("msg", "communication error state unchanged", "failed", failed)
		return
	}
	s.commFailed = failed
	if !failed {
		_ = level.Info(s.logger).Log("msg", "secure container reports communication with tuning adapter restored")
		return
	}
	_ = level.Warn(s.logger).Log("msg", "secure container reports tuning adapter communication error")
	s.recovery.trigger("communication error")
}

func (s *Session) sendMessage(payload []byte) {
	msg := base64.StdEncoding.EncodeToString(payload)
	size := len(payload)
	s.remoteCall("send message", func(ctx context.Context) error {
		return s.control.SendMessage(ctx, msg)
	}, func(err error) {
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to forward message to secure container", "len", size, "err", err)
			return
		}
		s.metrics.bytesToEndpoint.Add(float64(size))
	})
}

// teardown reverses the pairing. It is idempotent.
func (s *Session) teardown(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	_ = level.Info(s.logger).Log("msg", "tearing down pairing", "reason", reason)

	for t := range s.timers {
		if t.Stop() {
			delete(s.timers, t)
			s.release()
		}
	}
	s.handshake.abort()
	s.pool.cancelAll()

	if s.subscription != nil {
		s.cancelSubscription(s.subscription)
		s.subscription = nil
	}
	if !s.endpointLost {
		s.handshake.disableWhenSettled()
	}
	s.maybeReleaseInterface()
	// drop the engine's reference
	s.release()
}

// disable turns the bridge off on the secure container, best effort.
func (s *Session) disable() {
	if s.endpointLost {
		return
	}
	s.remoteCall("disable", func(ctx context.Context) error {
		return s.control.SetEnabled(ctx, false)
	}, func(err error) {
		if err != nil {
			_ = level.Debug(s.logger).Log("msg", "failed to disable bridge on secure container", "err", err)
		}
	})
}

// maybeReleaseInterface releases the claimed interface of a torn down
// session once no transfer or USB operation is outstanding.
func (s *Session) maybeReleaseInterface() {
	if !s.closed || !s.claimed || s.peripheralLost {
		return
	}
	if s.usbBusy > 0 || s.pool.outstanding() > 0 {
		return
	}
	s.claimed = false
	s.usbOp("release", s.peripheral.Release, func(err error) {
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to release tuning adapter interface", "err", err)
		}
	})
}

func isFinal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		baseerrors.Is(err, context.Canceled) ||
		baseerrors.Is(err, ErrPeripheralGone)
}
