// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"

	"github.com/go-kit/log/level"
)

type handshakeState int

const (
	handshakeIdle handshakeState = iota
	handshakeQuery
	handshakeDisable
	handshakeReEnable
	handshakeEnable
	handshakeDone
	handshakeAborted
)

func (st handshakeState) String() string {
	switch st {
	case handshakeIdle:
		return "idle"
	case handshakeQuery:
		return "query"
	case handshakeDisable:
		return "disable"
	case handshakeReEnable:
		return "re-enable"
	case handshakeEnable:
		return "enable"
	case handshakeDone:
		return "done"
	case handshakeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// handshake brings the secure container's bridge state in line with a fresh
// pairing. A container that is already enabled is toggled off and on again
// so it resynchronizes. Failed steps are retried without limit.
type handshake struct {
	s     *Session
	state handshakeState

	// an enable call is in flight
	enabling     bool
	// teardown is waiting for the in-flight enable before disabling
	disableAfter bool
}

func (h *handshake) start() {
	h.state = handshakeQuery
	h.run()
}

func (h *handshake) abort() {
	if h.state != handshakeDone {
		h.state = handshakeAborted
	}
}

func (h *handshake) active() bool {
	return !h.s.closed && h.state != handshakeAborted && h.state != handshakeDone
}

func (h *handshake) run() {
	if !h.active() {
		return
	}
	s := h.s
	step := h.state
	switch step {
	case handshakeQuery:
		var enabled bool
		s.remoteCall("query enabled", func(ctx context.Context) error {
			var err error
			enabled, err = s.control.QueryEnabled(ctx)
			return err
		}, func(err error) {
			if !h.active() {
				return
			}
			if err != nil {
				h.retry(step, err)
				return
			}
			_ = level.Debug(s.logger).Log("msg", "queried bridge state", "enabled", enabled)
			if enabled {
				h.state = handshakeDisable
			} else {
				h.state = handshakeEnable
			}
			h.run()
		})
	case handshakeDisable:
		h.setEnabled(step, false, func() {
			h.state = handshakeReEnable
			s.after(s.opts.ReenableDelay, h.run)
		})
	case handshakeReEnable, handshakeEnable:
		h.setEnabled(step, true, func() {
			h.state = handshakeDone
			_ = level.Info(s.logger).Log("msg", "bridge enabled on secure container")
		})
	}
}

// disableWhenSettled issues the teardown disable once no enable call can
// overtake it.
func (h *handshake) disableWhenSettled() {
	if h.enabling {
		h.disableAfter = true
		return
	}
	h.s.disable()
}

func (h *handshake) setEnabled(step handshakeState, enabled bool, next func()) {
	s := h.s
	h.enabling = enabled
	s.remoteCall("set enabled", func(ctx context.Context) error {
		return s.control.SetEnabled(ctx, enabled)
	}, func(err error) {
		if enabled {
			h.enabling = false
			if h.disableAfter {
				h.disableAfter = false
				s.disable()
				return
			}
		}
		if !h.active() {
			return
		}
		if err != nil {
			h.retry(step, err)
			return
		}
		next()
	})
}

func (h *handshake) retry(step handshakeState, err error) {
	s := h.s
	s.metrics.handshakeRetries.Inc()
	_ = level.Warn(s.logger).Log("msg", "enable handshake step failed; retrying", "step", step, "err", err)
	s.after(s.opts.RetryDelay, h.run)
}
