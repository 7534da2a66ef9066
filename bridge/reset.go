// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
)

type recoveryState int

const (
	stateActive recoveryState = iota
	stateCancelPending
	stateResetting
	stateResubmitting
)

func (st recoveryState) String() string {
	switch st {
	case stateActive:
		return "active"
	case stateCancelPending:
		return "cancel-pending"
	case stateResetting:
		return "resetting"
	case stateResubmitting:
		return "resubmitting"
	default:
		return "unknown"
	}
}

type resetStep struct {
	name string
	run  func(Peripheral) error
}

var resetSteps = []resetStep{
	{"release", Peripheral.Release},
	{"reset", Peripheral.Reset},
	{"claim", Peripheral.Claim},
}

// recovery cancels the buffer pool, resets the adapter and resumes the
// pool. Each step runs as its own loop task; failures are logged and the
// sequence always runs to completion.
type recovery struct {
	s      *Session
	state  recoveryState
	reason string
	grace  *time.Timer
	seq    int
}

// trigger starts a recovery sequence. It fails if the session is not ready
// or a sequence is already running.
func (r *recovery) trigger(reason string) error {
	s := r.s
	if s.closed {
		return ErrNoPairing
	}
	if !s.ready {
		_ = level.Warn(s.logger).Log("msg", "ignoring reset request, adapter not claimed yet", "reason", reason)
		return ErrNotClaimed
	}
	if r.state != stateActive {
		_ = level.Info(s.logger).Log("msg", "reset already in progress", "reason", reason, "state", r.state)
		return ErrResetInProgress
	}
	_ = level.Info(s.logger).Log("msg", "resetting tuning adapter", "reason", reason)
	s.metrics.resetsTotal.Inc()

	// held until the sequence finishes
	s.acquire()
	r.reason = reason
	r.state = stateCancelPending
	r.seq++
	seq := r.seq
	s.pool.cancelForRecovery()
	r.grace = s.loop.After(s.opts.CancelGrace, func() {
		if r.state != stateCancelPending || r.seq != seq {
			return
		}
		_ = level.Warn(s.logger).Log("msg", "transfers did not drain in time; resetting anyway", "outstanding", s.pool.outstanding())
		r.startReset()
	})
	s.loop.Post(r.bufferStopped)
	return nil
}

// bufferStopped advances a pending cancellation once the pool is idle.
func (r *recovery) bufferStopped() {
	if r.state != stateCancelPending || r.s.pool.outstanding() > 0 {
		return
	}
	r.grace.Stop()
	r.startReset()
}

func (r *recovery) startReset() {
	r.state = stateResetting
	r.s.loop.Post(func() { r.step(0) })
}

func (r *recovery) step(i int) {
	s := r.s
	if s.closed || s.peripheralLost {
		r.finish()
		return
	}
	if i == len(resetSteps) {
		r.notify()
		return
	}
	st := resetSteps[i]
	s.usbOp(st.name, func() error {
		return st.run(s.peripheral)
	}, func(err error) {
		switch st.name {
		case "release":
			s.claimed = false
		case "claim":
			s.claimed = err == nil
		}
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "reset step failed; continuing", "step", st.name, "err", err)
		} else {
			_ = level.Debug(s.logger).Log("msg", "reset step done", "step", st.name)
		}
		s.loop.Post(func() { r.step(i + 1) })
	})
}

func (r *recovery) notify() {
	s := r.s
	s.remoteCall("reset complete", func(ctx context.Context) error {
		return s.control.ResetComplete(ctx)
	}, func(err error) {
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to notify secure container of adapter reset", "err", err)
		}
	})
	r.state = stateResubmitting
	s.loop.Post(r.resubmit)
}

func (r *recovery) resubmit() {
	s := r.s
	switch {
	case s.closed || s.peripheralLost:
	case s.claimed:
		s.pool.submitAll()
		_ = level.Info(s.logger).Log("msg", "tuning adapter reset complete", "reason", r.reason, "outstanding", s.pool.outstanding())
	default:
		_ = level.Warn(s.logger).Log("msg", "tuning adapter interface lost during reset; reclaiming", "reason", r.reason)
		s.after(s.opts.RetryDelay, s.reclaim)
	}
	r.finish()
}

func (r *recovery) finish() {
	if r.state == stateActive {
		return
	}
	r.state = stateActive
	r.reason = ""
	r.s.release()
}
