// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"context"
	"time"

	baseerrors "errors"

	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// transferBuffer is one perpetually resubmitted read against the inbound
// bulk endpoint. Its memory is never reallocated; each submission gets a
// fresh cancellation token.
type transferBuffer struct {
	index      int
	data       []byte
	cancel     context.CancelFunc
	inflight   bool
	// cancelled by a recovery sequence rather than by teardown
	recovering bool
}

type bufferPool struct {
	s       *Session
	buffers [TARecvBuffers]*transferBuffer
	errLog  rate.Sometimes
}

func newBufferPool(s *Session) *bufferPool {
	p := &bufferPool{
		s:      s,
		errLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for i := range p.buffers {
		p.buffers[i] = &transferBuffer{
			index: i,
			data:  make([]byte, RecvBufferSize),
		}
	}
	return p
}

func (p *bufferPool) outstanding() int {
	n := 0
	for _, b := range p.buffers {
		if b.inflight {
			n++
		}
	}
	return n
}

func (p *bufferPool) submitAll() {
	for _, b := range p.buffers {
		p.submit(b)
	}
}

// submit starts a read on b unless one is already pending.
func (p *bufferPool) submit(b *transferBuffer) {
	if b.inflight {
		return
	}
	s := p.s
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.inflight = true
	b.recovering = false
	s.metrics.readsOutstanding.Inc()

	var n int
	s.op("read", func() error {
		var err error
		n, err = s.peripheral.Read(ctx, b.data)
		return err
	}, func(err error) {
		p.complete(b, ctx, n, err)
	})
}

func (p *bufferPool) cancelAll() {
	for _, b := range p.buffers {
		if b.inflight && b.cancel != nil {
			b.cancel()
		}
	}
}

// cancelForRecovery cancels every in-flight read so that the adapter can be
// reset. Reads whose cancellation completes only after the recovery has
// finished are resubmitted on completion.
func (p *bufferPool) cancelForRecovery() {
	for _, b := range p.buffers {
		if b.inflight {
			b.recovering = true
		}
	}
	p.cancelAll()
}

func (p *bufferPool) complete(b *transferBuffer, ctx context.Context, n int, err error) {
	s := p.s
	final := isFinal(ctx, err)
	recovering := b.recovering
	b.inflight = false
	b.recovering = false
	b.cancel()
	s.metrics.readsOutstanding.Dec()

	switch {
	case final:
		if recovering && !baseerrors.Is(err, ErrPeripheralGone) && p.resumable() {
			// outlived the cancel grace of a recovery that has since finished
			_ = level.Debug(s.logger).Log("msg", "late cancellation after reset; resubmitting", "buffer", b.index)
			p.submit(b)
			return
		}
		_ = level.Debug(s.logger).Log("msg", "transfer buffer stopped", "buffer", b.index, "err", err)
		s.recovery.bufferStopped()
		s.maybeReleaseInterface()
		return
	case err != nil:
		s.metrics.transferErrors.WithLabelValues("in").Inc()
		p.errLog.Do(func() {
			_ = level.Warn(s.logger).Log("msg", "bulk read from tuning adapter failed; resubmitting", "buffer", b.index, "err", err)
		})
	case n > 0:
		s.sendMessage(b.data[:n])
	}

	if s.closed || s.recovery.state != stateActive {
		// recovery resubmits the whole pool once it is done
		s.recovery.bufferStopped()
		s.maybeReleaseInterface()
		return
	}
	p.submit(b)
}

func (p *bufferPool) resumable() bool {
	s := p.s
	return !s.closed && !s.peripheralLost && s.claimed && s.recovery.state == stateActive
}
