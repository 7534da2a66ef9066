package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MatthiasValvekens/ta-bridge/loop"
	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testControlDevice  = "urn:test:device:ctl:1"
	testControlService = "urn:test:service:ctl:1"
	waitFor            = 2 * time.Second
	tick               = 5 * time.Millisecond
)

var testOptions = Options{
	ControlDeviceType:  testControlDevice,
	ControlServiceType: testControlService,
	WriteTimeout:       time.Second,
	RPCTimeout:         time.Second,
	RetryDelay:         5 * time.Millisecond,
	ReenableDelay:      10 * time.Millisecond,
	CancelGrace:        500 * time.Millisecond,
}

type fakePeripheral struct {
	id    PeripheralID
	data  chan []byte
	errs  chan error
	mu    sync.Mutex
	calls []string
	// concurrent Read calls
	reading    int
	maxReading int
	writes     [][]byte
	claimErrs  int
	resetErr   error
	closed     bool
	reads      int
	// when set, the next cancelled read keeps running until it is closed
	holdCancel chan struct{}
}

func newFakePeripheral(bus, address int) *fakePeripheral {
	return &fakePeripheral{
		id:   PeripheralID{Bus: bus, Address: address},
		data: make(chan []byte, 16),
		errs: make(chan error, 16),
	}
}

func (f *fakePeripheral) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePeripheral) ID() PeripheralID { return f.id }

func (f *fakePeripheral) Claim() error {
	f.record("claim")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErrs > 0 {
		f.claimErrs--
		return errors.New("claim failed")
	}
	return nil
}

func (f *fakePeripheral) Release() error {
	f.record("release")
	return nil
}

func (f *fakePeripheral) Reset() error {
	f.record("reset")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetErr
}

func (f *fakePeripheral) Read(ctx context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	f.reads++
	f.reading++
	if f.reading > f.maxReading {
		f.maxReading = f.reading
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.reading--
		f.mu.Unlock()
	}()
	select {
	case d := <-f.data:
		return copy(buf, d), nil
	case err := <-f.errs:
		return 0, err
	case <-ctx.Done():
		f.mu.Lock()
		hold := f.holdCancel
		f.holdCancel = nil
		f.mu.Unlock()
		if hold != nil {
			<-hold
		}
		return 0, ctx.Err()
	}
}

func (f *fakePeripheral) Write(_ context.Context, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func (f *fakePeripheral) Close() error {
	f.record("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeripheral) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePeripheral) Reading() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading
}

func (f *fakePeripheral) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakePeripheral) MaxReading() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxReading
}

func (f *fakePeripheral) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

type fakeControl struct {
	mu             sync.Mutex
	enabled        bool
	calls          []string
	sent           []string
	queryFailures  int
	setFailures    int
	handler        EventHandler
	unsubscribed   bool
	resetCompletes int
	// when set, enabling blocks until it is closed
	holdEnable     chan struct{}
	enableBlocked  bool
}

func (c *fakeControl) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeControl) SendMessage(_ context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeControl) SetEnabled(_ context.Context, enabled bool) error {
	c.mu.Lock()
	if hold := c.holdEnable; enabled && hold != nil {
		c.holdEnable = nil
		c.enableBlocked = true
		c.mu.Unlock()
		<-hold
		c.mu.Lock()
		c.enableBlocked = false
	}
	defer c.mu.Unlock()
	if enabled {
		c.record("enable")
	} else {
		c.record("disable")
	}
	if c.setFailures > 0 {
		c.setFailures--
		return errors.New("action failed")
	}
	c.enabled = enabled
	return nil
}

func (c *fakeControl) QueryEnabled(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("query")
	if c.queryFailures > 0 {
		c.queryFailures--
		return false, errors.New("query failed")
	}
	return c.enabled, nil
}

func (c *fakeControl) ResetComplete(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("reset-complete")
	c.resetCompletes++
	return nil
}

func (c *fakeControl) Subscribe(_ context.Context, h EventHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return fakeSubscription{c}, nil
}

type fakeSubscription struct {
	c *fakeControl
}

func (s fakeSubscription) Cancel(context.Context) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.unsubscribed = true
	return nil
}

func (c *fakeControl) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeControl) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeControl) Handler() EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *fakeControl) EnableBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableBlocked
}

func (c *fakeControl) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func endpointWith(udn string, c ControlService) Endpoint {
	return Endpoint{
		UDN:          udn,
		FriendlyName: "Secure Container " + udn,
		SubDevices: []SubDevice{{
			DeviceType: testControlDevice,
			UDN:        udn + "-ctl",
			Services:   map[string]ControlService{testControlService: c},
		}},
	}
}

type harness struct {
	t      *testing.T
	loop   *loop.Loop
	engine *Engine
	reg    *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := loop.New(nil)
	reg := prometheus.NewRegistry()
	h := &harness{
		t:      t,
		loop:   l,
		engine: NewEngine(l, testOptions, nil, reg),
		reg:    reg,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) do(f func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(context.Background(), f))
}

func (h *harness) sessions() []SessionInfo {
	var out []SessionInfo
	h.do(func() { out = h.engine.Sessions() })
	return out
}

func (h *harness) queuedPeripherals() []PeripheralID {
	var out []PeripheralID
	h.do(func() { out = h.engine.QueuedPeripherals() })
	return out
}

func (h *harness) queuedEndpoints() []string {
	var out []string
	h.do(func() { out = h.engine.QueuedEndpoints() })
	return out
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

// pair sets up one endpoint and one peripheral and waits for the pool to
// be fully submitted.
func (h *harness) pair(udn string, c *fakeControl, p *fakePeripheral) {
	h.t.Helper()
	h.do(func() { h.engine.OnEndpointAppeared(endpointWith(udn, c)) })
	h.do(func() { h.engine.OnPeripheralAppeared(p) })
	h.eventually(func() bool {
		s := h.sessions()
		return len(s) == 1 && s[0].Outstanding == TARecvBuffers && p.Reading() == TARecvBuffers
	}, "pool never filled")
	h.eventually(func() bool { return c.Handler() != nil }, "never subscribed")
}
