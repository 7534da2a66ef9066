// SPDX-License-Identifier: GPL-2.0-only

package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/huin/goupnp/soap"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultSubscriptionTimeout = 300 * time.Second

	eventsPath       = "/events/"
	maxEventSize     = 1 << 20
	minRenewInterval = time.Second
	renewRetryDelay  = 10 * time.Second

	variableMessage            = "UDCPMessage"
	variableCommunicationError = "TACommunicationError"
)

// Listener receives the state variable changes of one subscription.
type Listener interface {
	PropertyChanged(name, value string) error
}

type propertySet struct {
	XMLName    xml.Name   `xml:"urn:schemas-upnp-org:event-1-0 propertyset"`
	Properties []property `xml:"urn:schemas-upnp-org:event-1-0 property"`
}

type property struct {
	Variables []variable `xml:",any"`
}

type variable struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func parsePropertySet(r io.Reader) ([]variable, error) {
	var set propertySet
	if err := xml.NewDecoder(r).Decode(&set); err != nil {
		return nil, errors.Wrap(err, "malformed property set")
	}
	var vars []variable
	for _, p := range set.Properties {
		vars = append(vars, p.Variables...)
	}
	return vars, nil
}

// parseTimeout parses a GENA TIMEOUT header. Zero means infinite.
func parseTimeout(header string) (time.Duration, error) {
	header = strings.TrimSpace(header)
	if strings.EqualFold(header, "infinite") || strings.EqualFold(header, "Second-infinite") {
		return 0, nil
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "Second-") {
		return 0, errors.Newf("invalid timeout %q", header)
	}
	secs, err := strconv.Atoi(header[7:])
	if err != nil || secs <= 0 {
		return 0, errors.Newf("invalid timeout %q", header)
	}
	return time.Duration(secs) * time.Second, nil
}

// EventServer subscribes to evented services and receives their
// notifications on a local HTTP callback endpoint.
type EventServer struct {
	timeout  time.Duration
	client   *http.Client
	logger   log.Logger
	listener net.Listener
	server   *http.Server

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewEventServer(listen string, timeout time.Duration, logger log.Logger) (*EventServer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = DefaultSubscriptionTimeout
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", listen)
	}
	s := &EventServer{
		timeout:  timeout,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		listener: l,
		subs:     map[string]*Subscription{},
	}
	mux := http.NewServeMux()
	mux.Handle(eventsPath, s)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *EventServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve handles notifications until Close is called.
func (s *EventServer) Serve() error {
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "event server exited unexpectedly")
	}
	return nil
}

func (s *EventServer) Close() error {
	return s.server.Close()
}

// callbackURL returns the address under which the device at target can
// reach this server.
func (s *EventServer) callbackURL(target url.URL, token string) (string, error) {
	host := target.Host
	if target.Port() == "" {
		host = net.JoinHostPort(target.Hostname(), "80")
	}
	// no packets are sent, this only selects the outbound interface
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "", errors.Wrapf(err, "no route to %s", host)
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)
	_, port, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s%s%s", net.JoinHostPort(local.IP.String(), port), eventsPath, token), nil
}

// Subscribe subscribes to the service events published at eventURL and
// keeps the subscription renewed until it is cancelled.
func (s *EventServer) Subscribe(ctx context.Context, eventURL url.URL, listener Listener) (*Subscription, error) {
	token := ulid.Make().String()
	callback, err := s.callbackURL(eventURL, token)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		server:   s,
		token:    token,
		eventURL: eventURL,
		callback: callback,
		listener: listener,
		logger:   log.With(s.logger, "publisher", eventURL.String()),
		done:     make(chan struct{}),
	}
	// notifications may arrive before the response to SUBSCRIBE
	s.mu.Lock()
	s.subs[token] = sub
	s.mu.Unlock()

	sid, granted, err := s.subscribe(ctx, eventURL, callback)
	if err != nil {
		s.forget(token)
		return nil, err
	}
	sub.mu.Lock()
	sub.sid = sid
	sub.mu.Unlock()

	renewCtx, cancel := context.WithCancel(context.Background())
	sub.stop = cancel
	go sub.renew(renewCtx, granted)
	_ = level.Debug(sub.logger).Log("msg", "subscribed to events", "sid", sid, "timeout", granted)
	return sub, nil
}

func (s *EventServer) forget(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, token)
}

func (s *EventServer) timeoutHeader() string {
	return fmt.Sprintf("Second-%d", int(s.timeout/time.Second))
}

func (s *EventServer) subscribe(ctx context.Context, eventURL url.URL, callback string) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL.String(), nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("CALLBACK", "<"+callback+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", s.timeoutHeader())
	return s.doSubscribe(req)
}

func (s *EventServer) resubscribe(ctx context.Context, eventURL url.URL, sid string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", s.timeoutHeader())
	_, granted, err := s.doSubscribe(req)
	return granted, err
}

func (s *EventServer) doSubscribe(req *http.Request) (string, time.Duration, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "SUBSCRIBE failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.Newf("SUBSCRIBE failed: %s", resp.Status)
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		return "", 0, errors.New("SUBSCRIBE response without SID")
	}
	granted, err := parseTimeout(resp.Header.Get("TIMEOUT"))
	if err != nil {
		return "", 0, err
	}
	return sid, granted, nil
}

func (s *EventServer) unsubscribe(ctx context.Context, eventURL url.URL, sid string) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", eventURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "UNSUBSCRIBE failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("UNSUBSCRIBE failed: %s", resp.Status)
	}
	return nil
}

func (s *EventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "NOTIFY" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, eventsPath)
	s.mu.Lock()
	sub, ok := s.subs[token]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if r.Header.Get("NT") != "upnp:event" || r.Header.Get("NTS") != "upnp:propchange" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if sid := sub.SID(); sid != "" && r.Header.Get("SID") != sid {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	vars, err := parsePropertySet(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		_ = level.Warn(sub.logger).Log("msg", "dropping malformed event", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	// the initial event carries state from before this subscription
	if r.Header.Get("SEQ") == "0" {
		return
	}
	for _, v := range vars {
		if err := sub.listener.PropertyChanged(v.XMLName.Local, v.Value); err != nil {
			_ = level.Warn(sub.logger).Log("msg", "failed to handle event", "variable", v.XMLName.Local, "err", err)
		}
	}
}

// Subscription is an active event subscription.
type Subscription struct {
	server   *EventServer
	token    string
	eventURL url.URL
	callback string
	listener Listener
	logger   log.Logger
	stop     context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	sid string
}

var _ bridge.Subscription = (*Subscription)(nil)

func (sub *Subscription) SID() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.sid
}

func (sub *Subscription) renew(ctx context.Context, granted time.Duration) {
	defer close(sub.done)
	for {
		wait := granted / 2
		if granted == 0 {
			// infinite subscriptions are still refreshed now and then
			wait = sub.server.timeout / 2
		}
		if wait < minRenewInterval {
			wait = minRenewInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		var err error
		granted, err = sub.server.resubscribe(ctx, sub.eventURL, sub.SID())
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		_ = level.Warn(sub.logger).Log("msg", "failed to renew event subscription; subscribing again", "err", err)
		var sid string
		sid, granted, err = sub.server.subscribe(ctx, sub.eventURL, sub.callback)
		if err != nil {
			_ = level.Warn(sub.logger).Log("msg", "failed to subscribe to events", "err", err)
			granted = 2 * renewRetryDelay
			continue
		}
		sub.mu.Lock()
		sub.sid = sid
		sub.mu.Unlock()
	}
}

// Cancel stops renewing the subscription and unsubscribes.
func (sub *Subscription) Cancel(ctx context.Context) error {
	sub.stop()
	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	sub.server.forget(sub.token)
	return sub.server.unsubscribe(ctx, sub.eventURL, sub.SID())
}

// controlEvents maps the evented variables of the control service onto a
// bridge.EventHandler.
type controlEvents struct {
	h bridge.EventHandler
}

func (e controlEvents) PropertyChanged(name, value string) error {
	switch name {
	case variableMessage:
		e.h.MessageReceived(value)
	case variableCommunicationError:
		failed, err := soap.UnmarshalBoolean(strings.TrimSpace(value))
		if err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
		e.h.CommunicationErrorChanged(failed)
	}
	return nil
}
