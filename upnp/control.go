// SPDX-License-Identifier: GPL-2.0-only

package upnp

import (
	"context"
	"net/url"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/efficientgo/core/errors"
	"github.com/huin/goupnp/soap"
)

const (
	controlNamespace = "urn:schemas-upnp-org:control-1-0"
	enableVariable   = "A_ARG_TYPE_OCTA_ENABLE"

	actionSendMessage   = "SendMessageToUDCP"
	actionInit          = "OCTAInit"
	actionQueryVariable = "QueryStateVariable"
	actionResetComplete = "USBResetComplete"
)

// ControlClient drives the device control service of one secure container
// over SOAP.
type ControlClient struct {
	serviceType string
	soap        *soap.SOAPClient
	eventURL    url.URL
	events      *EventServer
}

var _ bridge.ControlService = (*ControlClient)(nil)

func NewControlClient(serviceType string, controlURL, eventURL url.URL, events *EventServer) *ControlClient {
	return &ControlClient{
		serviceType: serviceType,
		soap:        soap.NewSOAPClient(controlURL),
		eventURL:    eventURL,
		events:      events,
	}
}

func (c *ControlClient) SendMessage(ctx context.Context, msg string) error {
	request := &struct {
		OCTAMessage string
	}{msg}
	if err := c.soap.PerformActionCtx(ctx, c.serviceType, actionSendMessage, request, nil); err != nil {
		return errors.Wrap(err, actionSendMessage)
	}
	return nil
}

func (c *ControlClient) SetEnabled(ctx context.Context, enabled bool) error {
	value, err := soap.MarshalBoolean(enabled)
	if err != nil {
		return err
	}
	request := &struct {
		EnableOCTA string
	}{value}
	if err := c.soap.PerformActionCtx(ctx, c.serviceType, actionInit, request, nil); err != nil {
		return errors.Wrapf(err, "%s(%t)", actionInit, enabled)
	}
	return nil
}

func (c *ControlClient) QueryEnabled(ctx context.Context) (bool, error) {
	request := &struct {
		VarName string `soap:"varName"`
	}{enableVariable}
	response := &struct {
		Return string `xml:"return"`
	}{}
	if err := c.soap.PerformActionCtx(ctx, controlNamespace, actionQueryVariable, request, response); err != nil {
		return false, errors.Wrapf(err, "%s(%s)", actionQueryVariable, enableVariable)
	}
	enabled, err := soap.UnmarshalBoolean(response.Return)
	if err != nil {
		return false, errors.Wrapf(err, "unexpected value of %s", enableVariable)
	}
	return enabled, nil
}

func (c *ControlClient) ResetComplete(ctx context.Context) error {
	if err := c.soap.PerformActionCtx(ctx, c.serviceType, actionResetComplete, nil, nil); err != nil {
		return errors.Wrap(err, actionResetComplete)
	}
	return nil
}

func (c *ControlClient) Subscribe(ctx context.Context, h bridge.EventHandler) (bridge.Subscription, error) {
	if c.events == nil {
		return nil, errors.New("eventing disabled")
	}
	sub, err := c.events.Subscribe(ctx, c.eventURL, controlEvents{h})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
