// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/MatthiasValvekens/ta-bridge/loop"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// commandReader executes operator commands read line by line.
type commandReader struct {
	in     io.Reader
	out    io.Writer
	loop   *loop.Loop
	engine *bridge.Engine
	logger log.Logger
}

func newCommandReader(in io.Reader, out io.Writer, l *loop.Loop, engine *bridge.Engine, logger log.Logger) *commandReader {
	return &commandReader{in: in, out: out, loop: l, engine: engine, logger: logger}
}

// Run processes commands until ctx is done. Closing the input does not stop
// the daemon.
func (c *commandReader) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to read commands", "err", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := c.execute(ctx, strings.TrimSpace(line)); err != nil {
				_ = level.Warn(c.logger).Log("msg", "command failed", "command", line, "err", err)
			}
		}
	}
}

func (c *commandReader) execute(ctx context.Context, cmd string) error {
	switch cmd {
	case "":
		return nil
	case "reset":
		var resetErr error
		if err := c.loop.Call(ctx, func() { resetErr = c.engine.ResetFirst() }); err != nil {
			return err
		}
		if msg := resetOutcome(resetErr); msg != "" {
			_, _ = fmt.Fprintln(c.out, msg)
		}
		return nil
	case "status":
		var (
			sessions    []bridge.SessionInfo
			peripherals []bridge.PeripheralID
			endpoints   []string
		)
		err := c.loop.Call(ctx, func() {
			sessions = c.engine.Sessions()
			peripherals = c.engine.QueuedPeripherals()
			endpoints = c.engine.QueuedEndpoints()
		})
		if err != nil {
			return err
		}
		printStatus(c.out, sessions, peripherals, endpoints)
		return nil
	default:
		_, _ = fmt.Fprintf(c.out, "Unknown command: %s\n", cmd)
		return nil
	}
}

// resetOutcome is the operator feedback for a reset request. A started
// reset prints nothing.
func resetOutcome(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, bridge.ErrNoPairing):
		return "No pair found."
	default:
		return fmt.Sprintf("Reset not started: %v.", err)
	}
}

func printStatus(w io.Writer, sessions []bridge.SessionInfo, peripherals []bridge.PeripheralID, endpoints []string) {
	_, _ = fmt.Fprintf(w, "pairs: %d\n", len(sessions))
	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "  %s  %s <-> %s  reads=%d recovery=%s handshake=%s\n",
			s.ID, s.Peripheral, s.UDN, s.Outstanding, s.Recovery, s.Handshake)
	}
	ids := make([]string, len(peripherals))
	for i, id := range peripherals {
		ids[i] = id.String()
	}
	_, _ = fmt.Fprintf(w, "waiting adapters: %s\n", orNone(ids))
	_, _ = fmt.Fprintf(w, "waiting containers: %s\n", orNone(endpoints))
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, " ")
}
