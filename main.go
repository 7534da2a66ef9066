// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/MatthiasValvekens/ta-bridge/driver"
	"github.com/MatthiasValvekens/ta-bridge/loop"
	"github.com/MatthiasValvekens/ta-bridge/upnp"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"

	shutdownTimeout = 10 * time.Second
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

func newLogger(w io.Writer) (log.Logger, error) {
	if file := viper.GetString("log-file"); file != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log-max-size-mb"),
			MaxBackups: viper.GetInt("log-max-backups"),
			MaxAge:     viper.GetInt("log-max-age-days"),
		})
	}
	logger := log.NewJSONLogger(log.NewSyncWriter(w))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(os.Args[1:]); err != nil {
		return err
	}

	filter, err := getFilter()
	if err != nil {
		return err
	}
	sysfs := os.DirFS(viper.GetString("sysfs-root"))

	if viper.GetBool("list") {
		return listDevices(os.Stdout, sysfs, filter, viper.GetString("list-format"))
	}
	if len(filter.Signatures) == 0 {
		return fmt.Errorf("at least one tuning adapter signature must be specified")
	}

	logger, err := newLogger(os.Stdout)
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eventLoop := loop.New(log.With(logger, "component", "loop"))
	engine := bridge.NewEngine(eventLoop, getBridgeOptions(), log.With(logger, "component", "engine"), r)

	opener, err := driver.NewUSBOpener(log.With(logger, "component", "usb"))
	if err != nil {
		return err
	}
	defer func() {
		_ = opener.Close()
	}()

	events, err := upnp.NewEventServer(
		viper.GetString("callback-listen"),
		viper.GetDuration("subscription-timeout"),
		log.With(logger, "component", "events"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to start event server")
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		watcher := driver.NewWatcher(sysfs, filter, opener, viper.GetDuration("usb-poll-interval"), driver.WatcherCallbacks{
			Appeared: func(p bridge.Peripheral) {
				if !eventLoop.Post(func() { engine.OnPeripheralAppeared(p) }) {
					_ = p.Close()
				}
			},
			Lost: func(id bridge.PeripheralID) {
				eventLoop.Post(func() { engine.OnPeripheralLost(id) })
			},
		}, log.With(logger, "component", "watcher"))
		g.Add(func() error {
			return watcher.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "receiving event notifications", "addr", events.Addr())
			return events.Serve()
		}, func(error) {
			_ = events.Close()
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		discoverer := upnp.NewDiscoverer(viper.GetString("search-target"), events, upnp.DiscovererCallbacks{
			Appeared: func(ep bridge.Endpoint) {
				eventLoop.Post(func() { engine.OnEndpointAppeared(ep) })
			},
			Lost: func(udn string) {
				eventLoop.Post(func() { engine.OnEndpointLost(udn) })
			},
		}, log.With(logger, "component", "discovery"),
			upnp.WithInterval(viper.GetDuration("discovery-interval")),
			upnp.WithMisses(viper.GetInt("discovery-misses")),
		)
		g.Add(func() error {
			return discoverer.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if viper.GetBool("commands") {
		ctx, cancel := context.WithCancel(context.Background())
		commands := newCommandReader(os.Stdin, os.Stdout, eventLoop, engine, log.With(logger, "component", "commands"))
		g.Add(func() error {
			return commands.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		// The event loop owns the engine. It is interrupted last and tears
		// down the pairings before it stops so that bridges get disabled.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = logger.Log("msg", "starting ta-bridge")
			return eventLoop.Run(ctx)
		}, func(error) {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := engine.Shutdown(sctx); err != nil {
				_ = level.Warn(logger).Log("msg", "pairings did not shut down cleanly", "err", err)
			}
			cancel()
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
