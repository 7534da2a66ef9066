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
	"fmt"
	"strings"

	"github.com/MatthiasValvekens/ta-bridge/bridge"
	"github.com/MatthiasValvekens/ta-bridge/driver"
	"github.com/MatthiasValvekens/ta-bridge/upnp"
	"github.com/efficientgo/core/errors"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	listFormatText = "text"
	listFormatYAML = "yaml"
)

// initConfig defines config flags, config file, and envs
func initConfig(args []string) error {
	fs := flag.NewFlagSet("ta-bridge", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	fs.String("log-file", "", "Also write logs to this file, rotating it as it grows.")
	fs.Int("log-max-size-mb", 100, "Size in megabytes at which the log file is rotated.")
	fs.Int("log-max-backups", 3, "Number of rotated log files to keep.")
	fs.Int("log-max-age-days", 28, "Number of days to keep rotated log files.")
	fs.String("listen", ":8080", "The address at which to listen for health and metrics.")

	fs.Bool("list", false, "List the attached USB devices and exit.")
	fs.String("list-format", listFormatText, "Output format of --list: text or yaml.")
	fs.Int("bus", 0, "Only bridge tuning adapters on this USB bus.")
	fs.Int("address", 0, "Only bridge the tuning adapter at this USB address.")
	fs.String("vendor", "", "USB vendor ID of the tuning adapter, in hex.")
	fs.String("product", "", "USB product ID of the tuning adapter, in hex.")
	fs.StringSlice("signatures", nil, "Tuning adapter signatures as vendor:product pairs, in hex.")
	fs.String("sysfs-root", driver.Sys, "Mount point of sysfs.")
	fs.Duration("usb-poll-interval", driver.DefaultPollInterval, "Interval between scans for attached tuning adapters.")

	fs.String("search-target", upnp.DefaultSearchTarget, "SSDP search target used to find secure containers.")
	fs.String("control-device-type", bridge.DefaultControlDeviceType, "UPnP device type of the secure container's control sub-device.")
	fs.String("control-service-type", bridge.DefaultControlServiceType, "UPnP service type of the secure container's control service.")
	fs.Duration("discovery-interval", upnp.DefaultDiscoveryInterval, "Interval between SSDP searches.")
	fs.Int("discovery-misses", upnp.DefaultDiscoveryMisses, "Number of unanswered searches after which a secure container is considered gone.")
	fs.String("callback-listen", ":0", "The address at which to receive event notifications.")
	fs.Duration("subscription-timeout", upnp.DefaultSubscriptionTimeout, "Requested duration of event subscriptions.")

	fs.Duration("rpc-timeout", bridge.DefaultRPCTimeout, "Deadline of calls to the control service.")
	fs.Duration("write-timeout", bridge.DefaultWriteTimeout, "Deadline of bulk writes to the tuning adapter.")
	fs.Duration("retry-delay", bridge.DefaultRetryDelay, "Delay before a failed claim, subscription or handshake step is retried.")
	fs.Duration("reenable-delay", bridge.DefaultReenableDelay, "Delay between disabling and re-enabling an already enabled bridge.")
	fs.Duration("cancel-grace", bridge.DefaultCancelGrace, "Time allowed for reads to drain before an adapter reset proceeds anyway.")
	fs.Bool("commands", true, "Read operator commands from standard input.")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := viper.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/ta-bridge/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getFilter assembles the tuning adapter filter from the signatures list and
// the single vendor/product pair.
func getFilter() (driver.Filter, error) {
	sigs, err := driver.DecodeSignatures(viper.Get("signatures"))
	if err != nil {
		return driver.Filter{}, errors.Wrap(err, "failed to decode signatures")
	}
	vendor, product := viper.GetString("vendor"), viper.GetString("product")
	if (vendor == "") != (product == "") {
		return driver.Filter{}, errors.New("vendor and product must be given together")
	}
	if vendor != "" {
		sig, err := driver.ParseSignature(vendor + ":" + product)
		if err != nil {
			return driver.Filter{}, err
		}
		sigs = append(sigs, sig)
	}
	return driver.Filter{
		Signatures: sigs,
		Bus:        viper.GetInt("bus"),
		Address:    viper.GetInt("address"),
	}, nil
}

func getBridgeOptions() bridge.Options {
	return bridge.Options{
		ControlDeviceType:  viper.GetString("control-device-type"),
		ControlServiceType: viper.GetString("control-service-type"),
		WriteTimeout:       viper.GetDuration("write-timeout"),
		RPCTimeout:         viper.GetDuration("rpc-timeout"),
		RetryDelay:         viper.GetDuration("retry-delay"),
		ReenableDelay:      viper.GetDuration("reenable-delay"),
		CancelGrace:        viper.GetDuration("cancel-grace"),
	}
}
