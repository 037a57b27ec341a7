// Copyright 2026 The gVisor Authors.
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

// Binary hififo drives a HIFIFO board, or an emulated one, from userspace.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/hififo/pkg/config"
	"gvisor.dev/hififo/tools/hififo/cmd"
)

// Flags.
var (
	configPath = flag.String("config", "", "path to a TOML configuration file.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	bar        = flag.String("bar", "", "PCI resource file of the board's registers. Overrides device.bar; if both are empty an emulated board is used.")
	uio        = flag.String("uio", "", "UIO node delivering the board's interrupt. Overrides device.uio.")
	metrics    = flag.Bool("metrics", false, "print metrics in the Prometheus text format on exit.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Info), "")
	subcommands.Register(new(cmd.Loopback), "")

	flag.Parse()
	if *debug {
		log.SetLevel(log.Debug)
	}

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(int(subcommands.ExitUsageError))
		}
	}
	if *bar != "" {
		conf.Device.BAR = *bar
	}
	if *uio != "" {
		conf.Device.UIO = *uio
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	reg := prometheus.NewRegistry()
	status := subcommands.Execute(context.Background(), conf, reg)
	if *metrics {
		if err := cmd.DumpMetrics(os.Stdout, reg); err != nil {
			log.Warningf("%v", err)
		}
	}
	os.Exit(int(status))
}
