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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/hififo/pkg/config"
	"gvisor.dev/hififo/pkg/fifo"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print the geometry of every channel"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info - print the ring sizes and pointers of every channel
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	reg := args[1].(prometheus.Registerer)

	b, err := OpenBoard(conf, reg)
	if err != nil {
		return Errorf("opening board: %v", err)
	}
	defer b.Close()
	if err := printInfo(os.Stdout, b.Device); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printInfo(w io.Writer, dev *fifo.Device) error {
	for _, c := range dev.Channels() {
		h, err := c.Open()
		if err != nil {
			return err
		}
		info, err := h.Info()
		h.Close()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: drain %d bytes at %d, fill %d bytes at %d, mapping %d bytes\n",
			c.Name(), info.DrainCapacity, info.DrainPointer, info.FillCapacity, info.FillPointer, info.MappingSize())
	}
	return nil
}
