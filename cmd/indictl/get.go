// Copyright 2026 Skywatch Observatory
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

package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/skywatch/indi/indi"
)

var getWait time.Duration

var getCmd = &cobra.Command{
	Use:   "get DEVICE [PROPERTY]",
	Short: "Read a device's properties",
	Long: `Get reads a single property, or every property of a device,
waiting for the server to define it first.

Examples:
  # One property
  indictl get "Telescope Simulator" EQUATORIAL_EOD_COORD

  # Everything the device exposes
  indictl get "Telescope Simulator"`,

	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

func init() {
	getCmd.Flags().DurationVar(&getWait, "wait", 5*time.Second, "How long to wait for the definition")
}

func runGet(cmd *cobra.Command, args []string) error {
	device := args[0]
	property := ""
	if len(args) == 2 {
		property = args[1]
	}

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), getWait+5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	if property != "" {
		err := client.Await(device, property, getWait, func(*indi.Property) bool { return true })
		if err != nil {
			return fmt.Errorf("%s.%s: %w", device, property, err)
		}
		printProperty(client.Property(device, property), "")
		return nil
	}

	// Whole device: give definitions time to stream in, then dump
	time.Sleep(getWait)
	snap := client.Snapshot()
	dev := snap.Device(device)
	if dev == nil {
		return fmt.Errorf("device %q not found", device)
	}
	names := make([]string, 0, len(dev.Properties))
	for name := range dev.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printProperty(dev.Properties[name], "")
	}
	return nil
}
