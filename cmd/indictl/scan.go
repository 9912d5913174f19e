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
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	scanWait       time.Duration
	scanProperties bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List devices announced by the server",
	Long: `Scan connects, asks the server for all properties, and lists the
devices that answer within the wait window.

Examples:
  # List devices
  indictl scan

  # Include every property of every device
  indictl scan --properties

  # Wait longer for slow drivers
  indictl scan --wait 5s`,

	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanWait, "wait", 2*time.Second, "How long to collect definitions")
	scanCmd.Flags().BoolVar(&scanProperties, "properties", false, "List properties under each device")
}

func runScan(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), scanWait+5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintln(os.Stderr, "Collecting device definitions...")
	time.Sleep(scanWait)

	snap := client.Snapshot()
	if len(snap.Devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	names := make([]string, 0, len(snap.Devices))
	for name := range snap.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dev := snap.Devices[name]
		fmt.Printf("%s (%d properties)\n", name, len(dev.Properties))
		if !scanProperties {
			continue
		}
		props := make([]string, 0, len(dev.Properties))
		for pname := range dev.Properties {
			props = append(props, pname)
		}
		sort.Strings(props)
		for _, pname := range props {
			printProperty(dev.Properties[pname], "  ")
		}
	}
	return nil
}
