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
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skywatch/indi/indi"
)

var setWaitConfirm bool

var setCmd = &cobra.Command{
	Use:   "set DEVICE PROPERTY ELEM=VALUE [ELEM=VALUE...]",
	Short: "Command new values on a property",
	Long: `Set sends new element values to a writable property. Values are
interpreted by the property's kind: numbers for number vectors, On/Off for
switch vectors, free text for text vectors and @file for BLOB vectors.

Examples:
  # Slew a telescope and wait until it arrives
  indictl set "Telescope Simulator" EQUATORIAL_EOD_COORD RA=5.5 DEC=22.0 --wait

  # Turn on device connection
  indictl set "CCD Simulator" CONNECTION CONNECT=On`,

	Args: cobra.MinimumNArgs(3),
	RunE: runSet,
}

func init() {
	setCmd.Flags().BoolVar(&setWaitConfirm, "wait", false, "Block until the device confirms the values")
}

func runSet(cmd *cobra.Command, args []string) error {
	device, property := args[0], args[1]

	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	if err := client.Await(device, property, 5*time.Second, func(*indi.Property) bool { return true }); err != nil {
		return fmt.Errorf("%s.%s: %w", device, property, err)
	}
	prop := client.Property(device, property)

	values := make(map[string]interface{}, len(args)-2)
	for _, pair := range args[2:] {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("want ELEM=VALUE, got %q", pair)
		}
		value, err := parseValue(prop.Kind, raw)
		if err != nil {
			return fmt.Errorf("element %s: %w", name, err)
		}
		values[name] = value
	}

	var opts []indi.SetOption
	if setWaitConfirm {
		opts = append(opts, indi.WithWaitTimeout(timeout))
	}

	result, err := client.Set(ctx, device, property, values, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("%s.%s: %s\n", device, property, result)
	if result == indi.ResultTimedOut {
		os.Exit(1)
	}
	return nil
}

// parseValue converts a command-line value into the Go type Set expects
// for the vector kind
func parseValue(kind indi.PropertyKind, raw string) (interface{}, error) {
	switch kind {
	case indi.KindSwitch:
		st, ok := indi.ParseSwitchState(raw)
		if !ok {
			return nil, fmt.Errorf("%q is not On/Off", raw)
		}
		return st, nil
	case indi.KindNumber:
		return strconv.ParseFloat(raw, 64)
	case indi.KindText:
		return raw, nil
	case indi.KindBLOB:
		path, ok := strings.CutPrefix(raw, "@")
		if !ok {
			return nil, fmt.Errorf("BLOB values are given as @file")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return indi.BLOBValue{Data: data, Format: filepath.Ext(path)}, nil
	}
	return nil, fmt.Errorf("%s vectors cannot be commanded", kind)
}
