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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skywatch/indi/indi"
)

var (
	cfgFile string
	host    string
	port    int
	timeout time.Duration
	verbose bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "indictl",
	Short: "A command-line INDI client",
	Long: `indictl talks to INDI servers controlling astronomical instruments.

It can list devices, read and command properties, follow live updates and
run the observation scheduler.

Examples:
  # List devices and properties on a server
  indictl scan -H localhost

  # Read a property
  indictl get -H localhost "Telescope Simulator" EQUATORIAL_EOD_COORD

  # Command a property and wait for the device to confirm
  indictl set -H localhost "Telescope Simulator" EQUATORIAL_EOD_COORD RA=5.5 DEC=22.0 --wait

  # Follow every update from the server
  indictl watch -H localhost`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logger
		logLevel := slog.LevelWarn
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.indictl.yaml)")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "INDI server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", indi.DefaultPort, "INDI server port")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Command confirmation timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Bind flags to viper
	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add subcommands
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".indictl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("INDI")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// createClient creates an INDI client with current configuration
func createClient(opts ...indi.Option) (*indi.Client, error) {
	opts = append([]indi.Option{
		indi.WithPort(port),
		indi.WithCommandTimeout(timeout),
		indi.WithLogger(logger),
	}, opts...)

	return indi.NewClient(host, opts...)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("indictl version 1.0.0 (INDI protocol %s)\n", indi.ProtocolVersion)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
