package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skywatch/indi/indi"
)

var (
	watchDevice   string
	watchProperty string
	watchBLOBs    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live updates from the server",
	Long: `Watch prints every mirror change as the server streams it, one
line per update.

Examples:
  # Everything
  indictl watch

  # One device
  indictl watch --device "Telescope Simulator"

  # One property, including BLOB payloads
  indictl watch --device "CCD Simulator" --property CCD1 --blobs`,

	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDevice, "device", "", "Only show updates for this device")
	watchCmd.Flags().StringVar(&watchProperty, "property", "", "Only show updates for this property")
	watchCmd.Flags().BoolVar(&watchBLOBs, "blobs", false, "Ask the server to include BLOB payloads")
}

func runWatch(cmd *cobra.Command, args []string) error {
	var opts []indi.Option
	if watchBLOBs {
		opts = append(opts, indi.WithBLOBMode(watchDevice, indi.BLOBAlso))
	}
	client, err := createClient(opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	// Handle interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nStopping watch...")
		cancel()
	}()

	id := client.OnUpdate(watchDevice, watchProperty, func(u indi.Update) {
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), summarizeUpdate(u))
	})
	defer client.Unsubscribe(id)

	fmt.Println("Press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}
