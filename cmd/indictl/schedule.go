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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skywatch/indi/indi"
	"github.com/skywatch/indi/scheduler"
)

var (
	schedCachePath string
	schedMount     string
	schedCamera    string
	schedWheel     string

	submitRA       float64
	submitDec      float64
	submitDuration float64
	submitFilter   string
	submitPriority int
	submitProposal string
	submitStart    string
	submitEnd      string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run and manage the observation scheduler",
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute queued jobs against the server",
	Long: `Run connects to the INDI server, enables BLOB transfer for the
camera, and works through the job queue one event at a time until
interrupted.`,
	RunE: runSchedule,
}

var scheduleSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a static-pointing exposure job",
	RunE:  runScheduleSubmit,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by status",
	RunE:  runScheduleList,
}

func init() {
	scheduleCmd.PersistentFlags().StringVar(&schedCachePath, "cache", "jobs.db", "Path to the job database")
	scheduleCmd.PersistentFlags().StringVar(&schedMount, "mount", "iOptron CEM70", "INDI name of the mount")
	scheduleCmd.PersistentFlags().StringVar(&schedCamera, "camera", "ZWO CCD ASI533MM Pro", "INDI name of the camera")
	scheduleCmd.PersistentFlags().StringVar(&schedWheel, "wheel", "iOptron CEM70", "INDI name of the filter wheel")

	viper.BindPFlag("cache", scheduleCmd.PersistentFlags().Lookup("cache"))
	viper.BindPFlag("mount", scheduleCmd.PersistentFlags().Lookup("mount"))
	viper.BindPFlag("camera", scheduleCmd.PersistentFlags().Lookup("camera"))
	viper.BindPFlag("wheel", scheduleCmd.PersistentFlags().Lookup("wheel"))

	scheduleSubmitCmd.Flags().Float64Var(&submitRA, "ra", 0, "Right ascension, degrees")
	scheduleSubmitCmd.Flags().Float64Var(&submitDec, "dec", 0, "Declination, degrees")
	scheduleSubmitCmd.Flags().Float64Var(&submitDuration, "duration", 1, "Exposure seconds per frame")
	scheduleSubmitCmd.Flags().StringVar(&submitFilter, "filter", "g", "Filter characters, one exposure each")
	scheduleSubmitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Job priority, higher runs first")
	scheduleSubmitCmd.Flags().StringVar(&submitProposal, "proposal", "", "Proposal the job belongs to")
	scheduleSubmitCmd.Flags().StringVar(&submitStart, "start", "", "Earliest start (RFC 3339)")
	scheduleSubmitCmd.Flags().StringVar(&submitEnd, "end", "", "Latest start (RFC 3339)")
	scheduleSubmitCmd.MarkFlagRequired("ra")
	scheduleSubmitCmd.MarkFlagRequired("dec")

	scheduleCmd.AddCommand(scheduleRunCmd)
	scheduleCmd.AddCommand(scheduleSubmitCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cache, err := scheduler.OpenCache(schedCachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	client, err := createClient(indi.WithBLOBMode(schedCamera, indi.BLOBAlso))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nStopping scheduler...")
		cancel()
	}()

	devices := scheduler.Devices{
		Mount:       schedMount,
		Camera:      schedCamera,
		FilterWheel: schedWheel,
	}
	fmt.Printf("Scheduler running (mount=%q camera=%q wheel=%q)\n", schedMount, schedCamera, schedWheel)

	sched := scheduler.New(client, cache, devices, logger)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runScheduleSubmit(cmd *cobra.Command, args []string) error {
	cache, err := scheduler.OpenCache(schedCachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	var start, end *time.Time
	if submitStart != "" {
		t, err := time.Parse(time.RFC3339, submitStart)
		if err != nil {
			return fmt.Errorf("bad --start: %w", err)
		}
		start = &t
	}
	if submitEnd != "" {
		t, err := time.Parse(time.RFC3339, submitEnd)
		if err != nil {
			return fmt.Errorf("bad --end: %w", err)
		}
		end = &t
	}

	job := scheduler.NewStaticExposure(submitProposal, submitPriority, start, end,
		submitRA, submitDec, submitDuration, submitFilter)
	job, err = cache.SubmitJob(job)
	if err != nil {
		return err
	}
	fmt.Printf("Queued job %s: %s filter=%s duration=%gs\n", job.ID, job.Cmd, job.Filter, job.Duration)
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cache, err := scheduler.OpenCache(schedCachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	for _, status := range []scheduler.JobStatus{
		scheduler.JobQueued, scheduler.JobRunning, scheduler.JobFinished, scheduler.JobFailed,
	} {
		jobs, err := cache.Jobs(status)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			continue
		}
		fmt.Printf("%s:\n", status)
		for _, job := range jobs {
			fmt.Printf("  %s  p%-3d %-30s filter=%s\n", job.ID, job.Priority, job.Cmd, job.Filter)
		}
	}
	return nil
}
