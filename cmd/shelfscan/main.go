// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

// shelfscan uploads a photo of a bookshelf to the scan service and
// follows the recognition job to completion, printing each recognized
// book as it streams in.
//
// Configuration comes from a YAML file named by the SHELFSCAN_CONFIG
// environment variable or the --config flag; individual flags override
// file values. A device identity is generated when none is configured.
//
// Usage:
//
//	shelfscan --image shelf.jpg
//	shelfscan --image shelf.jpg --json | jq .
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/shelfscan/shelfscan/lib/scanjob"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath         string
		imagePath          string
		baseURL            string
		deviceID           string
		jsonOutput         bool
		verbose            bool
		cleanupOnInterrupt bool
	)

	flagSet := pflag.NewFlagSet("shelfscan", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (overrides SHELFSCAN_CONFIG)")
	flagSet.StringVar(&imagePath, "image", "", "path to the shelf photo to scan (required)")
	flagSet.StringVar(&baseURL, "base-url", "", "scan service base URL (overrides config)")
	flagSet.StringVar(&deviceID, "device-id", "", "device identity (overrides config; generated if unset)")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit one JSON object per event instead of styled text")
	flagSet.BoolVar(&cleanupOnInterrupt, "cleanup-on-interrupt", false, "delete the server-side job when interrupted mid-scan")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug detail to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if imagePath == "" {
		return fmt.Errorf("--image is required")
	}

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if deviceID != "" {
		config.DeviceID = deviceID
	}
	if config.BaseURL == "" {
		return fmt.Errorf("no base URL: set base_url in the config file or pass --base-url")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if config.DeviceID == "" {
		config.DeviceID = uuid.NewString()
		logger.Info("generated ephemeral device identity", "device_id", config.DeviceID)
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	client, err := scanjob.NewClient(scanjob.Config{
		BaseURL:  config.BaseURL,
		DeviceID: config.DeviceID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	timeout, err := config.timeout()
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output := newRenderer(os.Stdout, jsonOutput)
	job := client.NewJob()

	var rendering sync.WaitGroup
	rendering.Add(1)
	go func() {
		defer rendering.Done()
		for event := range job.Events() {
			output.Event(event)
		}
	}()

	results, err := job.Run(ctx, image)
	rendering.Wait()
	if err != nil {
		if errors.Is(err, scanjob.ErrJobCanceled) {
			output.Canceled()
			return nil
		}
		// Interruption leaves the server-side job running unless the
		// caller asked otherwise; an abandoned job still expires
		// server-side on its own.
		if errors.Is(err, context.Canceled) && cleanupOnInterrupt {
			if handle := job.Handle(); handle != nil {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if cleanupErr := client.Cleanup(cleanupCtx, handle); cleanupErr != nil {
					logger.Warn("cleanup after interrupt failed", "error", cleanupErr)
				}
			}
		}
		return err
	}

	output.Results(results)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `shelfscan - scan a photo of a bookshelf into a book list.

Uploads the photo to the scan service, follows the recognition job's
event stream (reconnecting transparently across network drops), and
prints each recognized book. The server-side job is cleaned up when
the scan finishes.

Usage:
  shelfscan --image <path> [flags]

Examples:
  # Scan a shelf photo
  shelfscan --image shelf.jpg

  # Machine-readable output
  shelfscan --image shelf.jpg --json

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
