// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/counter-harness/internal/debug"
	"github.com/hashicorp/counter-harness/pkg/harness"
	"github.com/hashicorp/counter-harness/version"
)

// validateFlags performs semantic validation of the flag values
func validateFlags(f *FlagOpts) {
	if level := f.harnessConfig.Logging.LogLevel; level != nil {
		switch strings.ToUpper(*level) {
		case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
		default:
			log.Fatal("invalid log level. valid values - TRACE, DEBUG, INFO, WARN, ERROR")
		}
	}

	if path := deref(f.configFile); path != "" && !strings.HasSuffix(path, ".json") {
		log.Fatal("invalid config file format. Should be a json file")
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagOpts := registerFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if flagOpts.printVersion {
		fmt.Printf("counter-harness v%s\n", version.GetHumanVersion())
		fmt.Printf("Revision %s\n", version.GetRevision())
		return nil
	}

	validateFlags(flagOpts)

	cfg, err := flagOpts.buildHarnessConfig()
	if err != nil {
		return err
	}

	h, err := harness.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if port := deref(flagOpts.debugPort); port > 0 {
		logger := hclog.New(&hclog.LoggerOptions{
			Name:       cfg.Logging.Name,
			Level:      hclog.LevelFromString(cfg.Logging.LogLevel),
			JSONFormat: cfg.Logging.LogJSON,
		})
		if err := debug.EnableDebugServer(hclog.WithContext(ctx, logger), port); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		h.GracefulShutdown(cancel)
	}()

	return h.Run(ctx)
}

func main() {
	err := run()
	if err != nil {
		log.Fatal(err)
	}
}
