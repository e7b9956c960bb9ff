//go:build linux

// Program profiler runs a command under hardware performance-counter
// sampling, attaching to every thread the command creates, and prints a
// per-thread function histogram once the command exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/pprof/profile"

	"cyclesampler/internal/aggregate"
	"cyclesampler/internal/engine"
	"cyclesampler/internal/launch"
	"cyclesampler/internal/logging"
	"cyclesampler/internal/perfevent"
	"cyclesampler/internal/report"
)

func main() {
	// By default an exit code is set to indicate a failure since
	// there are more failure scenarios to begin with.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	period := flag.Uint64("period", perfevent.DefaultSamplePeriod, "reference cycles between samples")
	pprofPath := flag.String("pprof", "", "optional path to also write a pprof profile")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logPretty := flag.Bool("log-pretty", true, "use human-readable console logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <command> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		exitCode = 1
		return
	}
	target := flag.Arg(0)
	targetArgs := flag.Args()[1:]

	logCfg := logging.Config{Level: *logLevel, Pretty: *logPretty, Output: os.Stderr}
	log := logging.New(logCfg)

	gate, err := launch.Start(target, targetArgs)
	if err != nil {
		log.Error().Err(err).Str("command", target).Msg("failed to launch target")
		return
	}

	ctx, err := engine.NewContext(*period, logging.NewWithComponent(logCfg, "engine"))
	if err != nil {
		log.Error().Err(err).Msg("failed to create engine context")
		return
	}
	defer ctx.Close()

	if err := ctx.Seed(gate.PID); err != nil {
		log.Error().Err(err).Int("pid", gate.PID).Msg("failed to arm root counter")
		return
	}

	if err := gate.Release(); err != nil {
		log.Error().Err(err).Int("pid", gate.PID).Msg("failed to release target")
		return
	}

	sigCtx, stopNotify := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopNotify()
	go func() {
		<-sigCtx.Done()
		log.Warn().Msg("interrupted, flushing counters and stopping")
		if err := gate.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Warn().Err(err).Msg("failed to forward termination signal to target")
		}
		if err := ctx.RequestStop(); err != nil {
			log.Warn().Err(err).Msg("failed to request event loop stop")
		}
	}()

	if err := ctx.Run(); err != nil {
		log.Error().Err(err).Msg("event loop terminated with an error")
		return
	}

	childExit, err := gate.Wait()
	if err != nil {
		log.Warn().Err(err).Msg("failed to collect target's exit status")
	}

	rep := ctx.Report()
	report.WriteTable(os.Stdout, rep)

	if *pprofPath != "" {
		if err := writePprof(*pprofPath, rep, *period, ctx.Mappings()); err != nil {
			log.Error().Err(err).Str("path", *pprofPath).Msg("failed to write pprof profile")
			exitCode = 1
			return
		}
	}

	exitCode = childExit
}

func writePprof(path string, rep aggregate.Report, period uint64, mappings []*profile.Mapping) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating pprof file: %w", err)
	}
	defer f.Close()

	return report.WritePprof(f, rep, period, mappings)
}
