// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/karlmutch/envflag"
	"github.com/karlmutch/go-shortid"
	"github.com/tebeka/atexit"

	"github.com/leaf-ai/nucleus/internal/config"
	"github.com/leaf-ai/nucleus/internal/dispatch"
	"github.com/leaf-ai/nucleus/pkg/nucleuslog"
	"github.com/leaf-ai/nucleus/pkg/profiler"
)

var (
	// Spew holds the process-wide structure-dumping configuration used by
	// -dump-config, matching the teacher's package-level Spew var.
	Spew *spew.ConfigState

	logger = nucleuslog.NewLogger("nucleus")

	configPathOpt = flag.String("config", "./nucleus.ini", "path to the nucleus ini configuration file")
	promAddrOpt   = flag.String("prom-address", ":9090", "the address for the prometheus /metrics and /status http server")
	workerBinOpt  = flag.String("worker-bin", "", "path to the worker executable spawned for every queue's workers; a queue's persistentApp setting does not change which executable is spawned")
	dumpConfigOpt = flag.Bool("dump-config", false, "dump the parsed configuration with go-spew and exit without starting the dispatcher")
	cpuProfileOpt = flag.String("cpu-profile", "", "write a cpu profile to this file for the lifetime of the process")
	shutdownGrace = flag.Duration("shutdown-grace", 30*time.Second, "how long to wait for workers to drain on shutdown")
)

func init() {
	Spew = spew.NewDefaultConfig()
	Spew.Indent = "    "
	Spew.SortKeys = true
}

func usage() {
	fmt.Fprintln(os.Stderr, filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      nucleus event dispatch core")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options can also be set using environment variables by changing dashes")
	fmt.Fprintln(os.Stderr, "'-' to underscores and using upper case letters, e.g. -prom-address")
	fmt.Fprintln(os.Stderr, "becomes PROM_ADDRESS.")
}

// main is the production entry point; it runs Main and turns its result
// into the process exit code.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if errs := Main(ctx, cancel); len(errs) != 0 {
		for _, err := range errs {
			logger.Error(err.Error())
		}
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

// Main parses flags, wires the dispatcher and its transports, and blocks
// until ctx is cancelled, matching cmd/runner/main.go's Main/EntryPoint
// split so the bulk of the wiring logic stays testable apart from os.Exit.
func Main(ctx context.Context, cancel context.CancelFunc) (errs []kv.Error) {
	flag.Usage = usage
	envflag.Parse()

	if *cpuProfileOpt != "" {
		if errKv := profiler.InitCPUProfiler(ctx, *cpuProfileOpt); errKv != nil {
			logger.Warn("cpu profiler not started", "error", errKv.Error())
		}
	}

	cfg, errKv := config.Load(*configPathOpt)
	if errKv != nil {
		return []kv.Error{errKv}
	}

	if *dumpConfigOpt {
		fmt.Fprintln(os.Stderr, Spew.Sdump(cfg))
		cancel()
		return nil
	}

	d, errKv := EntryPoint(ctx, cfg)
	if errKv != nil {
		return []kv.Error{errKv}
	}

	watchSignals(ctx, cancel, d)
	watchDebugChannel(ctx)

	<-ctx.Done()
	return nil
}

// EntryPoint builds the transport, the dispatcher, the submission socket
// listeners and the metrics/status HTTP server, replays any recovery log
// segments left behind by a prior run, and starts the orchestrator loop.
func EntryPoint(ctx context.Context, cfg *config.Config) (d *dispatch.Dispatcher, err kv.Error) {
	logger.Info("starting", "config", *configPathOpt, "queues", len(cfg.Queues))

	transport := newProcessTransport(*workerBinOpt, nil)
	d, errKv := dispatch.New(cfg, transport, transport, false)
	if errKv != nil {
		return nil, errKv
	}
	transport.release = d

	go d.Run(ctx)

	if errKv := recoverPriorSegments(ctx, d, cfg.StatsDir); errKv != nil {
		logger.Warn("recovery pass failed", "error", errKv.Error())
	}

	if errKv := serveDatagramSubmissions(ctx, d, cfg.UnixSocketPath, cfg.SocketGroup); errKv != nil {
		return nil, errKv
	}
	if errKv := serveStreamSubmissions(ctx, d, cfg.UnixSocketStreamPath, cfg.SocketGroup); errKv != nil {
		return nil, errKv
	}

	if errKv := d.ServeHTTP(ctx, *promAddrOpt); errKv != nil {
		return nil, errKv
	}

	atexit.Register(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownGrace)
		defer shutdownCancel()
		if errKv := d.Shutdown(shutdownCtx); errKv != nil {
			logger.Warn("shutdown did not complete cleanly", "error", errKv.Error())
		}
	})

	return d, nil
}

// recoverPriorSegments replays every recovery log file found under
// statsDir/recovery at startup, the same files a prior crash or an
// unclean shutdown may have left behind.
func recoverPriorSegments(ctx context.Context, d *dispatch.Dispatcher, statsDir string) (err kv.Error) {
	matches, errGo := filepath.Glob(filepath.Join(statsDir, "recovery", "recovery.*.log"))
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	for _, f := range matches {
		processed, errKv := d.Recover(ctx, f)
		if errKv != nil {
			logger.Warn("failed to recover segment", "file", f, "error", errKv.Error())
			continue
		}
		if processed > 0 {
			logger.Info("recovered segment", "file", f, "processed", humanize.Comma(int64(processed)))
		}
	}
	return nil
}

// watchSignals triggers a graceful drain on SIGTERM/SIGINT, matching
// cmd/runner/main.go's CTRL-C handling, then cancels ctx once the drain
// finishes (or *shutdownGrace elapses) so Main's blocking wait unblocks.
func watchSignals(ctx context.Context, cancel context.CancelFunc, d *dispatch.Dispatcher) {
	sigC := make(chan os.Signal, 2)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigC:
			logger.Warn("shutdown signal received")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownGrace)
			defer shutdownCancel()
			if errKv := d.Shutdown(shutdownCtx); errKv != nil {
				logger.Warn("shutdown did not complete cleanly", "error", errKv.Error())
			}
			cancel()
		case <-ctx.Done():
		}
	}()
}

// showAllStackTraces dumps every goroutine's stack to a uniquely named file
// for offline debugging, matching cmd/runner/main.go's function of the same
// name.
func showAllStackTraces() {
	sid, errGo := shortid.Generate()
	if errGo != nil {
		sid = "xxx"
	}
	fn := filepath.Join(".", "stack-traces-"+sid+".txt")
	f, errGo := os.OpenFile(fn, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if errGo != nil {
		err := kv.Wrap(errGo).With("file", fn).With("stack", stack.Trace().TrimRuntime())
		logger.Warn("failed to create debug info file", "error", err.Error())
		return
	}
	defer f.Close()
	pprof.Lookup("goroutine").WriteTo(f, 1)
}

// watchDebugChannel triggers a stack dump (SIGUSR1) or a heap profile
// (SIGUSR2) on demand, matching cmd/runner/main.go's watchDebugChannel.
func watchDebugChannel(ctx context.Context) {
	debugTrigger := make(chan os.Signal, 2)
	signal.Notify(debugTrigger, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-debugTrigger:
				if sig == syscall.SIGUSR2 {
					fn := filepath.Join(".", "heap-"+time.Now().Format("150405")+".pprof")
					if errKv := profiler.WriteHeapProfile(fn); errKv != nil {
						logger.Warn("failed to write heap profile", "error", errKv.Error())
					}
					continue
				}
				showAllStackTraces()
			}
		}
	}()
}
