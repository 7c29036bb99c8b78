// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package profiler // import "github.com/leaf-ai/nucleus/pkg/profiler"

import (
	"context"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// This file contains the implementation of the CPU and heap profiling hooks
// used by the nucleus command line: the CPU profile is activated with
// -cpu-profile, the heap profile by the SIGUSR2 debug hook.

// InitCPUProfiler starts a CPU profile recording to outputFN and stops it
// when ctx is cancelled.
//
func InitCPUProfiler(ctx context.Context, outputFN string) (err kv.Error) {
	if len(outputFN) == 0 {
		return kv.NewError("cpu profiler output not specified").With("stack", stack.Trace().TrimRuntime())
	}
	output, errGo := filepath.Abs(outputFN)
	if errGo != nil {
		return kv.Wrap(errGo).With("output", outputFN).With("stack", stack.Trace().TrimRuntime())
	}
	f, errGo := os.Create(output)
	if errGo != nil {
		return kv.Wrap(errGo).With("output", outputFN).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = pprof.StartCPUProfile(f); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	go cpuProfiler(ctx, f)

	return nil
}

func cpuProfiler(ctx context.Context, f *os.File) {
	defer func() {
		pprof.StopCPUProfile()
		f.Close()
	}()
	<-ctx.Done()
}

// WriteHeapProfile dumps a single heap snapshot to outputFN, used from the
// SIGUSR2 debug hook in cmd/nucleus's watchDebugChannel.
//
func WriteHeapProfile(outputFN string) (err kv.Error) {
	if len(outputFN) == 0 {
		return kv.NewError("heap profiler output not specified").With("stack", stack.Trace().TrimRuntime())
	}
	output, errGo := filepath.Abs(outputFN)
	if errGo != nil {
		return kv.Wrap(errGo).With("output", outputFN).With("stack", stack.Trace().TrimRuntime())
	}
	f, errGo := os.Create(output)
	if errGo != nil {
		return kv.Wrap(errGo).With("output", outputFN).With("stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	if errGo = pprof.WriteHeapProfile(f); errGo != nil {
		return kv.Wrap(errGo).With("output", outputFN).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
