// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package nucleuslog wraps karlmutch/logxi with the host tag every nucleus
// component's log lines carry, grounded on the teacher's pkg/studio/log.go.
package nucleuslog

import (
	"os"
	"sync"

	logxi "github.com/karlmutch/logxi/v1"
)

var (
	hostName string
)

func init() {
	name, errGo := os.Hostname()
	if errGo != nil {
		name = "unknown-host"
	}
	hostName = name
}

// Logger serialises access to an underlying logxi.Logger and tags every line
// with the host name, matching the behaviour relied on by the dispatcher's
// status and recovery output.
type Logger struct {
	component string
	log       logxi.Logger
	mu        sync.Mutex
}

// NewLogger returns a Logger for component, one per package/subsystem the
// same way the teacher's studio package does (one logger per named area:
// "dispatch", "recoverylog", "workerpool", ...).
func NewLogger(component string) (l *Logger) {
	return &Logger{
		component: component,
		log:       logxi.New(component),
	}
}

func (l *Logger) withHost(args []interface{}) []interface{} {
	return append(append([]interface{}{}, args...), "host", hostName)
}

func (l *Logger) Trace(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Trace(msg, l.withHost(args)...)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Debug(msg, l.withHost(args)...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Info(msg, l.withHost(args)...)
}

func (l *Logger) Warn(msg string, args ...interface{}) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Warn(msg, l.withHost(args)...)
}

func (l *Logger) Error(msg string, args ...interface{}) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Error(msg, l.withHost(args)...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Fatal(msg, l.withHost(args)...)
}

// IsTrace reports whether trace-level messages would actually be emitted,
// used by callers that build expensive diagnostic payloads only when asked.
func (l *Logger) IsTrace() bool {
	return l.log.IsTrace()
}
