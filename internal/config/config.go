// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package config reads the ini-style file the dispatcher is started with,
// grounded on spec.md's EXTERNAL INTERFACES configuration section and on the
// general config-struct-plus-sentinel-error shape the teacher repo uses
// throughout internal/runner for its own options parsing.
package config

import (
	"strings"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/karlmutch/hashstructure"
	"gopkg.in/ini.v1"

	"github.com/leaf-ai/nucleus/internal/event"
)

// QueueKind is the queue variant a [queues.<name>] section selects.
type QueueKind int

const (
	QueueStraight QueueKind = iota
	QueueCollection
)

func parseQueueKind(s string) (QueueKind, kv.Error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "straight":
		return QueueStraight, nil
	case "collection":
		return QueueCollection, nil
	default:
		return QueueStraight, kv.NewError("unknown queue type").With("type", s).With("stack", stack.Trace().TrimRuntime())
	}
}

func parseManagementEventType(s string) (event.Kind, kv.Error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EV_SCRIPT":
		return event.KindScript, nil
	case "EV_PERL":
		return event.KindPerl, nil
	case "EV_URL":
		return event.KindURL, nil
	case "EV_BIN":
		return event.KindBin, nil
	default:
		return event.KindScript, kv.NewError("unknown managementEventType").With("value", s).With("stack", stack.Trace().TrimRuntime())
	}
}

func parseManagementEvents(s string) (bits event.ManagementEvent, err kv.Error) {
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		switch tok {
		case "QMAN_PSTARTUP":
			bits |= event.ManPStartup
		case "QMAN_DONE":
			bits |= event.ManDone
		case "QMAN_PDIED":
			bits |= event.ManPDied
		case "QMAN_WSTARTUP":
			bits |= event.ManWStartup
		default:
			return 0, kv.NewError("unknown managementEvents token").With("token", tok).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return bits, nil
}

// QueueDescriptor is the immutable per-queue configuration read at container
// construction time, unchanged in shape from spec.md's DATA MODEL.
type QueueDescriptor struct {
	Name      string
	KeyPrefix string
	Kind      QueueKind

	MaxLength   int
	MaxExecTime time.Duration
	NumWorkers  int

	PersistentApp string
	DefaultScript string
	DefaultURL    string
	ErrorQueue    string

	ParseResponseForObject bool
	RunPrivileged          bool
	BlockingWorkerSocket   bool

	ManagementQueue     string
	ManagementEventType event.Kind
	ManagementEvents    event.ManagementEvent

	// NumSubQueues > 0 activates the batch variant of a straight-typed entry.
	NumSubQueues                int
	MaxEventsInSeqFromMainQueue int
	MaxEventsInSeqFromSubQueue  int
}

// IsBatch reports whether this descriptor should be realised as a batch
// queue rather than a plain straight queue.
func (q *QueueDescriptor) IsBatch() bool {
	return q.Kind == QueueStraight && q.NumSubQueues > 0
}

// Config is the parsed, validated contents of the nucleus ini file.
type Config struct {
	ActiveQueues         []string
	DefaultQueue         string
	MaintInterval        time.Duration
	ExpiredEventInterval time.Duration
	MaxNumQueues         int
	MaxNetworkDescriptors int
	StatsDir             string
	UnixSocketPath       string
	UnixSocketStreamPath string
	SocketGroup          string

	Queues map[string]*QueueDescriptor
}

// Load parses path, a gopkg.in/ini.v1 file with [main], [nucleus], [worker]
// and [queues.<name>] sections, into a Config.
func Load(path string) (cfg *Config, err kv.Error) {
	f, errGo := ini.Load(path)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
	}

	nucleus := f.Section("nucleus")

	cfg = &Config{
		ActiveQueues:          splitCSV(nucleus.Key("activeQueues").String()),
		DefaultQueue:          nucleus.Key("defaultQueue").MustString(""),
		MaxNumQueues:          nucleus.Key("maxNumQueues").MustInt(64),
		MaxNetworkDescriptors: nucleus.Key("maxNetworkDescriptors").MustInt(1024),
		StatsDir:              nucleus.Key("statsDir").MustString(""),
		UnixSocketPath:        nucleus.Key("unixSocketPath").MustString(""),
		UnixSocketStreamPath:  nucleus.Key("unixSocketStreamPath").MustString(""),
		SocketGroup:           nucleus.Key("socketGroup").MustString(""),
		Queues:                map[string]*QueueDescriptor{},
	}

	maintSecs := nucleus.Key("maintInterval").MustInt(30)
	cfg.MaintInterval = time.Duration(maintSecs) * time.Second
	expiredSecs := nucleus.Key("expiredEventInterval").MustInt(10)
	cfg.ExpiredEventInterval = time.Duration(expiredSecs) * time.Second

	for _, name := range cfg.ActiveQueues {
		sectionName := "queues." + name
		if !f.HasSection(sectionName) {
			return nil, kv.NewError("activeQueues references missing section").With("queue", name).With("section", sectionName).With("stack", stack.Trace().TrimRuntime())
		}
		qd, errGo := parseQueueSection(name, f.Section(sectionName))
		if errGo != nil {
			return nil, errGo
		}
		cfg.Queues[name] = qd
	}

	if cfg.DefaultQueue != "" {
		if _, ok := cfg.Queues[cfg.DefaultQueue]; !ok {
			return nil, kv.NewError("defaultQueue references missing queue").With("queue", cfg.DefaultQueue).With("stack", stack.Trace().TrimRuntime())
		}
	}

	if len(cfg.Queues) > cfg.MaxNumQueues {
		return nil, kv.NewError("activeQueues exceeds maxNumQueues").With("count", len(cfg.Queues)).With("max", cfg.MaxNumQueues).With("stack", stack.Trace().TrimRuntime())
	}

	return cfg, nil
}

func parseQueueSection(name string, sec *ini.Section) (qd *QueueDescriptor, err kv.Error) {
	kind, errKv := parseQueueKind(sec.Key("type").String())
	if errKv != nil {
		return nil, errKv
	}
	evType, errKv := parseManagementEventType(sec.Key("managementEventType").String())
	if errKv != nil {
		return nil, errKv
	}
	evBits, errKv := parseManagementEvents(sec.Key("managementEvents").String())
	if errKv != nil {
		return nil, errKv
	}

	qd = &QueueDescriptor{
		Name:                        name,
		KeyPrefix:                   sec.Key("name").MustString(name),
		Kind:                        kind,
		MaxLength:                   sec.Key("maxLength").MustInt(1000),
		MaxExecTime:                 time.Duration(sec.Key("maxExecTime").MustInt(60)) * time.Second,
		NumWorkers:                  sec.Key("numWorkers").MustInt(1),
		PersistentApp:               sec.Key("persistentApp").MustString(""),
		DefaultScript:               sec.Key("defaultScript").MustString(""),
		DefaultURL:                  sec.Key("defaultUrl").MustString(""),
		ErrorQueue:                  sec.Key("errorQueue").MustString(""),
		ParseResponseForObject:      sec.Key("parseResponseForObject").MustBool(false),
		RunPrivileged:               sec.Key("bRunPriviledged").MustBool(false),
		BlockingWorkerSocket:        sec.Key("bBlockingWorkerSocket").MustBool(false),
		ManagementQueue:             sec.Key("managementQueue").MustString(""),
		ManagementEventType:         evType,
		ManagementEvents:            evBits,
		NumSubQueues:                sec.Key("numSubQueues").MustInt(0),
		MaxEventsInSeqFromMainQueue: sec.Key("maxEventsInSeqFromMainQueue").MustInt(1),
		MaxEventsInSeqFromSubQueue:  sec.Key("maxEventsInSeqFromSubQueue").MustInt(1),
	}
	if qd.NumWorkers <= 0 {
		return nil, kv.NewError("numWorkers must be positive").With("queue", name).With("stack", stack.Trace().TrimRuntime())
	}
	if qd.MaxLength <= 0 {
		return nil, kv.NewError("maxLength must be positive").With("queue", name).With("stack", stack.Trace().TrimRuntime())
	}
	return qd, nil
}

func splitCSV(s string) (out []string) {
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// Hash fingerprints cfg: configurations with equal contents hash the same,
// and changing any field changes the hash. The dispatcher does not call it.
func Hash(cfg *Config) (sum uint64, err kv.Error) {
	sum, errGo := hashstructure.Hash(cfg, nil)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return sum, nil
}
