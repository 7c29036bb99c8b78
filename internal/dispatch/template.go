// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package dispatch

// This file renders the defaultScript and defaultUrl queue descriptor
// templates against an event's fields, used when an incoming event does not
// carry its own script path or URL. Grounded on the teacher's
// pkg/stencil/stencil.go, trimmed to the one template family this domain
// needs (no toml/yaml marshalling, no file-based variable overrides).

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"

	"github.com/leaf-ai/nucleus/internal/event"
)

// eventVars is the template context exposed to defaultScript/defaultUrl
// templates as top level fields.
type eventVars struct {
	Queue    string
	Kind     string
	SubQueue uint32
	Pid      int
	Payload  string
}

func newEventVars(queueName string, e *event.Event) eventVars {
	return eventVars{
		Queue:    queueName,
		Kind:     e.Kind.String(),
		SubQueue: e.SubQueueKey,
		Pid:      e.TargetPid,
		Payload:  string(e.Payload),
	}
}

// renderDefault renders tmplText, a defaultScript or defaultUrl value taken
// from a queue descriptor, against e's fields. Templates use the sprig
// function library the same way the teacher's stencil package does, so
// operators can write things like {{ .Payload | quote }} in their config.
func renderDefault(name, tmplText string, queueName string, e *event.Event) (rendered string, err kv.Error) {
	tmpl, errGo := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(tmplText)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("template", name).With("stack", stack.Trace().TrimRuntime())
	}

	vars := newEventVars(queueName, e)

	buf := &bytes.Buffer{}
	if errGo = tmpl.Execute(buf, vars); errGo != nil {
		return "", kv.Wrap(errGo).With("template", name).With("stack", stack.Trace().TrimRuntime())
	}
	return buf.String(), nil
}
