// Copyright 2025 James Ross
// Package template renders exec-step request recipes from an event and
// its bindings. Templates are compiled once per exec entry at
// rule-compile time (spec.md §4.4) and rendered once per dispatch.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/changeprop/engine/internal/event"
)

// Request is the rendered form of one HTTP exec template.
type Request struct {
	Method         string
	URI            string
	Headers        map[string]string
	Body           []byte
	FollowRedirect bool
	Retries        int
	DecodeResults  bool
}

// TopicRequest is the rendered form of a produce_to_topic exec entry
// (spec.md §8 scenario 6): instead of an HTTP call, the executor
// produces Body onto Topic through the guaranteed producer.
type TopicRequest struct {
	Topic string
	Key   string
	Body  []byte
}

// Renderer is the collaborator contract spec.md §4.4 demands: given an
// event and its bindings, produce a request.
type Renderer interface {
	Render(ev event.Event, bindings event.Bindings) (Request, error)
}

// TopicRenderer is the produce_to_topic analog of Renderer.
type TopicRenderer interface {
	RenderTopic(ev event.Event, bindings event.Bindings) (TopicRequest, error)
}

// HTTPTemplate is compiled once from a rule document's exec entry.
// URI and header values and the body are each a Go text/template
// string, executed against the merged event+bindings tree (spec.md
// §4.4, §3 "merged into the event for template expansion").
type HTTPTemplate struct {
	method         string
	uri            *template.Template
	headers        map[string]*template.Template
	body           *template.Template
	followRedirect bool
	retries        int
	decodeResults  bool
}

// Spec is the decoded shape of one exec entry in a rule document.
type Spec struct {
	Method         string
	URI            string
	Headers        map[string]string
	Body           string
	FollowRedirect bool
	Retries        int
	DecodeResults  bool
}

// Compile builds an HTTPTemplate from a decoded exec entry, applying the
// method/headers defaults spec.md §4.4 names.
func Compile(spec Spec) (*HTTPTemplate, error) {
	if spec.Method == "" {
		spec.Method = "GET"
	}
	uriTpl, err := template.New("uri").Parse(spec.URI)
	if err != nil {
		return nil, fmt.Errorf("template: compile uri: %w", err)
	}
	headers := make(map[string]*template.Template, len(spec.Headers))
	for k, v := range spec.Headers {
		t, err := template.New("header:" + k).Parse(v)
		if err != nil {
			return nil, fmt.Errorf("template: compile header %q: %w", k, err)
		}
		headers[k] = t
	}
	var bodyTpl *template.Template
	if spec.Body != "" {
		bodyTpl, err = template.New("body").Parse(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("template: compile body: %w", err)
		}
	}
	return &HTTPTemplate{
		method:         spec.Method,
		uri:            uriTpl,
		headers:        headers,
		body:           bodyTpl,
		followRedirect: spec.FollowRedirect,
		retries:        spec.Retries,
		decodeResults:  spec.DecodeResults,
	}, nil
}

func (t *HTTPTemplate) Render(ev event.Event, bindings event.Bindings) (Request, error) {
	data := ev.Merge(bindings)

	uri, err := execString(t.uri, data)
	if err != nil {
		return Request{}, fmt.Errorf("template: render uri: %w", err)
	}

	headers := make(map[string]string, len(t.headers))
	for k, tpl := range t.headers {
		v, err := execString(tpl, data)
		if err != nil {
			return Request{}, fmt.Errorf("template: render header %q: %w", k, err)
		}
		headers[k] = v
	}

	var body []byte
	if t.body != nil {
		var buf bytes.Buffer
		if err := t.body.Execute(&buf, data); err != nil {
			return Request{}, fmt.Errorf("template: render body: %w", err)
		}
		body = buf.Bytes()
	}

	return Request{
		Method:         t.method,
		URI:            uri,
		Headers:        headers,
		Body:           body,
		FollowRedirect: t.followRedirect,
		Retries:        t.retries,
		DecodeResults:  t.decodeResults,
	}, nil
}

// TopicTemplate compiles a produce_to_topic exec entry.
type TopicTemplate struct {
	topic *template.Template
	key   *template.Template
	body  *template.Template
}

// TopicSpec is the decoded shape of a produce_to_topic exec entry.
type TopicSpec struct {
	Topic string
	Key   string // defaults to event.meta.request_id when empty
	Body  string // defaults to re-emitting the event verbatim when empty
}

func CompileTopic(spec TopicSpec) (*TopicTemplate, error) {
	topicTpl, err := template.New("topic").Parse(spec.Topic)
	if err != nil {
		return nil, fmt.Errorf("template: compile topic: %w", err)
	}
	keySrc := spec.Key
	if keySrc == "" {
		keySrc = "{{ .meta.request_id }}"
	}
	keyTpl, err := template.New("key").Parse(keySrc)
	if err != nil {
		return nil, fmt.Errorf("template: compile key: %w", err)
	}
	var bodyTpl *template.Template
	if spec.Body != "" {
		bodyTpl, err = template.New("topicbody").Parse(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("template: compile topic body: %w", err)
		}
	}
	return &TopicTemplate{topic: topicTpl, key: keyTpl, body: bodyTpl}, nil
}

func (t *TopicTemplate) RenderTopic(ev event.Event, bindings event.Bindings) (TopicRequest, error) {
	data := ev.Merge(bindings)

	topic, err := execString(t.topic, data)
	if err != nil {
		return TopicRequest{}, fmt.Errorf("template: render topic: %w", err)
	}
	key, err := execString(t.key, data)
	if err != nil {
		return TopicRequest{}, fmt.Errorf("template: render key: %w", err)
	}

	var body []byte
	if t.body != nil {
		var buf bytes.Buffer
		if err := t.body.Execute(&buf, data); err != nil {
			return TopicRequest{}, fmt.Errorf("template: render topic body: %w", err)
		}
		body = buf.Bytes()
	} else {
		body, err = marshalEvent(ev)
		if err != nil {
			return TopicRequest{}, err
		}
	}

	return TopicRequest{Topic: topic, Key: key, Body: body}, nil
}

func marshalEvent(ev event.Event) ([]byte, error) {
	b, err := json.Marshal(map[string]any(ev))
	if err != nil {
		return nil, fmt.Errorf("template: marshal event: %w", err)
	}
	return b, nil
}

func execString(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
