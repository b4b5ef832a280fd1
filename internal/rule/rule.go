// Copyright 2025 James Ross
// Package rule bundles a topic binding, its match options and exec
// templates, and retry policy into an immutable Rule, and a Registry
// mapping topics to the rules bound to them.
package rule

import (
	"fmt"

	"github.com/changeprop/engine/internal/event"
	"github.com/changeprop/engine/internal/matcher"
	"github.com/changeprop/engine/internal/retrycond"
	"github.com/changeprop/engine/internal/template"
)

// Defaults mirror spec.md §3.
const (
	DefaultRetryDelayMS = 60000
	DefaultRetryLimit   = 2
	DefaultRetryFactor  = 6.0
)

func defaultRetryOn() map[string]any { return map[string]any{"status": []any{"50x"}} }
func defaultIgnore() map[string]any  { return map[string]any{"status": []any{float64(412)}} }

// InvalidRule reports a malformed rule document, fatal at start-up.
type InvalidRule struct {
	Rule string
	Msg  string
}

func (e *InvalidRule) Error() string {
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Msg)
}

// ExecStep is one rendered-at-dispatch-time unit of work: either an HTTP
// request template or a produce_to_topic template (spec.md §8 scenario 6).
type ExecStep struct {
	HTTP  *template.HTTPTemplate
	Topic *template.TopicTemplate
}

func (s ExecStep) IsTopic() bool { return s.Topic != nil }

// ExecSpec is the decoded shape of one entry in an option's exec list.
type ExecSpec struct {
	Method         string
	URI            string
	Headers        map[string]string
	Body           string
	FollowRedirect bool
	Retries        int
	DecodeResults  bool

	// ProduceToTopic, when non-empty, makes this a topic-producing step
	// instead of an HTTP step.
	ProduceToTopic string
	TopicKey       string
	TopicBody      string
}

// OptionSpec is the decoded shape of one case in a rule document.
type OptionSpec struct {
	Match    any
	MatchNot any
	Exec     []ExecSpec
}

// Spec is the decoded shape of a rule document (spec.md §3).
type Spec struct {
	Name          string
	Topic         string
	RetryOn       map[string]any
	Ignore        map[string]any
	RetryDelayMS  int
	RetryLimit    int
	RetryFactor   float64
	DecodeResults bool

	// Cases, when absent, is derived from the rule body itself: a
	// single option built from Match/MatchNot/Exec below.
	Cases    []OptionSpec
	Match    any
	MatchNot any
	Exec     []ExecSpec
}

// Option is one compiled branch of a rule.
type Option struct {
	predicate matcher.Predicate
	binder    matcher.Binder
	antiPred  matcher.Predicate // nil when match_not absent
	steps     []ExecStep
}

// matches reports whether ev satisfies this option's match/match_not pair.
func (o *Option) matches(ev event.Event) bool {
	if o.predicate != nil && !o.predicate(ev) {
		return false
	}
	if o.antiPred != nil && o.antiPred(ev) {
		return false
	}
	return true
}

// IsNoOp reports whether the option has no exec steps.
func (o *Option) IsNoOp() bool { return len(o.steps) == 0 }

// Rule is immutable after construction (spec.md §3 Lifecycles).
type Rule struct {
	Name          string
	Topic         string
	RetryDelayMS  int
	RetryLimit    int
	RetryFactor   float64
	DecodeResults bool

	retryOn retrycond.Classifier
	ignore  retrycond.Classifier
	options []*Option
}

// RetryOn reports whether a result should be retried per this rule's
// retry_on stanza.
func (r *Rule) RetryOn(res retrycond.Result) bool { return r.retryOn(res) }

// Ignore reports whether a result should be treated as success per this
// rule's ignore stanza.
func (r *Rule) Ignore(res retrycond.Result) bool { return r.ignore(res) }

// Test returns the index of the first option whose match holds and
// match_not does not, or -1 if no option matches (spec.md §4.3).
func (r *Rule) Test(ev event.Event) int {
	for i, o := range r.options {
		if o.matches(ev) {
			return i
		}
	}
	return -1
}

// Expand returns the bindings produced by option i's binder.
func (r *Rule) Expand(i int, ev event.Event) event.Bindings {
	if r.options[i].binder == nil {
		return event.Bindings{}
	}
	return r.options[i].binder(ev)
}

// GetExec returns the ordered exec steps for option i.
func (r *Rule) GetExec(i int) []ExecStep {
	return r.options[i].steps
}

// IsNoOp reports whether option i has no exec steps.
func (r *Rule) IsNoOp(i int) bool { return r.options[i].IsNoOp() }

// RetryTopic is the per-rule retry topic name (spec.md §3, §6).
func (r *Rule) RetryTopic() string { return "change-prop.retry." + r.Name }

// ErrorTopic is the shared error topic name (spec.md §6).
const ErrorTopic = "change-prop.error"

// Compile validates and compiles a rule Spec into an immutable Rule.
func Compile(spec Spec) (*Rule, error) {
	if spec.Name == "" {
		return nil, &InvalidRule{Rule: spec.Name, Msg: "name is required"}
	}
	if spec.Topic == "" {
		return nil, &InvalidRule{Rule: spec.Name, Msg: "topic is required"}
	}

	retryOnSpec := spec.RetryOn
	if retryOnSpec == nil {
		retryOnSpec = defaultRetryOn()
	}
	ignoreSpec := spec.Ignore
	if ignoreSpec == nil {
		ignoreSpec = defaultIgnore()
	}
	retryOn, err := retrycond.Compile(retryOnSpec)
	if err != nil {
		return nil, &InvalidRule{Rule: spec.Name, Msg: err.Error()}
	}
	ignore, err := retrycond.Compile(ignoreSpec)
	if err != nil {
		return nil, &InvalidRule{Rule: spec.Name, Msg: err.Error()}
	}

	retryDelay := spec.RetryDelayMS
	if retryDelay == 0 {
		retryDelay = DefaultRetryDelayMS
	}
	retryLimit := spec.RetryLimit
	if retryLimit == 0 {
		retryLimit = DefaultRetryLimit
	}
	retryFactor := spec.RetryFactor
	if retryFactor == 0 {
		retryFactor = DefaultRetryFactor
	}

	caseSpecs := spec.Cases
	if len(caseSpecs) == 0 {
		caseSpecs = []OptionSpec{{Match: spec.Match, MatchNot: spec.MatchNot, Exec: spec.Exec}}
	}

	options := make([]*Option, 0, len(caseSpecs))
	for i, cs := range caseSpecs {
		opt, err := compileOption(cs)
		if err != nil {
			return nil, &InvalidRule{Rule: spec.Name, Msg: fmt.Sprintf("case %d: %v", i, err)}
		}
		options = append(options, opt)
	}

	return &Rule{
		Name:          spec.Name,
		Topic:         spec.Topic,
		RetryDelayMS:  retryDelay,
		RetryLimit:    retryLimit,
		RetryFactor:   retryFactor,
		DecodeResults: spec.DecodeResults,
		retryOn:       retryOn,
		ignore:        ignore,
		options:       options,
	}, nil
}

func compileOption(cs OptionSpec) (*Option, error) {
	opt := &Option{}
	if cs.Match != nil {
		pred, bind, err := matcher.Compile(cs.Match)
		if err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}
		opt.predicate = pred
		opt.binder = bind
	}
	if cs.MatchNot != nil {
		pred, _, err := matcher.Compile(cs.MatchNot)
		if err != nil {
			return nil, fmt.Errorf("match_not: %w", err)
		}
		opt.antiPred = pred
	}
	for i, es := range cs.Exec {
		step, err := compileExecStep(es)
		if err != nil {
			return nil, fmt.Errorf("exec %d: %w", i, err)
		}
		opt.steps = append(opt.steps, step)
	}
	return opt, nil
}

func compileExecStep(es ExecSpec) (ExecStep, error) {
	if es.ProduceToTopic != "" {
		tpl, err := template.CompileTopic(template.TopicSpec{
			Topic: es.ProduceToTopic,
			Key:   es.TopicKey,
			Body:  es.TopicBody,
		})
		if err != nil {
			return ExecStep{}, err
		}
		return ExecStep{Topic: tpl}, nil
	}
	tpl, err := template.Compile(template.Spec{
		Method:         es.Method,
		URI:            es.URI,
		Headers:        es.Headers,
		Body:           es.Body,
		FollowRedirect: es.FollowRedirect,
		Retries:        es.Retries,
		DecodeResults:  es.DecodeResults,
	})
	if err != nil {
		return ExecStep{}, err
	}
	return ExecStep{HTTP: tpl}, nil
}

// Registry maps topic name to the rules bound to it, and is immutable
// after construction (spec.md §3 Lifecycles, §4.7 step 1).
type Registry struct {
	byTopic map[string][]*Rule
	byName  map[string]*Rule
}

// NewRegistry indexes a flat list of compiled rules by topic.
func NewRegistry(rules []*Rule) (*Registry, error) {
	reg := &Registry{byTopic: map[string][]*Rule{}, byName: map[string]*Rule{}}
	for _, r := range rules {
		if _, dup := reg.byName[r.Name]; dup {
			return nil, &InvalidRule{Rule: r.Name, Msg: "duplicate rule name"}
		}
		reg.byName[r.Name] = r
		reg.byTopic[r.Topic] = append(reg.byTopic[r.Topic], r)
	}
	return reg, nil
}

// RulesFor returns the rules bound to topic, in declaration order.
func (r *Registry) RulesFor(topic string) []*Rule { return r.byTopic[topic] }

// ByName looks up a rule by name, e.g. to bind a retry-topic consumer
// back to its owning rule.
func (r *Registry) ByName(name string) (*Rule, bool) {
	rule, ok := r.byName[name]
	return rule, ok
}

// Topics lists every source topic bound to at least one rule.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		topics = append(topics, t)
	}
	return topics
}

// Rules lists every compiled rule, for retry-topic/error-topic wiring.
func (r *Registry) Rules() []*Rule {
	rules := make([]*Rule, 0, len(r.byName))
	for _, rule := range r.byName {
		rules = append(rules, rule)
	}
	return rules
}
