// Copyright 2025 James Ross

// Package loader glob-scans a rules directory for YAML documents and
// compiles each document's rule list into the registry (spec.md §3
// "rules configuration document", SPEC_FULL.md §3 "Rule document
// format") with doublestar include globs.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/changeprop/engine/internal/rule"
	"gopkg.in/yaml.v3"
)

// includeGlobs is fixed since rule documents are always YAML.
var includeGlobs = []string{"**/*.yaml", "**/*.yml"}

// execDoc is the YAML shape of one exec entry.
type execDoc struct {
	Method         string            `yaml:"method"`
	URI            string            `yaml:"uri"`
	Headers        map[string]string `yaml:"headers"`
	Body           string            `yaml:"body"`
	FollowRedirect bool              `yaml:"follow_redirect"`
	Retries        int               `yaml:"retries"`
	DecodeResults  bool              `yaml:"decode_results"`
	ProduceToTopic string            `yaml:"produce_to_topic"`
	TopicKey       string            `yaml:"topic_key"`
	TopicBody      string            `yaml:"topic_body"`
}

// caseDoc is the YAML shape of one entry in a rule's cases list.
type caseDoc struct {
	Match    any       `yaml:"match"`
	MatchNot any       `yaml:"match_not"`
	Exec     []execDoc `yaml:"exec"`
}

// ruleDoc is the YAML shape of one rule document (spec.md §3).
type ruleDoc struct {
	Name          string         `yaml:"name"`
	Topic         string         `yaml:"topic"`
	RetryOn       map[string]any `yaml:"retry_on"`
	Ignore        map[string]any `yaml:"ignore"`
	RetryDelayMS  int            `yaml:"retry_delay_ms"`
	RetryLimit    int            `yaml:"retry_limit"`
	RetryFactor   float64        `yaml:"retry_factor"`
	DecodeResults bool           `yaml:"decode_results"`
	RateLimit     float64        `yaml:"rate_limit"`

	Cases    []caseDoc `yaml:"cases"`
	Match    any       `yaml:"match"`
	MatchNot any       `yaml:"match_not"`
	Exec     []execDoc `yaml:"exec"`
}

// fileDoc is the top-level shape of a rule YAML file: one or more rules.
type fileDoc struct {
	Rules []ruleDoc `yaml:"rules"`
}

// Compiled is a loaded rule paired with its declared rate limit, since
// rule.Rule itself carries no rate-limiting state (SPEC_FULL.md §4.8).
type Compiled struct {
	Rule      *rule.Rule
	RateLimit float64
}

// Load walks dir for *.yaml/*.yml documents, decodes each into rule
// specs, and compiles them. Returns every compiled rule in file-then-declaration
// order; a malformed document is a fatal InvalidRule/yaml error, per
// spec.md §7 ("InvalidRule: rule construction: fatal at start-up").
func Load(dir string) ([]Compiled, error) {
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("loader: resolve rules_dir: %w", err)
	}

	var out []Compiled
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) && abs != absRoot {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		matched := false
		for _, g := range includeGlobs {
			if ok, _ := doublestar.PathMatch(g, rel); ok {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}

		rules, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("loader: %s: %w", rel, err)
		}
		out = append(out, rules...)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

func loadFile(path string) ([]Compiled, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	out := make([]Compiled, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		spec := toRuleSpec(rd)
		compiled, err := rule.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rd.Name, err)
		}
		out = append(out, Compiled{Rule: compiled, RateLimit: rd.RateLimit})
	}
	return out, nil
}

func toRuleSpec(rd ruleDoc) rule.Spec {
	return rule.Spec{
		Name:          rd.Name,
		Topic:         rd.Topic,
		RetryOn:       rd.RetryOn,
		Ignore:        rd.Ignore,
		RetryDelayMS:  rd.RetryDelayMS,
		RetryLimit:    rd.RetryLimit,
		RetryFactor:   rd.RetryFactor,
		DecodeResults: rd.DecodeResults,
		Cases:         toOptionSpecs(rd.Cases),
		Match:         rd.Match,
		MatchNot:      rd.MatchNot,
		Exec:          toExecSpecs(rd.Exec),
	}
}

func toOptionSpecs(cases []caseDoc) []rule.OptionSpec {
	if len(cases) == 0 {
		return nil
	}
	out := make([]rule.OptionSpec, 0, len(cases))
	for _, c := range cases {
		out = append(out, rule.OptionSpec{
			Match:    c.Match,
			MatchNot: c.MatchNot,
			Exec:     toExecSpecs(c.Exec),
		})
	}
	return out
}

func toExecSpecs(execs []execDoc) []rule.ExecSpec {
	if len(execs) == 0 {
		return nil
	}
	out := make([]rule.ExecSpec, 0, len(execs))
	for _, e := range execs {
		out = append(out, rule.ExecSpec{
			Method:         e.Method,
			URI:            e.URI,
			Headers:        e.Headers,
			Body:           e.Body,
			FollowRedirect: e.FollowRedirect,
			Retries:        e.Retries,
			DecodeResults:  e.DecodeResults,
			ProduceToTopic: e.ProduceToTopic,
			TopicKey:       e.TopicKey,
			TopicBody:      e.TopicBody,
		})
	}
	return out
}
