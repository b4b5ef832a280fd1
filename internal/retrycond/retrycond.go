// Copyright 2025 James Ross
// Package retrycond compiles a rule's retry_on/ignore stanza into a
// classifier over HTTP outcomes, the same way internal/matcher compiles
// a match tree into a predicate over events: one compile pass at
// rule-load time, one cheap evaluation per dispatch outcome.
package retrycond

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Result is the outcome of one HTTP exec attempt, as classified before
// the retry-condition stanza is consulted (spec.md §4.2, §4.7).
type Result struct {
	StatusCode int
	Err        error // transport-level failure (timeout, connection refused, ...)
	Body       any   // decoded JSON body, present only when decode_results is set
}

// Classifier reports whether a Result matches a compiled stanza.
type Classifier func(Result) bool

// InvalidCondition is returned for malformed retry_on/ignore stanzas.
type InvalidCondition struct {
	Field string
	Msg   string
}

func (e *InvalidCondition) Error() string {
	return fmt.Sprintf("invalid retry condition on %q: %s", e.Field, e.Msg)
}

// Compile builds a Classifier from a decoded stanza such as:
//
//	status: ["50x", 429]
//	error: true
//
// Fields present in the stanza are ANDed together; multiple values for
// one field are ORed. An absent field imposes no constraint.
func Compile(stanza map[string]any) (Classifier, error) {
	var checks []func(Result) bool

	if raw, ok := stanza["status"]; ok {
		statusCheck, err := compileStatus(raw)
		if err != nil {
			return nil, err
		}
		checks = append(checks, statusCheck)
	}

	if raw, ok := stanza["error"]; ok {
		want, ok := raw.(bool)
		if !ok {
			return nil, &InvalidCondition{Field: "error", Msg: "must be a boolean"}
		}
		checks = append(checks, func(r Result) bool { return (r.Err != nil) == want })
	}

	for field, raw := range stanza {
		if field == "status" || field == "error" {
			continue
		}
		check, err := compileStructural(field, raw)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}

	return func(r Result) bool {
		for _, c := range checks {
			if !c(r) {
				return false
			}
		}
		return true
	}, nil
}

func compileStatus(raw any) (func(Result) bool, error) {
	patterns, err := toStringList(raw, "status")
	if err != nil {
		return nil, err
	}
	matchers := make([]func(int) bool, 0, len(patterns))
	for _, p := range patterns {
		m, err := compileStatusPattern(p)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return func(r Result) bool {
		if r.Err != nil {
			return false
		}
		for _, m := range matchers {
			if m(r.StatusCode) {
				return true
			}
		}
		return false
	}, nil
}

// compileStatusPattern compiles a single status entry. A digit-wildcard
// pattern like "50x" matches status codes whose decimal representation
// has the same length and agrees on every non-wildcard digit, so "50x"
// therefore matches 500-509 only, not the whole 5xx class.
func compileStatusPattern(p string) (func(int) bool, error) {
	if !strings.ContainsAny(p, "xX") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, &InvalidCondition{Field: "status", Msg: fmt.Sprintf("invalid status entry %q", p)}
		}
		return func(code int) bool { return code == n }, nil
	}
	pattern := strings.ToLower(p)
	return func(code int) bool {
		s := strconv.Itoa(code)
		if len(s) != len(pattern) {
			return false
		}
		for i := range pattern {
			if pattern[i] == 'x' {
				continue
			}
			if pattern[i] != s[i] {
				return false
			}
		}
		return true
	}, nil
}

// compileStructural handles any field other than status/error: structural
// equality against the result body via canonical (key-ordered) JSON
// stringification, per spec.md §4.2. A list of candidates is OR'd.
func compileStructural(field string, raw any) (func(Result) bool, error) {
	var candidates []any
	if list, ok := raw.([]any); ok {
		candidates = list
	} else {
		candidates = []any{raw}
	}
	wants := make([]string, len(candidates))
	for i, c := range candidates {
		canon, err := canonicalJSON(c)
		if err != nil {
			return nil, &InvalidCondition{Field: field, Msg: fmt.Sprintf("not serializable: %v", err)}
		}
		wants[i] = canon
	}
	return func(r Result) bool {
		body, ok := r.Body.(map[string]any)
		var got any
		if ok {
			got, ok = body[field]
		}
		if !ok {
			return false
		}
		gotCanon, err := canonicalJSON(got)
		if err != nil {
			return false
		}
		for _, w := range wants {
			if w == gotCanon {
				return true
			}
		}
		return false
	}, nil
}

// canonicalJSON stringifies a value with map keys sorted, so structural
// comparisons are independent of decode order.
func canonicalJSON(v any) (string, error) {
	var buf strings.Builder
	if err := writeCanonical(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCanonical(buf *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

func toStringList(raw any, field string) ([]string, error) {
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, el := range v {
			out = append(out, stringify(el))
		}
		return out, nil
	case string:
		return []string{v}, nil
	case int, int64, float64:
		return []string{stringify(v)}, nil
	default:
		return nil, &InvalidCondition{Field: field, Msg: "must be a scalar or list of scalars"}
	}
}

func stringify(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprintf("%v", n)
	}
}
