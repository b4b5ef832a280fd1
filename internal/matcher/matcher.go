// Copyright 2025 James Ross
// Package matcher compiles declarative match trees (spec.md §3, §4.1)
// into a pure predicate and a binder. Compilation happens once per rule
// option at start-up; evaluation happens once per event, so this is an
// interpreter over a small AST rather than a code generator, favoring
// clarity over runtime-constructed closures when the hot path is cheap
// (see also internal/retrycond, the sibling compiler this package's
// shape was grounded against).
package matcher

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/changeprop/engine/internal/event"
)

// Predicate reports whether an event conforms to a compiled match tree.
// It must be pure and total: a missing nested field yields false, never
// a panic.
type Predicate func(event.Event) bool

// Binder extracts the bindings a matching event produces. Binder is only
// meaningful to call when Predicate returned true; calling it on a
// non-matching event returns a zero-value (possibly empty) result rather
// than erroring, since rule.Option never invokes it otherwise.
type Binder func(event.Event) event.Bindings

// InvalidMatch is returned for structurally malformed match trees or
// regexes mixing named and unnamed capture groups.
type InvalidMatch struct {
	Path string
	Msg  string
}

func (e *InvalidMatch) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid match: %s", e.Msg)
	}
	return fmt.Sprintf("invalid match at %q: %s", e.Path, e.Msg)
}

// node is the compiled representation of one position in the match tree.
type node interface {
	// match reports whether target conforms, and if so the bindings
	// contributed by this node (nil if the node binds nothing of its
	// own, e.g. an absence check).
	match(target any, present bool) (bool, any)
}

// Compile turns a decoded match tree (as produced by unmarshaling a
// rule's YAML/JSON `match` stanza) into a predicate/binder pair.
func Compile(pattern any) (Predicate, Binder, error) {
	n, err := compileNode("$", pattern)
	if err != nil {
		return nil, nil, err
	}
	pred := func(ev event.Event) bool {
		ok, _ := n.match(map[string]any(ev), true)
		return ok
	}
	bind := func(ev event.Event) event.Bindings {
		_, b := n.match(map[string]any(ev), true)
		m, _ := b.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		return event.Bindings(m)
	}
	return pred, bind, nil
}

func compileNode(path string, pattern any) (node, error) {
	switch p := pattern.(type) {
	case map[string]any:
		return compileObject(path, p)
	case []any:
		return compileArray(path, p)
	case string:
		return compileString(path, p)
	default:
		return &equalNode{want: pattern}, nil
	}
}

// --- object ---

type objectField struct {
	key    string
	absent bool
	node   node
}

type objectNode struct {
	fields []objectField
}

func compileObject(path string, pattern map[string]any) (node, error) {
	o := &objectNode{}
	for k, v := range pattern {
		childPath := path + "." + k
		if s, ok := v.(string); ok && s == "undefined" {
			o.fields = append(o.fields, objectField{key: k, absent: true})
			continue
		}
		n, err := compileNode(childPath, v)
		if err != nil {
			return nil, err
		}
		o.fields = append(o.fields, objectField{key: k, node: n})
	}
	return o, nil
}

func (o *objectNode) match(target any, present bool) (bool, any) {
	if !present {
		// Parent field absent: every field requiring presence fails;
		// absence checks on our own fields vacuously succeed.
		for _, f := range o.fields {
			if !f.absent {
				return false, nil
			}
		}
		return true, map[string]any{}
	}
	m, ok := target.(map[string]any)
	if !ok {
		m = nil
	}
	bindings := map[string]any{}
	for _, f := range o.fields {
		v, ok := m[f.key]
		if f.absent {
			if ok {
				return false, nil
			}
			continue
		}
		if !ok {
			return false, nil
		}
		matched, b := f.node.match(v, true)
		if !matched {
			return false, nil
		}
		if b != nil {
			bindings[f.key] = b
		} else {
			bindings[f.key] = v
		}
	}
	return true, bindings
}

// --- array: existence quantifier, no positional correspondence ---

type arrayNode struct {
	elements []node
}

func compileArray(path string, pattern []any) (node, error) {
	a := &arrayNode{}
	for i, el := range pattern {
		n, err := compileNode(fmt.Sprintf("%s[%d]", path, i), el)
		if err != nil {
			return nil, err
		}
		a.elements = append(a.elements, n)
	}
	return a, nil
}

func (a *arrayNode) match(target any, present bool) (bool, any) {
	if !present {
		return false, nil
	}
	arr, ok := target.([]any)
	if !ok {
		return false, nil
	}
	bound := make([]any, len(a.elements))
	for i, el := range a.elements {
		found := false
		for _, t := range arr {
			matched, b := el.match(t, true)
			if matched {
				found = true
				if b != nil {
					bound[i] = b
				} else {
					bound[i] = t
				}
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, bound
}

// --- regex ---

type regexNode struct {
	re     *regexp.Regexp
	names  []string
	hasCap bool
}

// compileString decides between a /regex/flags literal and a plain
// string equality test.
func compileString(path, s string) (node, error) {
	if pattern, flags, ok := parseRegexLiteral(s); ok {
		return compileRegex(path, pattern, flags)
	}
	return &equalNode{want: s}, nil
}

func parseRegexLiteral(s string) (pattern, flags string, ok bool) {
	if len(s) < 2 || s[0] != '/' {
		return "", "", false
	}
	last := strings.LastIndexByte(s, '/')
	if last <= 0 {
		return "", "", false
	}
	return s[1:last], s[last+1:], true
}

func compileRegex(path, pattern, flags string) (node, error) {
	var prefix string
	for _, f := range flags {
		switch f {
		case 'i':
			prefix += "i"
		case 'm':
			prefix += "m"
		case 's':
			prefix += "s"
		default:
			return nil, &InvalidMatch{Path: path, Msg: fmt.Sprintf("unsupported regex flag %q", string(f))}
		}
	}
	src := pattern
	if prefix != "" {
		src = "(?" + prefix + ")" + pattern
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, &InvalidMatch{Path: path, Msg: fmt.Sprintf("invalid regex: %v", err)}
	}

	names := re.SubexpNames()
	hasNamed, hasUnnamed := false, false
	for i, n := range names {
		if i == 0 {
			continue
		}
		if n == "" {
			hasUnnamed = true
		} else {
			hasNamed = true
		}
	}
	if hasNamed && hasUnnamed {
		return nil, &InvalidMatch{Path: path, Msg: "regex mixes named and unnamed capture groups"}
	}
	return &regexNode{re: re, names: names, hasCap: hasNamed}, nil
}

func (n *regexNode) match(target any, present bool) (bool, any) {
	if !present {
		return false, nil
	}
	s, ok := target.(string)
	if !ok {
		return false, nil
	}
	sub := n.re.FindStringSubmatch(s)
	if sub == nil {
		return false, nil
	}
	if !n.hasCap {
		return true, nil
	}
	caps := map[string]any{}
	for i, name := range n.names {
		if i == 0 || name == "" {
			continue
		}
		caps[name] = sub[i]
	}
	return true, caps
}

// --- scalar equality ---

type equalNode struct {
	want any
}

func (n *equalNode) match(target any, present bool) (bool, any) {
	if !present {
		return false, nil
	}
	return scalarEqual(n.want, target), nil
}

// scalarEqual implements spec.md §3's "stringify(target) == stringify(pattern)"
// semantics for strings while keeping numeric identity for numbers, without
// actually paying for a stringify round-trip.
func scalarEqual(want, got any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && w == g
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case nil:
		return got == nil
	case float64, int, int64:
		wf, wok := toFloat(want)
		gf, gok := toFloat(got)
		return wok && gok && wf == gf
	default:
		return reflect.DeepEqual(want, got)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
