// Copyright 2025 James Ross
package executor

import "strings"

// splitChain parses a comma-joined triggered_by header/field into its
// tokens. An empty string yields an empty (not nil-with-one-blank) chain.
func splitChain(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// joinChain re-serializes a chain back into the comma-joined wire form.
func joinChain(chain []string) string {
	return strings.Join(chain, ",")
}

// chainContains reports whether token already appears in chain, the
// loop-detection membership check (spec.md §4.7, §9).
func chainContains(chain []string, token string) bool {
	for _, t := range chain {
		if t == token {
			return true
		}
	}
	return false
}

// appendChain returns a new chain with token appended, leaving chain
// untouched.
func appendChain(chain []string, token string) []string {
	out := make([]string, 0, len(chain)+1)
	out = append(out, chain...)
	out = append(out, token)
	return out
}
