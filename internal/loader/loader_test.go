// Copyright 2025 James Ross
package loader

import (
	"os"
	"path/filepath"
	"testing"
)

const simpleRuleYAML = `
rules:
  - name: simple_test_rule
    topic: simple_test_rule
    retry_delay_ms: 1
    match:
      message: test
    exec:
      - method: POST
        uri: http://mock.com/
        body: '{"test_field_name":"test_field_value","derived_field":"test"}'
`

func TestLoadCompilesRuleDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "simple.yaml"), []byte(simpleRuleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("loaded %d rules, want 1", len(rules))
	}
	if rules[0].Rule.Name != "simple_test_rule" {
		t.Fatalf("rule name = %q", rules[0].Rule.Name)
	}
	if rules[0].Rule.RetryLimit != 2 {
		t.Fatalf("expected default retry_limit 2, got %d", rules[0].Rule.RetryLimit)
	}
}

func TestLoadRejectsInvalidRule(t *testing.T) {
	dir := t.TempDir()
	bad := "rules:\n  - topic: missing_name\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for rule document missing name")
	}
}

func TestLoadIncludesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "more.yml"), []byte(simpleRuleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("loaded %d rules from nested dir, want 1", len(rules))
	}
}
