package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const queryRule = `
[metadata]
creation_date = "2024/05/01"
maturity = "production"

[rule]
author = ["Elastic"]
description = "Identifies PowerShell downloading a remote payload."
name = "PowerShell Download Cradle"
risk_score = 47
severity = "medium"
type = "query"
query = '''
process.name:powershell.exe and process.args:(*DownloadString* or *WebClient*)
'''

[[rule.threat]]
framework = "MITRE ATT&CK"

[rule.threat.technique]
id = "T1059.001"
`

const incompleteEQLRule = `
[rule]
description = "d"
name = "EQL without language"
risk_score = 21
severity = "low"
type = "eql"
query = "process where true"
`

func writeRule(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecode_TOMLTables(t *testing.T) {
	doc, err := Decode(strings.NewReader(queryRule))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rule, ok := doc["rule"].(map[string]any)
	if !ok {
		t.Fatalf("rule table has type %T", doc["rule"])
	}
	if rule["type"] != "query" {
		t.Errorf("rule.type = %v", rule["type"])
	}
	if _, ok := doc["metadata"].(map[string]any); !ok {
		t.Error("metadata should decode as a table")
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(strings.NewReader("[rule\ntype = "))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()

	report, err := ValidateFile(writeRule(t, dir, "query.toml", queryRule))
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if !report.Passed() {
		t.Errorf("expected pass, missing %v", report.Missing)
	}

	path := writeRule(t, dir, "eql.toml", incompleteEQLRule)
	report, err = ValidateFile(path)
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if !reflect.DeepEqual(report.Missing, []string{"language"}) {
		t.Errorf("Missing = %v, want [language]", report.Missing)
	}
	if report.File != path {
		t.Errorf("File = %q, want %q", report.File, path)
	}
}

func TestValidateFile_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ValidateFile(filepath.Join(dir, "nope.toml")); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}

	bad := writeRule(t, dir, "bad.toml", "rule = [")
	if _, err := ValidateFile(bad); !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}

	noRule := writeRule(t, dir, "norule.toml", "[metadata]\nname = \"x\"\n")
	if _, err := ValidateFile(noRule); !errors.Is(err, ErrMissingRuleDeclaration) {
		t.Errorf("expected ErrMissingRuleDeclaration, got %v", err)
	}
}

func TestValidateFiles_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeRule(t, dir, "a.toml", queryRule),
		filepath.Join(dir, "missing.toml"),
		writeRule(t, dir, "b.toml", incompleteEQLRule),
		writeRule(t, dir, "c.toml", "[metadata]\n"),
	}

	results := ValidateFiles(context.Background(), paths, 3)
	if len(results) != len(paths) {
		t.Fatalf("expected %d results, got %d", len(paths), len(results))
	}
	for i, res := range results {
		if res.Path != paths[i] {
			t.Errorf("results[%d].Path = %q, want %q", i, res.Path, paths[i])
		}
	}

	if results[0].Err != nil || !results[0].Report.Passed() {
		t.Errorf("a.toml should pass: %+v", results[0])
	}
	if !errors.Is(results[1].Err, ErrFileNotFound) {
		t.Errorf("missing.toml error = %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Report.Passed() {
		t.Errorf("b.toml should fail validation: %+v", results[2])
	}
	if !errors.Is(results[3].Err, ErrMissingRuleDeclaration) {
		t.Errorf("c.toml error = %v", results[3].Err)
	}
}

func TestValidateFiles_Cancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := ValidateFiles(ctx, []string{writeRule(t, dir, "a.toml", queryRule)}, 0)
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", results[0].Err)
	}
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "b.toml", queryRule)
	writeRule(t, dir, "nested/a.TOML", queryRule)
	writeRule(t, dir, "readme.md", "# rules")

	paths, err := Glob(dir)
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	want := []string{filepath.Join(dir, "b.toml"), filepath.Join(dir, "nested", "a.TOML")}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("Glob = %v, want %v", paths, want)
	}

	if _, err := Glob(filepath.Join(dir, "absent")); err == nil {
		t.Error("Glob should fail for a missing directory")
	}
}

func TestValidateFile_ShippedExample(t *testing.T) {
	report, err := ValidateFile(filepath.Join("..", "..", "alert_example.toml"))
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if !report.Passed() {
		t.Errorf("example rule should pass, missing %v", report.Missing)
	}
}
