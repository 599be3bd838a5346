package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const passingRule = `
[rule]
type = "threshold"
name = "Many failed logons"
description = "d"
risk_score = 21
severity = "low"
query = "event.outcome:failure"

[rule.threshold]
field = ["user.name"]
value = 25
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCheck(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, args...)
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Passed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ok.toml", passingRule)

	code, out, _ := runCheck(t, "-f", path)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if want := "Validation Passed for: " + path; !strings.Contains(out, want) {
		t.Errorf("stdout = %q, want %q", out, want)
	}
}

func TestRun_LongFlag(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ok.toml", passingRule)

	if code, _, _ := runCheck(t, "--file", path); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestRun_MissingFields(t *testing.T) {
	body := "[rule]\ntype = \"query\"\nname = \"X\"\ndescription = \"d\"\nrisk_score = 1\nseverity = \"low\"\n"
	path := writeFile(t, t.TempDir(), "q.toml", body)

	code, out, _ := runCheck(t, "-f", path)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "do not exist in "+path+": [query]") {
		t.Errorf("stdout = %q", out)
	}
}

func TestRun_MissingDeclaration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "m.toml", "[metadata]\nname = \"x\"\n")

	code, _, errOut := runCheck(t, "-f", path)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut, "'rule' or 'rule.type' not found") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestRun_EnvDefault(t *testing.T) {
	path := writeFile(t, t.TempDir(), "env.toml", passingRule)
	t.Setenv("ALERT_TOML_FILE", path)

	code, out, _ := runCheck(t)
	if code != 0 || !strings.Contains(out, path) {
		t.Errorf("code = %d, stdout = %q", code, out)
	}
}

func TestRun_UnknownTypeWarns(t *testing.T) {
	body := "[rule]\ntype = \"new_terms\"\nname = \"X\"\ndescription = \"d\"\nrisk_score = 1\nseverity = \"low\"\n"
	path := writeFile(t, t.TempDir(), "nt.toml", body)

	code, out, errOut := runCheck(t, "-f", path)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(errOut, "Warning: unknown rule type 'new_terms'") {
		t.Errorf("stderr = %q", errOut)
	}
	if !strings.Contains(out, "Validation Passed") {
		t.Errorf("stdout = %q", out)
	}
}

func TestRun_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.toml", passingRule)
	writeFile(t, dir, "b.toml", "[rule]\ntype = \"eql\"\n")

	code, out, _ := runCheck(t, "-dir", dir)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "1 of 2 rule files passed.") {
		t.Errorf("stdout = %q", out)
	}
}

func TestRun_FileNotFound(t *testing.T) {
	code, _, errOut := runCheck(t, "-f", filepath.Join(t.TempDir(), "nope.toml"))
	if code != 1 || !strings.Contains(errOut, "not found") {
		t.Errorf("code = %d, stderr = %q", code, errOut)
	}
}
