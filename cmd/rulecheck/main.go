// rulecheck validates TOML detection rule files against the fields their rule
// type requires.
//
// Usage:
//
//	rulecheck [-f <rule.toml>] [-dir <rules/>] [-config configs/config.yaml]
//
// Without -f the file named by ALERT_TOML_FILE is used, else alert_example.toml.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lvonguyen/ruleforge/internal/config"
	"github.com/lvonguyen/ruleforge/internal/validation"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rulecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var file string
	fs.StringVar(&file, "f", "", "Path to the TOML rule file. Defaults to ALERT_TOML_FILE or alert_example.toml.")
	fs.StringVar(&file, "file", "", "Same as -f.")
	dir := fs.String("dir", "", "Validate every .toml file under this directory instead of a single file.")
	configPath := fs.String("config", "configs/config.yaml", "Path to config file (optional).")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}

	var paths []string
	if *dir != "" {
		paths, err = validation.Glob(*dir)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		if len(paths) == 0 {
			fmt.Fprintf(stderr, "error: no .toml files found in %s\n", *dir)
			return 1
		}
	} else {
		paths = []string{cfg.RuleFile(file)}
	}

	failed := 0
	for _, res := range validation.ValidateFiles(ctx, paths, cfg.Validation.Workers) {
		if !report(stdout, stderr, res) {
			failed++
		}
	}

	if len(paths) > 1 {
		fmt.Fprintf(stdout, "%d of %d rule files passed.\n", len(paths)-failed, len(paths))
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// report prints the outcome for one file and reports whether it passed.
func report(stdout, stderr io.Writer, res validation.FileResult) bool {
	if res.Err != nil {
		fmt.Fprintf(stderr, "Error: %v. Cannot validate.\n", res.Err)
		return false
	}

	for _, advisory := range res.Report.Advisories {
		fmt.Fprintf(stderr, "Warning: %s\n", advisory)
	}
	if !res.Report.Passed() {
		fmt.Fprintf(stdout, "The following fields do not exist in %s: %v\n", res.Path, res.Report.Missing)
		return false
	}
	fmt.Fprintf(stdout, "Validation Passed for: %s\n", res.Path)
	return true
}
