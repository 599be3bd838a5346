package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Common errors.
var (
	ErrFileNotFound = errors.New("rule file not found")
	ErrDecode       = errors.New("could not decode TOML")
)

// Decode parses a TOML rule document from r.
func Decode(r io.Reader) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading rule: %w", err)
	}

	doc := make(Document)
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return doc, nil
}

// LoadFile parses the TOML rule file at path.
func LoadFile(path string) (Document, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: '%s'", ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening rule file: %w", err)
	}
	defer f.Close()

	doc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("'%s': %w", path, err)
	}
	return doc, nil
}

// ValidateFile loads and validates the rule file at path.
func ValidateFile(path string) (*Report, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Validate(doc, path)
}

// FileResult pairs a rule file with its report or the error that kept it
// from being evaluated.
type FileResult struct {
	Path   string
	Report *Report
	Err    error
}

// ValidateFiles validates paths on up to workers goroutines. Results are in
// input order; a failing file does not stop the others.
func ValidateFiles(ctx context.Context, paths []string, workers int) []FileResult {
	if workers <= 0 {
		workers = 1
	}
	results := make([]FileResult, len(paths))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res := FileResult{Path: paths[i]}
				if err := ctx.Err(); err != nil {
					res.Err = err
				} else {
					res.Report, res.Err = ValidateFile(paths[i])
				}
				results[i] = res
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// Glob returns the .toml files under dir, sorted. .git directories are skipped.
func Glob(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".toml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing rule files in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}
