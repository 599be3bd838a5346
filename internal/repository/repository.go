// Package repository keeps local clones of detection rule repositories and
// validates the TOML rules they contain.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ruleforge/internal/validation"
)

// Common errors.
var (
	ErrInvalidRepository = errors.New("invalid repository")
	ErrSyncFailed        = errors.New("git sync failed")
	ErrRepoNotFound      = errors.New("repository not found")
	ErrRepoExists        = errors.New("repository already registered")
	ErrGitNotInstalled   = errors.New("git is not installed")
)

// Repository is a git repository holding detection rules.
type Repository struct {
	Name      string `yaml:"name" json:"name"`
	RemoteURL string `yaml:"remote_url" json:"remote_url"`
	LocalPath string `yaml:"local_path" json:"local_path"`
	Branch    string `yaml:"branch" json:"branch"` // default: main
	Depth     int    `yaml:"depth" json:"depth"`   // 0 = full clone

	// RulesDir is the directory inside the checkout searched for rule files.
	RulesDir string `yaml:"rules_dir" json:"rules_dir"`
}

// SyncResult describes one clone or pull.
type SyncResult struct {
	Repository string        `json:"repository"`
	Operation  string        `json:"operation"` // clone or pull
	CommitHash string        `json:"commit_hash"`
	Output     string        `json:"output,omitempty"`
	SyncedAt   time.Time     `json:"synced_at"`
	Duration   time.Duration `json:"duration"`
}

// Manager tracks rule repositories and runs git against their checkouts.
type Manager struct {
	mu           sync.RWMutex
	repositories map[string]*Repository
	basePath     string
	gitPath      string
	logger       *zap.Logger
}

// NewManager creates a manager that clones under basePath.
func NewManager(basePath string, logger *zap.Logger) (*Manager, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, ErrGitNotInstalled
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		repositories: make(map[string]*Repository),
		basePath:     basePath,
		gitPath:      gitPath,
		logger:       logger,
	}, nil
}

// Register adds a repository. Nothing is cloned until Sync.
func (m *Manager) Register(repo Repository) error {
	if err := validateRepository(repo); err != nil {
		return err
	}
	if repo.LocalPath == "" {
		repo.LocalPath = filepath.Join(m.basePath, repo.Name)
	}
	if repo.Branch == "" {
		repo.Branch = "main"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.repositories[repo.Name]; exists {
		return fmt.Errorf("%w: %s", ErrRepoExists, repo.Name)
	}
	m.repositories[repo.Name] = &repo
	return nil
}

// Sync clones the repository if there is no local checkout and fast-forwards
// it otherwise.
func (m *Manager) Sync(ctx context.Context, name string) (*SyncResult, error) {
	repo, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &SyncResult{Repository: name}

	var output []byte
	if _, statErr := os.Stat(filepath.Join(repo.LocalPath, ".git")); statErr == nil {
		result.Operation = "pull"
		output, err = m.git(ctx, repo.LocalPath, "pull", "--ff-only")
	} else {
		result.Operation = "clone"
		args := []string{"clone", "--branch", repo.Branch, "--single-branch"}
		if repo.Depth > 0 {
			args = append(args, "--depth", fmt.Sprintf("%d", repo.Depth))
		}
		args = append(args, repo.RemoteURL, repo.LocalPath)
		output, err = m.git(ctx, "", args...)
		if err != nil {
			_ = os.RemoveAll(repo.LocalPath)
		}
	}
	result.Output = strings.TrimSpace(string(output))
	if err != nil {
		m.logger.Warn("Rule repository sync failed",
			zap.String("repository", name),
			zap.String("operation", result.Operation),
			zap.String("output", result.Output),
		)
		return nil, fmt.Errorf("%w: %s %s: %s", ErrSyncFailed, result.Operation, name, result.Output)
	}

	result.CommitHash, _ = m.headCommit(ctx, repo.LocalPath)
	result.SyncedAt = time.Now().UTC()
	result.Duration = time.Since(start)

	m.logger.Info("Rule repository synced",
		zap.String("repository", name),
		zap.String("operation", result.Operation),
		zap.String("commit", result.CommitHash),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Get returns a copy of the named repository.
func (m *Manager) Get(name string) (Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repo, exists := m.repositories[name]
	if !exists {
		return Repository{}, fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}
	return *repo, nil
}

// List returns all registered repositories sorted by name.
func (m *Manager) List() []Repository {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repos := make([]Repository, 0, len(m.repositories))
	for _, repo := range m.repositories {
		repos = append(repos, *repo)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos
}

// Remove unregisters a repository and optionally deletes its checkout.
func (m *Manager) Remove(name string, deleteFiles bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, exists := m.repositories[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}
	if deleteFiles && repo.LocalPath != "" {
		if err := os.RemoveAll(repo.LocalPath); err != nil {
			return fmt.Errorf("failed to delete repository files: %w", err)
		}
	}
	delete(m.repositories, name)
	return nil
}

// Status represents the current state of a repository checkout.
type Status struct {
	Name          string `json:"name"`
	LocalPath     string `json:"local_path"`
	RemoteURL     string `json:"remote_url"`
	Branch        string `json:"branch"`
	CurrentBranch string `json:"current_branch,omitempty"`
	CommitHash    string `json:"commit_hash,omitempty"`
	Cloned        bool   `json:"cloned"`
	HasChanges    bool   `json:"has_changes"`
}

// Status inspects the checkout of the named repository.
func (m *Manager) Status(ctx context.Context, name string) (*Status, error) {
	repo, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Name:      repo.Name,
		LocalPath: repo.LocalPath,
		RemoteURL: repo.RemoteURL,
		Branch:    repo.Branch,
	}
	if _, err := os.Stat(filepath.Join(repo.LocalPath, ".git")); err != nil {
		return status, nil
	}
	status.Cloned = true

	if out, err := m.git(ctx, repo.LocalPath, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.CurrentBranch = strings.TrimSpace(string(out))
	}
	status.CommitHash, _ = m.headCommit(ctx, repo.LocalPath)
	if out, err := m.git(ctx, repo.LocalPath, "status", "--porcelain"); err == nil {
		status.HasChanges = len(strings.TrimSpace(string(out))) > 0
	}
	return status, nil
}

// RuleResult is the validation outcome for one rule file in a repository.
type RuleResult struct {
	Path   string             `json:"path"` // relative to the checkout
	Report *validation.Report `json:"report,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// ValidationSummary aggregates the rule results of one repository.
type ValidationSummary struct {
	Repository string       `json:"repository"`
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Errored    int          `json:"errored"`
	Results    []RuleResult `json:"results"`
}

// ValidateRules validates every .toml file in the repository's rules directory.
func (m *Manager) ValidateRules(ctx context.Context, name string, workers int) (*ValidationSummary, error) {
	repo, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	paths, err := validation.Glob(filepath.Join(repo.LocalPath, repo.RulesDir))
	if err != nil {
		return nil, err
	}

	summary := &ValidationSummary{
		Repository: name,
		Total:      len(paths),
		Results:    make([]RuleResult, 0, len(paths)),
	}
	for _, res := range validation.ValidateFiles(ctx, paths, workers) {
		rel, relErr := filepath.Rel(repo.LocalPath, res.Path)
		if relErr != nil {
			rel = res.Path
		}
		rr := RuleResult{Path: rel, Report: res.Report}
		switch {
		case res.Err != nil:
			rr.Error = res.Err.Error()
			summary.Errored++
		case res.Report.Passed():
			summary.Passed++
		default:
			summary.Failed++
		}
		summary.Results = append(summary.Results, rr)
	}
	return summary, nil
}

func validateRepository(repo Repository) error {
	if repo.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRepository)
	}
	if strings.ContainsAny(repo.Name, `/\`) || repo.Name == "." || repo.Name == ".." {
		return fmt.Errorf("%w: name %q is not a valid directory name", ErrInvalidRepository, repo.Name)
	}
	if repo.RemoteURL == "" {
		return fmt.Errorf("%w: remote URL is required", ErrInvalidRepository)
	}
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "file://"} {
		if strings.HasPrefix(repo.RemoteURL, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: URL must be HTTPS, SSH or file format", ErrInvalidRepository)
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.gitPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

func (m *Manager) headCommit(ctx context.Context, localPath string) (string, error) {
	out, err := m.git(ctx, localPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
