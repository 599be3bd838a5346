package mitre

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lvonguyen/ruleforge/internal/stix"
)

// DefaultBundleURL is the enterprise ATT&CK bundle on the mitre/cti master branch.
const DefaultBundleURL = "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json"

// ErrFetchFailed is returned when the bundle cannot be retrieved.
var ErrFetchFailed = errors.New("fetching ATT&CK bundle failed")

// SourceConfig configures bundle retrieval.
type SourceConfig struct {
	BundleURL string        `yaml:"bundle_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// DefaultSourceConfig returns sensible defaults.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		BundleURL: DefaultBundleURL,
		Timeout:   30 * time.Second,
		UserAgent: "RuleForge/1.0",
	}
}

// Fetcher downloads STIX bundles over HTTP.
type Fetcher struct {
	config     SourceConfig
	httpClient *http.Client
}

// NewFetcher creates a new fetcher.
func NewFetcher(config SourceConfig) *Fetcher {
	if config.BundleURL == "" {
		config.BundleURL = DefaultBundleURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Fetcher{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Source returns the URL bundles are fetched from.
func (f *Fetcher) Source() string {
	return f.config.BundleURL
}

// Fetch retrieves and decodes the configured bundle. There is no retry.
func (f *Fetcher) Fetch(ctx context.Context) (stix.Bundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BundleURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating bundle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s returned status %d: %s", ErrFetchFailed, f.config.BundleURL, resp.StatusCode, string(body))
	}

	return stix.Decode(resp.Body)
}
