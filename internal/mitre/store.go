// Package mitre builds and serves a MITRE ATT&CK technique catalog from STIX bundles.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable catalog together with where and when it was built.
type Snapshot struct {
	ID      string    `json:"id"`
	Source  string    `json:"source"`
	BuiltAt time.Time `json:"built_at"`
	Dropped int       `json:"dropped"`
	Catalog Catalog   `json:"techniques"`
}

// NewSnapshot wraps a freshly built catalog.
func NewSnapshot(source string, res *BuildResult) *Snapshot {
	return &Snapshot{
		ID:      uuid.NewString(),
		Source:  source,
		BuiltAt: time.Now().UTC(),
		Dropped: res.Dropped,
		Catalog: res.Catalog,
	}
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // kill chain phase name, e.g., "execution"
	URL       string `json:"url"`
}

var enterpriseTactics = []Tactic{
	{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
	{ID: "TA0042", Name: "Resource Development", ShortName: "resource-development"},
	{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
	{ID: "TA0002", Name: "Execution", ShortName: "execution"},
	{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
	{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
	{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
	{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
	{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
	{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
	{ID: "TA0009", Name: "Collection", ShortName: "collection"},
	{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
	{ID: "TA0040", Name: "Impact", ShortName: "impact"},
}

// TacticSummary is a tactic with the number of catalogued techniques under it.
type TacticSummary struct {
	Tactic
	Techniques int `json:"techniques"`
}

// ListFilter narrows Store.List results.
type ListFilter struct {
	Tactic            string // kill chain phase name or tactic ID; empty matches all
	IncludeDeprecated bool
}

// Store holds the current technique catalog and answers lookups against it.
// The catalog is swapped whole on reload; readers never see a partial build.
type Store struct {
	mu       sync.RWMutex
	current  *Snapshot
	tactics  map[string]Tactic
	loadedAt time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{tactics: make(map[string]Tactic)}
	for _, t := range enterpriseTactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		s.tactics[t.ShortName] = t
		s.tactics[t.ID] = t
	}
	return s
}

// Replace installs a new snapshot.
func (s *Store) Replace(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = snap
	s.loadedAt = time.Now()
}

// Snapshot returns the current snapshot, or nil before the first load.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Loaded reports whether a catalog has been installed.
func (s *Store) Loaded() bool {
	return s.Snapshot() != nil
}

// GetTechnique returns a technique by ID
func (s *Store) GetTechnique(id string) (TechniqueRecord, bool) {
	snap := s.Snapshot()
	if snap == nil {
		return TechniqueRecord{}, false
	}
	t, ok := snap.Catalog[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (s *Store) GetTactic(id string) (Tactic, bool) {
	if t, ok := s.tactics[strings.ToUpper(id)]; ok {
		return t, true
	}
	t, ok := s.tactics[strings.ToLower(id)]
	return t, ok
}

// List returns techniques sorted by ID.
func (s *Store) List(filter ListFilter) []TechniqueRecord {
	snap := s.Snapshot()
	if snap == nil {
		return []TechniqueRecord{}
	}

	phase := strings.ToLower(filter.Tactic)
	if t, ok := s.GetTactic(filter.Tactic); ok {
		phase = t.ShortName
	}

	result := make([]TechniqueRecord, 0)
	for _, id := range snap.Catalog.IDs() {
		t := snap.Catalog[id]
		if t.Deprecated && !filter.IncludeDeprecated {
			continue
		}
		if phase != "" && !hasTactic(t, phase) {
			continue
		}
		result = append(result, t)
	}
	return result
}

func hasTactic(t TechniqueRecord, phase string) bool {
	for _, tactic := range t.Tactics {
		if strings.ToLower(tactic) == phase {
			return true
		}
	}
	return false
}

// Tactics returns technique counts per kill chain phase, ordered by the
// enterprise matrix. Phases not in the matrix follow alphabetically.
func (s *Store) Tactics() []TacticSummary {
	counts := make(map[string]int)
	if snap := s.Snapshot(); snap != nil {
		for _, t := range snap.Catalog {
			for _, phase := range t.Tactics {
				counts[phase]++
			}
		}
	}

	summaries := make([]TacticSummary, 0, len(counts))
	for _, t := range enterpriseTactics {
		known := s.tactics[t.ShortName]
		summaries = append(summaries, TacticSummary{Tactic: known, Techniques: counts[t.ShortName]})
		delete(counts, t.ShortName)
	}

	extra := make([]string, 0, len(counts))
	for phase := range counts {
		extra = append(extra, phase)
	}
	sort.Strings(extra)
	for _, phase := range extra {
		summaries = append(summaries, TacticSummary{
			Tactic:     Tactic{Name: phase, ShortName: phase},
			Techniques: counts[phase],
		})
	}
	return summaries
}

// Stats summarizes the loaded catalog.
type Stats struct {
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	BuiltAt    time.Time `json:"built_at,omitempty"`
	LoadedAt   time.Time `json:"loaded_at,omitempty"`
	Techniques int       `json:"techniques"`
	Deprecated int       `json:"deprecated"`
	Dropped    int       `json:"dropped"`
}

// Stats returns counts for the current snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	snap, loadedAt := s.current, s.loadedAt
	s.mu.RUnlock()

	if snap == nil {
		return Stats{}
	}
	st := Stats{
		SnapshotID: snap.ID,
		Source:     snap.Source,
		BuiltAt:    snap.BuiltAt,
		LoadedAt:   loadedAt,
		Techniques: snap.Catalog.Len(),
		Dropped:    snap.Dropped,
	}
	for _, t := range snap.Catalog {
		if t.Deprecated {
			st.Deprecated++
		}
	}
	return st
}
