package mitre

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/lvonguyen/ruleforge/internal/stix"
)

const (
	techniquePrefix = "T"
	defaultName     = "N/A"
)

// TechniqueRecord is a normalized ATT&CK technique extracted from an
// attack-pattern object.
type TechniqueRecord struct {
	TechniqueID string   `json:"technique_id"` // e.g., "T1059.001"
	Name        string   `json:"name"`
	URL         string   `json:"url,omitempty"` // empty when the reference carried none
	Tactics     []string `json:"tactics"`       // kill chain phase names, source order
	Deprecated  bool     `json:"deprecated"`
}

func newTechniqueRecord(id, name, url string, tactics []string, deprecated bool) (TechniqueRecord, error) {
	if !isTechniqueID(id) {
		return TechniqueRecord{}, fmt.Errorf("invalid technique id %q", id)
	}
	return TechniqueRecord{
		TechniqueID: id,
		Name:        name,
		URL:         url,
		Tactics:     tactics,
		Deprecated:  deprecated,
	}, nil
}

func isTechniqueID(id string) bool {
	return strings.HasPrefix(id, techniquePrefix)
}

// Catalog maps technique IDs to their records.
type Catalog map[string]TechniqueRecord

// Len returns the number of techniques.
func (c Catalog) Len() int {
	return len(c)
}

// IDs returns the technique IDs in lexical order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether both catalogs hold the same records field by field.
func (c Catalog) Equal(other Catalog) bool {
	if len(c) != len(other) {
		return false
	}
	for id, rec := range c {
		o, ok := other[id]
		if !ok {
			return false
		}
		if rec.TechniqueID != o.TechniqueID || rec.Name != o.Name || rec.URL != o.URL ||
			rec.Deprecated != o.Deprecated || !slices.Equal(rec.Tactics, o.Tactics) {
			return false
		}
	}
	return true
}

// BuildResult is the outcome of a catalog build.
type BuildResult struct {
	Catalog        Catalog
	Count          int // techniques in Catalog
	AttackPatterns int // attack-pattern objects seen
	Dropped        int // attack-pattern objects without a technique ID
}

// BuildCatalog folds the bundle's attack-pattern objects, in document order,
// into a catalog keyed by technique ID. When two objects resolve to the same
// ID the later one replaces the earlier one.
func BuildCatalog(bundle stix.Bundle) (*BuildResult, error) {
	objects, err := bundle.Objects()
	if err != nil {
		return nil, err
	}

	result := &BuildResult{Catalog: make(Catalog)}
	for _, obj := range objects {
		if obj.Type() != stix.TypeAttackPattern {
			continue
		}
		result.AttackPatterns++

		rec, ok := parseAttackPattern(obj)
		if !ok {
			result.Dropped++
			continue
		}
		// Last write wins.
		result.Catalog[rec.TechniqueID] = rec
	}
	result.Count = result.Catalog.Len()

	return result, nil
}

// parseAttackPattern extracts a technique record, reporting false when the
// object carries no T-prefixed external reference.
func parseAttackPattern(obj stix.Object) (TechniqueRecord, bool) {
	id, url, ok := techniqueReference(obj)
	if !ok {
		return TechniqueRecord{}, false
	}

	name, ok := obj.String("name")
	if !ok {
		name = defaultName
	}

	// Absent or non-boolean means not deprecated.
	deprecated, _ := obj.Bool("x_mitre_deprecated")

	rec, err := newTechniqueRecord(id, name, url, killChainTactics(obj), deprecated)
	if err != nil {
		return TechniqueRecord{}, false
	}
	return rec, true
}

// techniqueReference returns the external ID and URL of the first external
// reference whose ID starts with "T". Later matches are ignored.
func techniqueReference(obj stix.Object) (id, url string, ok bool) {
	refs, present := obj.Objects("external_references")
	if !present {
		return "", "", false
	}

	for _, ref := range refs {
		extID, ok := ref.String("external_id")
		if !ok || !isTechniqueID(extID) {
			continue
		}
		url, _ = ref.String("url")
		return extID, url, true
	}
	return "", "", false
}

func killChainTactics(obj stix.Object) []string {
	phases, _ := obj.Objects("kill_chain_phases")
	tactics := make([]string, 0, len(phases))
	for _, phase := range phases {
		if name, ok := phase.String("phase_name"); ok {
			tactics = append(tactics, name)
		}
	}
	return tactics
}

// MergeCatalogs combines catalogs in argument order. Later catalogs replace
// entries of earlier ones with the same technique ID.
func MergeCatalogs(parts ...Catalog) Catalog {
	merged := make(Catalog)
	for _, part := range parts {
		for id, rec := range part {
			merged[id] = rec
		}
	}
	return merged
}

// BuildAll builds each bundle concurrently and merges the catalogs in input
// order, matching a sequential fold over the concatenated bundles.
func BuildAll(ctx context.Context, bundles []stix.Bundle) (Catalog, error) {
	parts := make([]Catalog, len(bundles))
	errs := make([]error, len(bundles))

	var wg sync.WaitGroup
	for i, b := range bundles {
		wg.Add(1)
		go func(i int, b stix.Bundle) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			res, err := BuildCatalog(b)
			if err != nil {
				errs[i] = fmt.Errorf("bundle %d: %w", i, err)
				return
			}
			parts[i] = res.Catalog
		}(i, b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return MergeCatalogs(parts...), nil
}
