package validation

import (
	"errors"
	"fmt"
)

// ErrMissingRuleDeclaration is returned when a document has no [rule] table
// or the table has no type. Such a document cannot be evaluated at all.
var ErrMissingRuleDeclaration = errors.New("'rule' or 'rule.type' not found")

// Document is a parsed rule file: table name to table contents.
type Document map[string]any

// Report is the outcome of validating one document.
type Report struct {
	File       string   `json:"file"`
	RuleType   string   `json:"rule_type"`
	Missing    []string `json:"missing_fields"`
	Advisories []string `json:"advisories,omitempty"`
}

// Passed reports whether every required field was present.
func (r *Report) Passed() bool {
	return len(r.Missing) == 0
}

// Recognized reports whether the rule type selected a type-specific schema.
func (r *Report) Recognized() bool {
	return ParseRuleType(r.RuleType) != RuleTypeUnknown
}

// Validate checks doc against the fields required by its declared rule type.
// A field counts as present if any top-level table defines it.
func Validate(doc Document, identifier string) (*Report, error) {
	ruleType, err := declaredRuleType(doc)
	if err != nil {
		return nil, fmt.Errorf("%w in '%s'", err, identifier)
	}

	required, recognized := RequiredFields(ruleType)
	present := presentFields(doc)

	report := &Report{
		File:     identifier,
		RuleType: ruleType,
		Missing:  make([]string, 0),
	}
	if !recognized {
		report.Advisories = append(report.Advisories,
			fmt.Sprintf("unknown rule type '%s': no specific fields enforced beyond base", ruleType))
	}

	for _, field := range required {
		if _, ok := present[field]; !ok {
			report.Missing = append(report.Missing, field)
		}
	}
	return report, nil
}

func declaredRuleType(doc Document) (string, error) {
	rule, ok := doc["rule"].(map[string]any)
	if !ok {
		return "", ErrMissingRuleDeclaration
	}
	raw, ok := rule["type"]
	if !ok {
		return "", ErrMissingRuleDeclaration
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	// A non-string type can never match a known type; keep its text for the advisory.
	return fmt.Sprint(raw), nil
}

// presentFields is the union of the key sets of every top-level table.
// Top-level values that are not tables contribute nothing.
func presentFields(doc Document) map[string]struct{} {
	present := make(map[string]struct{})
	for _, v := range doc {
		table, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for field := range table {
			present[field] = struct{}{}
		}
	}
	return present
}
