// Package validation checks detection rule files for the fields their rule
// type requires.
package validation

// RuleType selects which fields a rule must supply.
type RuleType string

const (
	RuleTypeQuery     RuleType = "query"
	RuleTypeEQL       RuleType = "eql"
	RuleTypeThreshold RuleType = "threshold"
	RuleTypeUnknown   RuleType = "unknown"
)

// ParseRuleType maps a declared type to a known RuleType, or RuleTypeUnknown.
func ParseRuleType(s string) RuleType {
	switch RuleType(s) {
	case RuleTypeQuery, RuleTypeEQL, RuleTypeThreshold:
		return RuleType(s)
	default:
		return RuleTypeUnknown
	}
}

// baseFields are required of every rule, regardless of type.
var baseFields = []string{"description", "name", "risk_score", "severity", "type"}

// RequiredFields returns the fields a rule of the given type must define,
// base fields first. recognized is false when the type is not one of query,
// eql or threshold; only base fields are required then.
func RequiredFields(ruleType string) (fields []string, recognized bool) {
	fields = make([]string, len(baseFields), len(baseFields)+2)
	copy(fields, baseFields)

	switch ParseRuleType(ruleType) {
	case RuleTypeQuery:
		return append(fields, "query"), true
	case RuleTypeEQL:
		return append(fields, "query", "language"), true
	case RuleTypeThreshold:
		return append(fields, "query", "threshold"), true
	default:
		return fields, false
	}
}
