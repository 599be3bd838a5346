// Package stix provides loosely-typed access to STIX 2.x bundles.
//
// Bundle entries are kept as generic maps. Every accessor reports whether the
// field was present with the expected JSON type, so callers choose their own
// fallbacks explicitly.
package stix

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// STIX Object Types
const (
	TypeAttackPattern  = "attack-pattern"
	TypeCampaign       = "campaign"
	TypeCourseOfAction = "course-of-action"
	TypeIdentity       = "identity"
	TypeIndicator      = "indicator"
	TypeIntrusionSet   = "intrusion-set"
	TypeMalware        = "malware"
	TypeMarking        = "marking-definition"
	TypeRelationship   = "relationship"
	TypeTactic         = "x-mitre-tactic"
	TypeTool           = "tool"
)

// ErrMalformedBundle is returned when the bundle's shape cannot be iterated.
var ErrMalformedBundle = errors.New("malformed STIX bundle")

// Object is a single bundle entry.
type Object map[string]any

// Has reports whether key is present, regardless of its value.
func (o Object) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// String returns the value at key if it is present and a string.
func (o Object) String(key string) (string, bool) {
	v, ok := o[key].(string)
	return v, ok
}

// Bool returns the value at key if it is present and a bool.
func (o Object) Bool(key string) (bool, bool) {
	v, ok := o[key].(bool)
	return v, ok
}

// Objects returns the object elements of the list at key. Elements that are
// not objects are skipped; a missing or non-list value is reported as absent.
func (o Object) Objects(key string) ([]Object, bool) {
	raw, ok := o[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]Object, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Object(m))
		}
	}
	return out, true
}

// Type returns the type discriminant, or "" when absent.
func (o Object) Type() string {
	t, _ := o.String("type")
	return t
}

// Bundle is a decoded STIX bundle document.
type Bundle map[string]any

// Objects returns the bundle's objects in document order. A bundle without an
// objects field has no objects. A present field that is not a list of objects
// yields ErrMalformedBundle.
func (b Bundle) Objects() ([]Object, error) {
	raw, ok := b["objects"]
	if !ok || raw == nil {
		return []Object{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: objects is %T, want list", ErrMalformedBundle, raw)
	}
	return toObjects(list)
}

func toObjects(list []any) ([]Object, error) {
	out := make([]Object, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: objects[%d] is %T, want object", ErrMalformedBundle, i, item)
		}
		out = append(out, Object(m))
	}
	return out, nil
}

// Decode reads a JSON bundle document from r.
func Decode(r io.Reader) (Bundle, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding JSON: %v", ErrMalformedBundle, err)
	}

	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, want object", ErrMalformedBundle, doc)
	}
	return Bundle(m), nil
}
