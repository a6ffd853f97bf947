// Package query defines query specifications, their canonical serialisation
// and content-addressed fingerprints, and the closed registry of exposed
// query kinds.
//
// A Spec has no identity of its own; its identity is its fingerprint, an
// md5 digest of the canonical serialisation. Two specs that differ only in
// parameter order, or in whether a subexpression was supplied inline or
// pre-built, share a fingerprint.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Spec is a query specification: a query kind plus named parameters. Parameter
// values are primitives, ordered sequences, mappings, or nested *Spec values.
type Spec struct {
	Kind   string
	Params map[string]interface{}
}

// ParseSpec builds a Spec from a decoded JSON object. Any nested object
// carrying a "query_kind" key is recursively converted into a sub-Spec.
func ParseSpec(raw map[string]interface{}) (*Spec, error) {
	kindVal, ok := raw["query_kind"]
	if !ok {
		return nil, &ValidationError{Msg: "missing required parameter: query_kind"}
	}
	kind, ok := kindVal.(string)
	if !ok || kind == "" {
		return nil, &ValidationError{Msg: "query_kind must be a non-empty string"}
	}

	params := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if key == "query_kind" {
			continue
		}
		converted, err := convertParam(key, value)
		if err != nil {
			return nil, err
		}
		params[key] = converted
	}

	return &Spec{Kind: kind, Params: params}, nil
}

// ParseSpecJSON decodes a JSON document and builds a Spec from it. Numbers are
// preserved as json.Number so that canonicalisation is not subject to float
// round-tripping.
func ParseSpecJSON(data []byte) (*Spec, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid query spec: %v", err)}
	}
	return ParseSpec(raw)
}

func convertParam(key string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		if _, nested := v["query_kind"]; nested {
			sub, err := ParseSpec(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", key, err)
			}
			return sub, nil
		}
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			converted, err := convertParam(key, item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			converted, err := convertParam(key, item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return value, nil
	}
}

// ParamNames returns the spec's parameter names in sorted order.
func (s *Spec) ParamNames() []string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StringParam returns the named parameter as a string. The second return is
// false when the parameter is absent or not a string.
func (s *Spec) StringParam(name string) (string, bool) {
	v, ok := s.Params[name]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// IntParam returns the named parameter as an int, accepting JSON numbers.
func (s *Spec) IntParam(name string) (int, bool) {
	switch v := s.Params[name].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// SubSpec returns the named parameter as a nested Spec.
func (s *Spec) SubSpec(name string) (*Spec, bool) {
	sub, ok := s.Params[name].(*Spec)
	return sub, ok
}

// StringSliceParam returns the named parameter as a slice of strings.
func (s *Spec) StringSliceParam(name string) ([]string, bool) {
	raw, ok := s.Params[name].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, len(raw))
	for i, item := range raw {
		str, ok := item.(string)
		if !ok {
			return nil, false
		}
		out[i] = str
	}
	return out, true
}

// SubSpecs returns every nested Spec appearing directly in the parameters,
// including those inside sequences and mappings.
func (s *Spec) SubSpecs() []*Spec {
	var subs []*Spec
	for _, name := range s.ParamNames() {
		subs = append(subs, collectSubSpecs(s.Params[name])...)
	}
	return subs
}

func collectSubSpecs(value interface{}) []*Spec {
	switch v := value.(type) {
	case *Spec:
		return []*Spec{v}
	case []interface{}:
		var subs []*Spec
		for _, item := range v {
			subs = append(subs, collectSubSpecs(item)...)
		}
		return subs
	case map[string]interface{}:
		var subs []*Spec
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			subs = append(subs, collectSubSpecs(v[k])...)
		}
		return subs
	default:
		return nil
	}
}

// ValidationError reports a malformed or incomplete query specification.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
