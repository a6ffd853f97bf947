package query

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownQueryKind is returned when a spec names a query kind that is not
// in the registry.
var ErrUnknownQueryKind = errors.New("unknown query kind")

// TableMap maps dependency fingerprints to fully qualified relation names in
// the warehouse. SQL builders look their prerequisites up here and never
// reference live query objects.
type TableMap map[string]string

// Kind describes one exposed query kind: how to validate its parameters,
// which prerequisite specs it declares, and how to build its SQL once those
// prerequisites are materialised.
type Kind struct {
	Name string

	// Columns lists the result columns of the materialised relation.
	Columns []string

	// Validate checks the spec's own parameters. Nested specs are validated
	// separately by ValidateSpec.
	Validate func(s *Spec) error

	// Dependencies returns the direct prerequisite specs.
	Dependencies func(s *Spec) ([]*Spec, error)

	// SQL builds the SELECT that materialises this query. deps maps each
	// prerequisite's fingerprint to its relation name.
	SQL func(s *Spec, deps TableMap) (string, error)
}

// AggregationUnits are the spatial granularities a result can be returned at.
var AggregationUnits = []string{
	"admin0", "admin1", "admin2", "admin3",
	"versioned-site", "versioned-cell", "lon-lat",
}

// registry is the closed table of exposed query kinds. It replaces the
// original's dynamic class registry with a fixed dispatch table.
var registry = map[string]Kind{}

func register(k Kind) {
	if _, dup := registry[k.Name]; dup {
		panic(fmt.Sprintf("query kind registered twice: %s", k.Name))
	}
	registry[k.Name] = k
}

// Lookup returns the Kind for a name.
func Lookup(name string) (Kind, error) {
	k, ok := registry[name]
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnknownQueryKind, name)
	}
	return k, nil
}

// KindNames returns the registered kind names in sorted order.
func KindNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateSpec validates a spec and, recursively, every nested sub-spec.
func ValidateSpec(s *Spec) error {
	k, err := Lookup(s.Kind)
	if err != nil {
		return err
	}
	if k.Validate != nil {
		if err := k.Validate(s); err != nil {
			return err
		}
	}
	for _, sub := range s.SubSpecs() {
		if err := ValidateSpec(sub); err != nil {
			return fmt.Errorf("in %s: %w", s.Kind, err)
		}
	}
	return nil
}

// Dependencies returns the direct prerequisite specs of s.
func Dependencies(s *Spec) ([]*Spec, error) {
	k, err := Lookup(s.Kind)
	if err != nil {
		return nil, err
	}
	if k.Dependencies == nil {
		return nil, nil
	}
	return k.Dependencies(s)
}

// SQL builds the materialisation SELECT for s given its dependency relations.
func SQL(s *Spec, deps TableMap) (string, error) {
	k, err := Lookup(s.Kind)
	if err != nil {
		return "", err
	}
	return k.SQL(s, deps)
}

// Columns returns the declared result columns for s.
func Columns(s *Spec) ([]string, error) {
	k, err := Lookup(s.Kind)
	if err != nil {
		return nil, err
	}
	return k.Columns, nil
}

// validation helpers

func requireString(s *Spec, name string) (string, error) {
	v, ok := s.StringParam(name)
	if !ok || v == "" {
		return "", &ValidationError{Msg: fmt.Sprintf("%s: missing required parameter: %s", s.Kind, name)}
	}
	return v, nil
}

func requireDate(s *Spec, name string) (string, error) {
	v, err := requireString(s, name)
	if err != nil {
		return "", err
	}
	if _, perr := time.Parse("2006-01-02", v); perr != nil {
		return "", &ValidationError{Msg: fmt.Sprintf("%s: parameter %s is not a yyyy-mm-dd date: %q", s.Kind, name, v)}
	}
	return v, nil
}

func requireOneOf(s *Spec, name string, allowed []string) (string, error) {
	v, err := requireString(s, name)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", &ValidationError{Msg: fmt.Sprintf("%s: parameter %s must be one of %v, got %q", s.Kind, name, allowed, v)}
}

func requireAggregationUnit(s *Spec) (string, error) {
	return requireOneOf(s, "aggregation_unit", AggregationUnits)
}

func depTable(deps TableMap, sub *Spec) (string, error) {
	table, ok := deps[Fingerprint(sub)]
	if !ok {
		return "", fmt.Errorf("dependency %s of %s is not materialised", Fingerprint(sub), sub.Kind)
	}
	return table, nil
}

// dateRange returns the inclusive list of yyyy-mm-dd dates between start and
// stop.
func dateRange(start, stop string) ([]string, error) {
	d1, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, err
	}
	d2, err := time.Parse("2006-01-02", stop)
	if err != nil {
		return nil, err
	}
	if d2.Before(d1) {
		return nil, &ValidationError{Msg: fmt.Sprintf("start date %s is later than end date %s", start, stop)}
	}
	var dates []string
	for d := d1; !d.After(d2); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}
