package query

import (
	"fmt"
	"strings"
)

// Location-producing query kinds and their spatial prerequisites.

func init() {
	register(Kind{
		Name:    "geography",
		Columns: []string{"location_id", "geom"},
		Validate: func(s *Spec) error {
			_, err := requireAggregationUnit(s)
			return err
		},
		SQL: func(s *Spec, _ TableMap) (string, error) {
			unit, _ := s.StringParam("aggregation_unit")
			relation := geographyRelation(unit)
			return fmt.Sprintf(
				"SELECT gid::text AS location_id, geom FROM %s", relation), nil
		},
	})

	register(Kind{
		Name:    "subscriber_sightings",
		Columns: []string{"subscriber", "datetime", "location_id"},
		Validate: func(s *Spec) error {
			_, err := requireDate(s, "date")
			return err
		},
		SQL: func(s *Spec, _ TableMap) (string, error) {
			date, _ := s.StringParam("date")
			return fmt.Sprintf(
				`SELECT msisdn AS subscriber, datetime, location_id
FROM events.calls
WHERE datetime >= %s::date AND datetime < %s::date + interval '1 day'`,
				sqlQuote(date), sqlQuote(date)), nil
		},
	})

	register(Kind{
		Name:    "daily_location",
		Columns: []string{"subscriber", "location_id"},
		Validate: func(s *Spec) error {
			if _, err := requireDate(s, "date"); err != nil {
				return err
			}
			if _, err := requireOneOf(s, "method", []string{"last", "most-common"}); err != nil {
				return err
			}
			_, err := requireAggregationUnit(s)
			return err
		},
		Dependencies: dailyLocationDependencies,
		SQL:          dailyLocationSQL,
	})

	register(Kind{
		Name:    "modal_location",
		Columns: []string{"subscriber", "location_id"},
		Validate: func(s *Spec) error {
			dates, ok := s.StringSliceParam("dates")
			if !ok || len(dates) == 0 {
				return &ValidationError{Msg: "modal_location: missing required parameter: dates"}
			}
			_, err := requireAggregationUnit(s)
			return err
		},
		Dependencies: modalLocationDependencies,
		SQL:          modalLocationSQL,
	})

	register(Kind{
		Name:    "spatial_aggregate",
		Columns: []string{"location_id", "total"},
		Validate: func(s *Spec) error {
			sub, ok := s.SubSpec("locations")
			if !ok {
				return &ValidationError{Msg: "spatial_aggregate: missing required parameter: locations"}
			}
			switch sub.Kind {
			case "daily_location", "modal_location":
				return nil
			default:
				return &ValidationError{Msg: fmt.Sprintf(
					"spatial_aggregate: locations must be a location query, got %q", sub.Kind)}
			}
		},
		Dependencies: func(s *Spec) ([]*Spec, error) {
			sub, _ := s.SubSpec("locations")
			return []*Spec{sub}, nil
		},
		SQL: func(s *Spec, deps TableMap) (string, error) {
			sub, _ := s.SubSpec("locations")
			table, err := depTable(deps, sub)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf(
				"SELECT location_id, count(*) AS total FROM %s GROUP BY location_id", table), nil
		},
	})

	register(Kind{
		Name:    "meaningful_locations_aggregate",
		Columns: []string{"label", "location_id", "total"},
		Validate: func(s *Spec) error {
			if _, err := requireDate(s, "start_date"); err != nil {
				return err
			}
			if _, err := requireDate(s, "end_date"); err != nil {
				return err
			}
			if _, err := requireString(s, "label"); err != nil {
				return err
			}
			_, err := requireAggregationUnit(s)
			return err
		},
		Dependencies: meaningfulLocationsDependencies,
		SQL:          meaningfulLocationsSQL,
	})
}

func geographyRelation(unit string) string {
	switch unit {
	case "versioned-site":
		return "geography.sites"
	case "versioned-cell", "lon-lat":
		return "geography.cells"
	default:
		return "geography." + strings.ReplaceAll(unit, "-", "_")
	}
}

func dailyLocationDependencies(s *Spec) ([]*Spec, error) {
	date, _ := s.StringParam("date")
	unit, _ := s.StringParam("aggregation_unit")
	return []*Spec{
		{Kind: "subscriber_sightings", Params: map[string]interface{}{"date": date}},
		{Kind: "geography", Params: map[string]interface{}{"aggregation_unit": unit}},
	}, nil
}

func dailyLocationSQL(s *Spec, deps TableMap) (string, error) {
	method, _ := s.StringParam("method")
	subDeps, _ := dailyLocationDependencies(s)
	sightings, err := depTable(deps, subDeps[0])
	if err != nil {
		return "", err
	}
	switch method {
	case "last":
		return fmt.Sprintf(
			`SELECT DISTINCT ON (subscriber) subscriber, location_id
FROM %s
ORDER BY subscriber, datetime DESC`, sightings), nil
	case "most-common":
		return fmt.Sprintf(
			`SELECT DISTINCT ON (subscriber) subscriber, location_id
FROM (
    SELECT subscriber, location_id, count(*) AS sightings
    FROM %s
    GROUP BY subscriber, location_id
) ranked
ORDER BY subscriber, sightings DESC, location_id`, sightings), nil
	default:
		return "", &ValidationError{Msg: fmt.Sprintf("daily_location: unknown method %q", method)}
	}
}

func modalLocationDependencies(s *Spec) ([]*Spec, error) {
	dates, _ := s.StringSliceParam("dates")
	unit, _ := s.StringParam("aggregation_unit")
	subs := make([]*Spec, 0, len(dates))
	for _, date := range dates {
		subs = append(subs, &Spec{Kind: "daily_location", Params: map[string]interface{}{
			"date":             date,
			"method":           "last",
			"aggregation_unit": unit,
		}})
	}
	return subs, nil
}

func modalLocationSQL(s *Spec, deps TableMap) (string, error) {
	subs, _ := modalLocationDependencies(s)
	parts := make([]string, 0, len(subs))
	for _, sub := range subs {
		table, err := depTable(deps, sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("SELECT subscriber, location_id FROM %s", table))
	}
	return fmt.Sprintf(
		`SELECT DISTINCT ON (subscriber) subscriber, location_id
FROM (
    SELECT subscriber, location_id, count(*) AS days
    FROM (%s) all_days
    GROUP BY subscriber, location_id
) ranked
ORDER BY subscriber, days DESC, location_id`, strings.Join(parts, " UNION ALL ")), nil
}

func meaningfulLocationsDependencies(s *Spec) ([]*Spec, error) {
	start, _ := s.StringParam("start_date")
	end, _ := s.StringParam("end_date")
	unit, _ := s.StringParam("aggregation_unit")
	dates, err := dateRange(start, end)
	if err != nil {
		return nil, err
	}
	subs := make([]*Spec, 0, len(dates)+1)
	for _, date := range dates {
		subs = append(subs, &Spec{Kind: "daily_location", Params: map[string]interface{}{
			"date":             date,
			"method":           "most-common",
			"aggregation_unit": unit,
		}})
	}
	subs = append(subs, &Spec{Kind: "geography", Params: map[string]interface{}{"aggregation_unit": unit}})
	return subs, nil
}

func meaningfulLocationsSQL(s *Spec, deps TableMap) (string, error) {
	label, _ := s.StringParam("label")
	subs, err := meaningfulLocationsDependencies(s)
	if err != nil {
		return "", err
	}
	// Last entry is the geography reference; the rest are per-day locations.
	daily := subs[:len(subs)-1]
	geo, err := depTable(deps, subs[len(subs)-1])
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(daily))
	for _, sub := range daily {
		table, err := depTable(deps, sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("SELECT subscriber, location_id FROM %s", table))
	}
	return fmt.Sprintf(
		`SELECT %s AS label, locs.location_id, count(DISTINCT locs.subscriber) AS total
FROM (%s) locs
JOIN %s geo ON geo.location_id = locs.location_id
GROUP BY locs.location_id`, sqlQuote(label), strings.Join(parts, " UNION ALL "), geo), nil
}

// sqlQuote renders s as a SQL string literal.
func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
