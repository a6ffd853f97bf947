package query

import (
	"fmt"
)

// Per-subscriber metric kinds and the dummy query used in tests.

func init() {
	register(Kind{
		Name:    "subscriber_degree",
		Columns: []string{"subscriber", "degree"},
		Validate: func(s *Spec) error {
			if _, err := requireDate(s, "start"); err != nil {
				return err
			}
			if _, err := requireDate(s, "stop"); err != nil {
				return err
			}
			_, err := requireOneOf(s, "direction", []string{"in", "out", "both"})
			return err
		},
		SQL: func(s *Spec, _ TableMap) (string, error) {
			start, _ := s.StringParam("start")
			stop, _ := s.StringParam("stop")
			direction, _ := s.StringParam("direction")
			where := fmt.Sprintf("datetime >= %s::date AND datetime < %s::date", sqlQuote(start), sqlQuote(stop))
			switch direction {
			case "out":
				where += " AND outgoing"
			case "in":
				where += " AND NOT outgoing"
			}
			return fmt.Sprintf(
				`SELECT msisdn AS subscriber, count(DISTINCT msisdn_counterpart) AS degree
FROM events.calls
WHERE %s
GROUP BY msisdn`, where), nil
		},
	})

	register(Kind{
		Name:    "topup_amount",
		Columns: []string{"subscriber", "value"},
		Validate: func(s *Spec) error {
			if _, err := requireDate(s, "start"); err != nil {
				return err
			}
			if _, err := requireDate(s, "stop"); err != nil {
				return err
			}
			_, err := requireOneOf(s, "statistic",
				[]string{"avg", "sum", "min", "max", "median", "stddev", "variance"})
			return err
		},
		SQL: func(s *Spec, _ TableMap) (string, error) {
			start, _ := s.StringParam("start")
			stop, _ := s.StringParam("stop")
			statistic, _ := s.StringParam("statistic")
			agg := fmt.Sprintf("%s(recharge_amount)", statistic)
			if statistic == "median" {
				agg = "percentile_cont(0.5) WITHIN GROUP (ORDER BY recharge_amount)"
			}
			return fmt.Sprintf(
				`SELECT msisdn AS subscriber, %s AS value
FROM events.topups
WHERE datetime >= %s::date AND datetime < %s::date
GROUP BY msisdn`, agg, sqlQuote(start), sqlQuote(stop)), nil
		},
	})

	register(Kind{
		Name:    "location_introversion",
		Columns: []string{"location_id", "value"},
		Validate: func(s *Spec) error {
			if _, err := requireDate(s, "start_date"); err != nil {
				return err
			}
			if _, err := requireDate(s, "end_date"); err != nil {
				return err
			}
			_, err := requireAggregationUnit(s)
			return err
		},
		SQL: func(s *Spec, _ TableMap) (string, error) {
			start, _ := s.StringParam("start_date")
			end, _ := s.StringParam("end_date")
			return fmt.Sprintf(
				`SELECT location_id,
       avg(CASE WHEN location_id = location_id_counterpart THEN 1.0 ELSE 0.0 END) AS value
FROM events.calls
WHERE datetime >= %s::date AND datetime < %s::date
GROUP BY location_id`, sqlQuote(start), sqlQuote(end)), nil
		},
	})

	register(Kind{
		Name:    "dummy_query",
		Columns: []string{"dummy_param"},
		Validate: func(s *Spec) error {
			_, err := requireString(s, "dummy_param")
			return err
		},
		SQL: func(s *Spec, _ TableMap) (string, error) {
			param, _ := s.StringParam("dummy_param")
			return fmt.Sprintf("SELECT %s AS dummy_param", sqlQuote(param)), nil
		},
	})
}
