package cache

import (
	"context"
	"math"
	"sort"
	"time"
)

// Score computes the eviction score of a record at the given instant:
//
//	score = cache_score_multiplier
//	      x compute_time_ms
//	      x (1 + access_count)
//	      x exp(-lambda * age_seconds(last_accessed))
//
// with lambda = ln 2 / half-life. Expensive, recently reused results score
// high; cheap or stale ones score low and evict first.
func Score(rec *Record, halfLifeSeconds float64, now time.Time) float64 {
	lambda := math.Ln2 / halfLifeSeconds
	age := now.Sub(rec.LastAccessed).Seconds()
	if age < 0 {
		age = 0
	}
	return rec.CacheScoreMultiplier *
		rec.ComputeTimeMS *
		(1 + float64(rec.AccessCount)) *
		math.Exp(-lambda*age)
}

// ScoreOf returns the current score for an id using the persisted half-life.
func (s *Store) ScoreOf(ctx context.Context, id string) (float64, error) {
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return 0, err
	}
	_, halfLife, err := s.Config(ctx)
	if err != nil {
		return 0, err
	}
	return Score(rec, halfLife, time.Now()), nil
}

// CandidatesForEviction returns the evictable ids, lowest score first.
// Records pinned with a zero multiplier are never candidates.
func (s *Store) CandidatesForEviction(ctx context.Context) ([]string, error) {
	records, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	_, halfLife, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, rec := range records {
		if rec.CacheScoreMultiplier <= 0 {
			continue
		}
		candidates = append(candidates, scored{id: rec.QueryID, score: Score(rec, halfLife, now)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out, nil
}

// EnforceBudget evicts the lowest-scoring candidates until the total
// materialised size fits within maxBytes. Ids for which protected returns
// true (those inside a live execution's dependency closure) are skipped.
// Returns the evicted ids.
func (s *Store) EnforceBudget(ctx context.Context, maxBytes int64, protected func(id string) bool) ([]string, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	total, err := s.TotalSizeBytes(ctx)
	if err != nil {
		return nil, err
	}
	if total <= maxBytes {
		return nil, nil
	}

	candidates, err := s.CandidatesForEviction(ctx)
	if err != nil {
		return nil, err
	}

	var evicted []string
	for _, id := range candidates {
		if total <= maxBytes {
			break
		}
		if protected != nil && protected(id) {
			continue
		}
		rec, err := s.Lookup(ctx, id)
		if err != nil {
			return evicted, err
		}
		size, err := s.db.RelationSizeBytes(ctx, rec.Schema, rec.TableName)
		if err != nil {
			return evicted, err
		}
		if err := s.Evict(ctx, id); err != nil {
			return evicted, err
		}
		total -= size
		evicted = append(evicted, id)
	}

	s.log.WithField("total", humanBytes(total)).
		WithField("budget", humanBytes(maxBytes)).
		WithField("evicted", len(evicted)).
		Info("cache budget enforced")
	return evicted, nil
}
