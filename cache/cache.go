// Package cache implements the content-addressed result cache. Materialised
// results live in the warehouse itself (one relation per completed query,
// named after the fingerprint); this package owns the metadata tables in the
// cache schema and the eviction policy over them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/query"
	"github.com/LandMarkVisits/FlowKit/state"
	"github.com/LandMarkVisits/FlowKit/warehouse"
)

const (
	// Schema is the metadata schema name. The layout is interface-level:
	// persisted state survives restarts and must be re-readable.
	Schema = "cache"

	// configSizeLimit and configHalfLife are the keys held in
	// cache.cache_config.
	configSizeLimit = "cache_size_limit"
	configHalfLife  = "cache_half_life"
)

// ErrNotFound is returned by Lookup for ids with no cache record.
var ErrNotFound = errors.New("no cache record for query id")

// Record is the persistent row associated with a fingerprint.
type Record struct {
	QueryID              string
	Version              string
	Query                string
	Created              time.Time
	AccessCount          int
	LastAccessed         time.Time
	ComputeTimeMS        float64
	CacheScoreMultiplier float64
	Class                string
	Schema               string
	TableName            string
}

// Store manages the cache metadata and materialised relations.
type Store struct {
	db      *warehouse.DB
	version string
	machine *state.Machine
	log     *logrus.Entry
}

// NewStore creates a cache store over the given warehouse connection.
// version is recorded on every row this process writes.
func NewStore(db *warehouse.DB, version string) *Store {
	return &Store{
		db:      db,
		version: version,
		log:     common.Logger.WithField("component", "cache"),
	}
}

// BindStateMachine attaches the state machine whose lifecycle records
// eviction clears. Without it an evicted id keeps reading completed with no
// relation behind it, and resubmission would short-circuit instead of
// rematerialising.
func (s *Store) BindStateMachine(m *state.Machine) {
	s.machine = m
}

// TableName returns the cache relation name for a fingerprint. A leading "x"
// keeps the name a valid identifier; the result stays well under the
// 63-character postgres limit.
func TableName(id string) string {
	return "x" + id
}

// EnsureSchema creates the metadata tables if they do not exist and seeds the
// configuration defaults.
func (s *Store) EnsureSchema(ctx context.Context, sizeLimitBytes int64, halfLifeSeconds float64) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS cache`,
		`CREATE TABLE IF NOT EXISTS cache.cached (
		     query_id CHAR(32) PRIMARY KEY,
		     version TEXT,
		     query TEXT,
		     created TIMESTAMPTZ,
		     access_count INT NOT NULL DEFAULT 0,
		     last_accessed TIMESTAMPTZ,
		     compute_time NUMERIC NOT NULL DEFAULT 0,
		     cache_score_multiplier NUMERIC NOT NULL DEFAULT 1,
		     class TEXT,
		     schema TEXT,
		     tablename TEXT,
		     obj BYTEA
		 )`,
		`CREATE TABLE IF NOT EXISTS cache.dependencies (
		     query_id CHAR(32),
		     depends_on CHAR(32),
		     PRIMARY KEY (query_id, depends_on)
		 )`,
		`CREATE TABLE IF NOT EXISTS cache.cache_config (
		     key TEXT PRIMARY KEY,
		     value TEXT
		 )`,
	}
	for _, stmt := range statements {
		if err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create cache schema: %w", err)
		}
	}

	seed := map[string]string{
		configSizeLimit: strconv.FormatInt(sizeLimitBytes, 10),
		configHalfLife:  strconv.FormatFloat(halfLifeSeconds, 'f', -1, 64),
	}
	for key, value := range seed {
		err := s.db.Exec(ctx,
			`INSERT INTO cache.cache_config (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO NOTHING`, key, value)
		if err != nil {
			return fmt.Errorf("failed to seed cache config: %w", err)
		}
	}
	return nil
}

// Config returns the persisted cache configuration: the size budget in bytes
// and the scoring half-life in seconds.
func (s *Store) Config(ctx context.Context) (int64, float64, error) {
	var sizeLimit int64
	var halfLife float64
	rows, err := s.db.Query(ctx, `SELECT key, value FROM cache.cache_config`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read cache config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return 0, 0, fmt.Errorf("failed to read cache config: %w", err)
		}
		switch key {
		case configSizeLimit:
			sizeLimit, _ = strconv.ParseInt(value, 10, 64)
		case configHalfLife:
			halfLife, _ = strconv.ParseFloat(value, 64)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read cache config: %w", err)
	}
	return sizeLimit, halfLife, nil
}

// SetConfig persists a cache configuration value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	err := s.db.Exec(ctx,
		`INSERT INTO cache.cache_config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write cache config: %w", err)
	}
	return nil
}

const recordColumns = `query_id, version, query, created, access_count, last_accessed,
       compute_time, cache_score_multiplier, class, schema, tablename`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var created, lastAccessed *time.Time
	err := row.Scan(&r.QueryID, &r.Version, &r.Query, &created, &r.AccessCount,
		&lastAccessed, &r.ComputeTimeMS, &r.CacheScoreMultiplier,
		&r.Class, &r.Schema, &r.TableName)
	if err != nil {
		return nil, err
	}
	if created != nil {
		r.Created = *created
	}
	if lastAccessed != nil {
		r.LastAccessed = *lastAccessed
	}
	return &r, nil
}

// Lookup returns the record for an id, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM cache.cached WHERE query_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cache record %s: %w", id, err)
	}
	// Trim the CHAR(32) padding postgres may add.
	rec.QueryID = trimID(rec.QueryID)
	return rec, nil
}

// Reserve creates the record for an id in state known, together with its
// dependency edges. It is atomic and a no-op when the record already exists,
// so concurrent submitters of the same id race harmlessly.
func (s *Store) Reserve(ctx context.Context, spec *query.Spec, deps []string) error {
	id := query.Fingerprint(spec)
	err := s.db.Exec(ctx,
		`INSERT INTO cache.cached
		     (query_id, version, query, created, access_count, last_accessed,
		      compute_time, cache_score_multiplier, class, schema, tablename)
		 VALUES ($1, $2, $3, now(), 0, now(), 0, 1, $4, $5, $6)
		 ON CONFLICT (query_id) DO NOTHING`,
		id, s.version, query.Encode(spec), spec.Kind, Schema, TableName(id))
	if err != nil {
		return fmt.Errorf("failed to reserve cache record %s: %w", id, err)
	}
	for _, dep := range deps {
		err := s.db.Exec(ctx,
			`INSERT INTO cache.dependencies (query_id, depends_on) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, id, dep)
		if err != nil {
			return fmt.Errorf("failed to record dependency %s -> %s: %w", id, dep, err)
		}
	}
	return nil
}

// Commit marks an id completed: the materialised relation exists and the
// record's accounting is reset. Invoked together with the state machine's
// finish transition.
func (s *Store) Commit(ctx context.Context, id string, computeTime time.Duration) error {
	err := s.db.Exec(ctx,
		`UPDATE cache.cached
		 SET created = now(), last_accessed = now(), access_count = 0,
		     compute_time = $2, version = $3
		 WHERE query_id = $1`,
		id, float64(computeTime.Milliseconds()), s.version)
	if err != nil {
		return fmt.Errorf("failed to commit cache record %s: %w", id, err)
	}
	return nil
}

// Touch advances the access accounting for an id. Called on every successful
// result retrieval.
func (s *Store) Touch(ctx context.Context, id string) error {
	err := s.db.Exec(ctx,
		`UPDATE cache.cached
		 SET access_count = access_count + 1, last_accessed = now()
		 WHERE query_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch cache record %s: %w", id, err)
	}
	return nil
}

// SetScoreMultiplier sets the eviction priority knob for an id. Zero pins the
// record against eviction.
func (s *Store) SetScoreMultiplier(ctx context.Context, id string, multiplier float64) error {
	if multiplier < 0 {
		return fmt.Errorf("cache score multiplier must be >= 0, got %f", multiplier)
	}
	err := s.db.Exec(ctx,
		`UPDATE cache.cached SET cache_score_multiplier = $2 WHERE query_id = $1`,
		id, multiplier)
	if err != nil {
		return fmt.Errorf("failed to set score multiplier for %s: %w", id, err)
	}
	return nil
}

// Dependencies returns the fingerprints the given record consumed.
func (s *Store) Dependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT depends_on FROM cache.dependencies WHERE query_id = $1 ORDER BY depends_on`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read dependencies of %s: %w", id, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to read dependencies of %s: %w", id, err)
		}
		out = append(out, trimID(dep))
	}
	return out, rows.Err()
}

// Evict drops the materialised relation and removes the record, its outgoing
// dependency edges and its lifecycle state, so the id polls as unknown and a
// resubmission materialises afresh. The caller is responsible for checking
// that the id is not inside a live execution's dependency closure.
func (s *Store) Evict(ctx context.Context, id string) error {
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.DropTable(ctx, rec.Schema, rec.TableName); err != nil {
		return err
	}
	if err := s.db.Exec(ctx, `DELETE FROM cache.dependencies WHERE query_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete dependency edges of %s: %w", id, err)
	}
	if err := s.db.Exec(ctx, `DELETE FROM cache.cached WHERE query_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete cache record %s: %w", id, err)
	}
	if s.machine != nil {
		if err := s.machine.Forget(ctx, id); err != nil {
			return err
		}
	}
	s.log.WithField("query_id", id).Info("evicted cache record")
	return nil
}

// All returns every cache record.
func (s *Store) All(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM cache.cached ORDER BY query_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache records: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list cache records: %w", err)
		}
		rec.QueryID = trimID(rec.QueryID)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IsStored reports whether the id's record exists and its target relation is
// materialised.
func (s *Store) IsStored(ctx context.Context, id string) (bool, error) {
	rec, err := s.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.db.TableExists(ctx, rec.Schema, rec.TableName)
}

// TotalSizeBytes sums the on-disk size of every materialised cache relation.
func (s *Store) TotalSizeBytes(ctx context.Context) (int64, error) {
	records, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, rec := range records {
		size, err := s.db.RelationSizeBytes(ctx, rec.Schema, rec.TableName)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

func trimID(id string) string {
	for len(id) > 0 && id[len(id)-1] == ' ' {
		id = id[:len(id)-1]
	}
	return id
}

// humanBytes is a logging helper.
func humanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
