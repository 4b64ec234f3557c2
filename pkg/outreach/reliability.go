// Package outreach runs the continuous prospecting loop: discover agents,
// contact the ones that are due, score their answers, and remember which
// endpoints are worth paying for.
package outreach

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tier classifies how useful an agent has proven to be.
type Tier string

const (
	// TierNew marks agents never successfully scored yet.
	TierNew Tier = "new"
	// TierValuable marks agents that produced positively scored answers.
	TierValuable Tier = "valuable"
	// TierGeneric marks reachable agents with unremarkable answers.
	TierGeneric Tier = "generic"
	// TierUseless marks agents whose answers scored at the floor.
	TierUseless Tier = "useless"
)

// ErrRecordNotFound is returned when an endpoint has no reliability record.
var ErrRecordNotFound = errors.New("reliability record not found")

// Record is the persistent reliability ledger entry for one endpoint.
type Record struct {
	URL                 string     `json:"url"`
	Name                string     `json:"name,omitempty"`
	Tier                Tier       `json:"tier"`
	Successes           int        `json:"successes"`
	Failures            int        `json:"failures"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ConsecutiveLow      int        `json:"consecutiveLow"`
	LastScore           float64    `json:"lastScore"`
	LastContact         *time.Time `json:"lastContact,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

const createReliabilityTableSQL = `
CREATE TABLE IF NOT EXISTS reliability_records (
	url TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'new',
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	consecutive_low INTEGER NOT NULL DEFAULT 0,
	last_score REAL NOT NULL DEFAULT 0,
	last_contact TIMESTAMP NULL,
	last_failure TIMESTAMP NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// ReliabilityStore persists per-endpoint contact history.
type ReliabilityStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// StoreOption configures a ReliabilityStore.
type StoreOption func(*ReliabilityStore)

// WithStoreClock injects a clock for deterministic timestamp tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *ReliabilityStore) { s.now = now }
}

// NewReliabilityStore initializes the schema and returns the store.
func NewReliabilityStore(db *sql.DB, dialect string, opts ...StoreOption) (*ReliabilityStore, error) {
	s := &ReliabilityStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(createReliabilityTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create reliability_records table: %w", err)
	}
	return s, nil
}

func (s *ReliabilityStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Upsert makes sure an endpoint has a record, creating it in the new tier.
// Existing records keep their history; only the name is refreshed.
func (s *ReliabilityStore) Upsert(ctx context.Context, url, name string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE reliability_records SET name = ?, updated_at = ? WHERE url = ?`),
		name, now, url)
	if err != nil {
		return fmt.Errorf("failed to refresh reliability record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO reliability_records (url, name, tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`),
		url, name, string(TierNew), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert reliability record: %w", err)
	}
	return nil
}

// RecordSuccess counts a successful contact and clears the failure streak.
// low marks a response that scored below the valuable threshold; consecutive
// low responses accumulate in a streak that a well-scored response resets.
func (s *ReliabilityStore) RecordSuccess(ctx context.Context, url string, score float64, low bool) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE reliability_records
		 SET successes = successes + 1,
		     consecutive_failures = 0,
		     consecutive_low = CASE WHEN ? THEN consecutive_low + 1 ELSE 0 END,
		     last_score = ?,
		     last_contact = ?,
		     updated_at = ?
		 WHERE url = ?`),
		low, score, now, now, url)
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	return requireRow(res)
}

// RecordFailure counts a failed contact and extends the failure streak.
func (s *ReliabilityStore) RecordFailure(ctx context.Context, url string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE reliability_records
		 SET failures = failures + 1,
		     consecutive_failures = consecutive_failures + 1,
		     last_contact = ?,
		     last_failure = ?,
		     updated_at = ?
		 WHERE url = ?`),
		now, now, now, url)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return requireRow(res)
}

// SetTier reclassifies an endpoint. A valuable endpoint never drops back to
// new; demotion to generic or useless is allowed.
func (s *ReliabilityStore) SetTier(ctx context.Context, url string, tier Tier) error {
	current, err := s.Get(ctx, url)
	if err != nil {
		return err
	}
	if current.Tier == TierValuable && tier == TierNew {
		return nil
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE reliability_records SET tier = ?, updated_at = ? WHERE url = ?`),
		string(tier), now, url)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return requireRow(res)
}

// Get loads one record.
func (s *ReliabilityStore) Get(ctx context.Context, url string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT url, name, tier, successes, failures, consecutive_failures,
		        consecutive_low, last_score, last_contact, last_failure, created_at, updated_at
		 FROM reliability_records WHERE url = ?`), url)
	return scanRecord(row)
}

// List returns every record, most recently updated first.
func (s *ReliabilityStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, name, tier, successes, failures, consecutive_failures,
		        consecutive_low, last_score, last_contact, last_failure, created_at, updated_at
		 FROM reliability_records ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reliability records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		tier        string
		lastContact sql.NullTime
		lastFailure sql.NullTime
	)
	err := row.Scan(&rec.URL, &rec.Name, &tier, &rec.Successes, &rec.Failures,
		&rec.ConsecutiveFailures, &rec.ConsecutiveLow, &rec.LastScore,
		&lastContact, &lastFailure, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reliability record: %w", err)
	}
	rec.Tier = Tier(tier)
	if lastContact.Valid {
		t := lastContact.Time.UTC()
		rec.LastContact = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time.UTC()
		rec.LastFailure = &t
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
