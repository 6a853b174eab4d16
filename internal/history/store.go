// Package history keeps an SQLite record of analyses and deployed rules.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id           TEXT PRIMARY KEY,
	analyzed_at  INTEGER NOT NULL,
	classifier   TEXT NOT NULL,
	cached       INTEGER NOT NULL,
	confidence   REAL NOT NULL,
	threat_label TEXT NOT NULL,
	rationale    TEXT NOT NULL,
	action       TEXT NOT NULL,
	accepted     INTEGER NOT NULL,
	alert        TEXT NOT NULL,
	context      TEXT
);
CREATE INDEX IF NOT EXISTS idx_analyses_analyzed_at ON analyses(analyzed_at);

CREATE TABLE IF NOT EXISTS rules (
	sid         INTEGER PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	state       TEXT NOT NULL,
	diagnostic  TEXT NOT NULL,
	rule        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_created_at ON rules(created_at);
`

// RuleRecord is one stored rule deployment outcome.
type RuleRecord struct {
	SID        int       `json:"sid"`
	AnalysisID string    `json:"analysis_id"`
	CreatedAt  time.Time `json:"created_at"`
	State      string    `json:"state"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Rule       string    `json:"rule"`
}

// Store is the history database.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens or creates the history database at path.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; completions from several classifications are serialized here.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.WithField("path", path).Info("History database opened")
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAnalysis stores a classifier verdict and whether it passed the gate.
func (s *Store) RecordAnalysis(ctx context.Context, res *types.AnalysisResult, accepted bool) error {
	alert, err := json.Marshal(res.Alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	var extra []byte
	if len(res.Context) > 0 {
		if extra, err = json.Marshal(res.Context); err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO analyses
			(id, analyzed_at, classifier, cached, confidence, threat_label, rationale, action, accepted, alert, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.AnalyzedAt.UnixNano(), res.Classifier, res.Cached, res.Confidence,
		res.ThreatLabel, res.Rationale, res.RecommendedAction, accepted, string(alert), nullString(extra))
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// RecordRule stores the outcome of a rule deployment.
func (s *Store) RecordRule(ctx context.Context, rule *types.GeneratedRule, state, diagnostic string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rules (sid, analysis_id, created_at, state, diagnostic, rule)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rule.SID, rule.AnalysisID, rule.CreatedAt.UnixNano(), state, diagnostic, rule.Text)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// RecentRules returns up to limit rules, newest last.
func (s *Store) RecentRules(ctx context.Context, limit int) ([]RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sid, analysis_id, created_at, state, diagnostic, rule FROM (
			SELECT * FROM rules ORDER BY created_at DESC, sid DESC LIMIT ?
		) ORDER BY created_at ASC, sid ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []RuleRecord
	for rows.Next() {
		var (
			r       RuleRecord
			created int64
		)
		if err := rows.Scan(&r.SID, &r.AnalysisID, &created, &r.State, &r.Diagnostic, &r.Rule); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of stored analyses and rules.
func (s *Store) Counts(ctx context.Context) (analyses, rules int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`).Scan(&analyses); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&rules); err != nil {
		return 0, 0, err
	}
	return analyses, rules, nil
}

// Prune deletes records older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		`DELETE FROM analyses WHERE analyzed_at < ?`,
		`DELETE FROM rules WHERE created_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, cutoff.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("failed to prune history: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if total > 0 {
		s.log.WithFields(logrus.Fields{"removed": total, "cutoff": cutoff.Format(time.RFC3339)}).Info("Pruned history")
	}
	return total, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
