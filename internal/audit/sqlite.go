package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	category   TEXT NOT NULL,
	action     TEXT NOT NULL,
	actor      TEXT NOT NULL,
	details    TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
`

// SQLiteSink stores audit records durably. Each record's hash covers its
// fields and the previous record's hash, forming a chain Verify can walk to
// detect tampering or deletion in the middle of stored history.
type SQLiteSink struct {
	db       *sql.DB
	logger   *slog.Logger
	mu       sync.Mutex
	prevHash string
}

// NewSQLiteSink opens (or creates) the audit database at path and loads the
// chain head. A failure here should abort process initialization: running
// without the durable audit trail silently weakens the guarantee.
func NewSQLiteSink(path string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteSink{db: db, logger: logger.With("component", "audit_db")}

	var head sql.NullString
	err = db.QueryRow(`SELECT hash FROM audit_log ORDER BY ts DESC, rowid DESC LIMIT 1`).Scan(&head)
	if err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("audit: load chain head: %w", err)
	}
	if head.Valid {
		s.prevHash = head.String
	}
	return s, nil
}

// Record implements Sink. Insert failures are logged and dropped; audit
// storage must never block or fail the guarded operation.
func (s *SQLiteSink) Record(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	details := encodeDetails(ev.Details)
	hash := chainHash(s.prevHash, id, ev.Timestamp, string(ev.Category), ev.Action, ev.Actor, details)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, category, action, actor, details, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.Timestamp.UnixNano(), string(ev.Category), ev.Action, ev.Actor, details, s.prevHash, hash)
	if err != nil {
		s.logger.Error("audit insert failed", "error", err)
		return
	}
	s.prevHash = hash
}

// Verify walks the stored chain from the beginning and reports the number of
// verified records, or an error naming the first record whose hash does not
// line up.
func (s *SQLiteSink) Verify(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, category, action, actor, details, prev_hash, hash
		 FROM audit_log ORDER BY ts ASC, rowid ASC`)
	if err != nil {
		return 0, fmt.Errorf("audit: verify query: %w", err)
	}
	defer rows.Close()

	var (
		count int
		prev  string
	)
	for rows.Next() {
		var (
			id, category, action, actor, details, prevHash, hash string
			ts                                                   int64
		)
		if err := rows.Scan(&id, &ts, &category, &action, &actor, &details, &prevHash, &hash); err != nil {
			return count, fmt.Errorf("audit: verify scan: %w", err)
		}
		if count == 0 {
			// The oldest record anchors the chain; retention pruning may
			// have removed its predecessors.
			prev = prevHash
		}
		if prevHash != prev {
			return count, fmt.Errorf("audit: chain broken before record %s", id)
		}
		want := chainHash(prevHash, id, time.Unix(0, ts), category, action, actor, details)
		if want != hash {
			return count, fmt.Errorf("audit: record %s hash mismatch", id)
		}
		prev = hash
		count++
	}
	return count, rows.Err()
}

// Prune removes records older than the cutoff and returns how many were
// deleted. Retention pruning trims the chain from the head; the oldest
// surviving record's prev_hash becomes the anchor Verify starts from.
func (s *SQLiteSink) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// encodeDetails renders details deterministically (sorted keys) so the
// stored text feeds the hash reproducibly.
func encodeDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(details[k])
	}
	return b.String()
}

func chainHash(prev, id string, ts time.Time, category, action, actor, details string) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{prev, id, fmt.Sprintf("%d", ts.UnixNano()), category, action, actor, details} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
