package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/org/agentguard/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is a Backend stored in a single SQLite file.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if needed) the database file at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection serializes writers; readers stay consistent with them.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	b := &SQLiteBackend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS permission_decisions (
			principal_id   TEXT    NOT NULL,
			resource_type  TEXT    NOT NULL,
			resource_value TEXT    NOT NULL,
			decision       TEXT    NOT NULL,
			updated_at     INTEGER NOT NULL,
			PRIMARY KEY (principal_id, resource_type, resource_value)
		)`,
		`CREATE TABLE IF NOT EXISTS secret_envelopes (
			handle     TEXT    PRIMARY KEY,
			envelope   BLOB    NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id   TEXT    NOT NULL DEFAULT '',
			timestamp    INTEGER NOT NULL,
			principal_id TEXT    NOT NULL DEFAULT '',
			operation    TEXT    NOT NULL,
			resource     TEXT    NOT NULL DEFAULT '',
			status       TEXT    NOT NULL,
			metadata     TEXT    NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_principal ON audit_log (principal_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// --- Decisions ---

func (b *SQLiteBackend) GetDecision(ctx context.Context, principalID, resourceType, resourceValue string) (*models.PermissionDecision, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT principal_id, resource_type, resource_value, decision, updated_at
		 FROM permission_decisions
		 WHERE principal_id = ? AND resource_type = ? AND resource_value = ?`,
		principalID, resourceType, resourceValue,
	)
	return scanSQLiteDecision(row)
}

func (b *SQLiteBackend) SetDecision(ctx context.Context, d *models.PermissionDecision) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO permission_decisions (principal_id, resource_type, resource_value, decision, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (principal_id, resource_type, resource_value) DO UPDATE
		 SET decision = excluded.decision, updated_at = excluded.updated_at`,
		d.PrincipalID, d.Resource.Type, d.Resource.Value, string(d.Decision), d.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting decision: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListDecisions(ctx context.Context, principalID string) ([]*models.PermissionDecision, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT principal_id, resource_type, resource_value, decision, updated_at
		 FROM permission_decisions WHERE principal_id = ?
		 ORDER BY resource_type, resource_value`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PermissionDecision
	for rows.Next() {
		d, err := scanSQLiteDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDecision(row rowScanner) (*models.PermissionDecision, error) {
	var d models.PermissionDecision
	var decision string
	var updatedAt int64
	err := row.Scan(&d.PrincipalID, &d.Resource.Type, &d.Resource.Value, &decision, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Decision = models.Decision(decision)
	d.Timestamp = time.Unix(0, updatedAt).UTC()
	return &d, nil
}

// --- Secret envelopes ---

func (b *SQLiteBackend) ListSecretEnvelopes(ctx context.Context) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT handle, envelope FROM secret_envelopes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var handle string
		var env []byte
		if err := rows.Scan(&handle, &env); err != nil {
			return nil, err
		}
		out[handle] = env
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) PutSecretEnvelope(ctx context.Context, handle string, envelope []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO secret_envelopes (handle, envelope, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (handle) DO UPDATE SET envelope = excluded.envelope, updated_at = excluded.updated_at`,
		handle, envelope, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting secret envelope: %w", err)
	}
	return nil
}

// --- Audit ---

func (b *SQLiteBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO audit_log (request_id, timestamp, principal_id, operation, resource, status, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Timestamp.UnixNano(), entry.PrincipalID, entry.Operation,
		entry.Resource, entry.Status, string(metaJSON),
	)
	return err
}

func (b *SQLiteBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, principal_id, operation, resource, status, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	if filter.PrincipalID != "" {
		query.WriteString(` AND principal_id = ?`)
		args = append(args, filter.PrincipalID)
	}
	if filter.Operation != "" {
		query.WriteString(` AND operation = ?`)
		args = append(args, filter.Operation)
	}
	if filter.Since != nil {
		query.WriteString(` AND timestamp >= ?`)
		args = append(args, filter.Since.UnixNano())
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts int64
		var metaJSON string
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.PrincipalID, &e.Operation,
			&e.Resource, &e.Status, &metaJSON); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		json.Unmarshal([]byte(metaJSON), &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
