package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/agentguard/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// --- Decisions ---

func (p *PostgresBackend) GetDecision(ctx context.Context, principalID, resourceType, resourceValue string) (*models.PermissionDecision, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT principal_id, resource_type, resource_value, decision, updated_at
		 FROM permission_decisions
		 WHERE principal_id = $1 AND resource_type = $2 AND resource_value = $3`,
		principalID, resourceType, resourceValue,
	)
	return scanDecision(row)
}

func (p *PostgresBackend) SetDecision(ctx context.Context, d *models.PermissionDecision) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO permission_decisions (principal_id, resource_type, resource_value, decision, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (principal_id, resource_type, resource_value) DO UPDATE
		 SET decision = EXCLUDED.decision, updated_at = EXCLUDED.updated_at`,
		d.PrincipalID, d.Resource.Type, d.Resource.Value, string(d.Decision), d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upserting decision: %w", err)
	}
	return nil
}

func (p *PostgresBackend) ListDecisions(ctx context.Context, principalID string) ([]*models.PermissionDecision, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT principal_id, resource_type, resource_value, decision, updated_at
		 FROM permission_decisions WHERE principal_id = $1
		 ORDER BY resource_type, resource_value`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PermissionDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDecision(row pgx.Row) (*models.PermissionDecision, error) {
	var d models.PermissionDecision
	var decision string
	err := row.Scan(&d.PrincipalID, &d.Resource.Type, &d.Resource.Value, &decision, &d.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Decision = models.Decision(decision)
	return &d, nil
}

// --- Secret envelopes ---

func (p *PostgresBackend) ListSecretEnvelopes(ctx context.Context) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx, `SELECT handle, envelope FROM secret_envelopes`)
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

func (p *PostgresBackend) PutSecretEnvelope(ctx context.Context, handle string, envelope []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO secret_envelopes (handle, envelope, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (handle) DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = NOW()`,
		handle, envelope,
	)
	if err != nil {
		return fmt.Errorf("upserting secret envelope: %w", err)
	}
	return nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, principal_id, operation, resource, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.RequestID, entry.Timestamp, entry.PrincipalID, entry.Operation, entry.Resource,
		entry.Status, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, principal_id, operation, resource, status, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.PrincipalID != "" {
		fmt.Fprintf(&query, ` AND principal_id = $%d`, n)
		args = append(args, filter.PrincipalID)
		n++
	}
	if filter.Operation != "" {
		fmt.Fprintf(&query, ` AND operation = $%d`, n)
		args = append(args, filter.Operation)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.PrincipalID, &e.Operation,
			&e.Resource, &e.Status, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
