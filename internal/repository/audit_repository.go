package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/model"
)

// auditChainLockKey serializes appenders so sequence numbers come out
// gapless and each event hashes over its true predecessor.
const auditChainLockKey = 4_221_001

// AuditRepository handles audit chain persistence
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts the next event in the chain inside a transaction holding
// the chain advisory lock. The fill callback receives the current tail
// (seq, hash) and must return the event to insert; its Seq and PrevHash
// are expected to extend the tail by exactly one.
func (r *AuditRepository) Append(ctx context.Context, fill func(lastSeq uint64, lastHash string) (*model.AuditEvent, error)) (*model.AuditEvent, error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return nil, fmt.Errorf("failed to acquire audit chain lock: %w", err)
	}

	var (
		lastSeq  uint64
		lastHash string
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&lastSeq, &lastHash); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read audit chain tail: %w", err)
	}

	event, err := fill(lastSeq, lastHash)
	if err != nil {
		return nil, err
	}

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_events (seq, event_id, occurred_at, actor, action, target, metadata, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		event.Seq,
		event.EventID,
		event.OccurredAt,
		event.Actor,
		event.Action,
		event.Target,
		metadataJSON,
		event.PrevHash,
		event.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit event: %w", err)
	}
	return event, nil
}

// AuditFilter narrows audit queries; zero values mean no constraint
type AuditFilter struct {
	Actor   string
	Action  string
	Target  string
	FromSeq uint64
	ToSeq   uint64
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// Query returns events matching the filter in ascending sequence order
func (r *AuditRepository) Query(ctx context.Context, filter AuditFilter) ([]*model.AuditEvent, error) {
	query := `
		SELECT seq, event_id, occurred_at, actor, action, target, metadata, prev_hash, hash
		FROM audit_events
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argPos)
		args = append(args, filter.Actor)
		argPos++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argPos)
		args = append(args, filter.Action)
		argPos++
	}
	if filter.Target != "" {
		query += fmt.Sprintf(" AND target = $%d", argPos)
		args = append(args, filter.Target)
		argPos++
	}
	if filter.FromSeq > 0 {
		query += fmt.Sprintf(" AND seq >= $%d", argPos)
		args = append(args, filter.FromSeq)
		argPos++
	}
	if filter.ToSeq > 0 {
		query += fmt.Sprintf(" AND seq <= $%d", argPos)
		args = append(args, filter.ToSeq)
		argPos++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argPos)
		args = append(args, filter.From)
		argPos++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argPos)
		args = append(args, filter.To)
		argPos++
	}

	query += " ORDER BY seq ASC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

// Range streams events between sequence numbers inclusive, in order.
// Verification walks the chain through this.
func (r *AuditRepository) Range(ctx context.Context, fromSeq, toSeq uint64) ([]*model.AuditEvent, error) {
	query := `
		SELECT seq, event_id, occurred_at, actor, action, target, metadata, prev_hash, hash
		FROM audit_events
		WHERE seq >= $1 AND seq <= $2
		ORDER BY seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to range audit events: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

// LastSeq returns the tail sequence number, zero for an empty chain
func (r *AuditRepository) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last audit seq: %w", err)
	}
	return seq, nil
}

func scanAuditEvents(rows *sql.Rows) ([]*model.AuditEvent, error) {
	var events []*model.AuditEvent
	for rows.Next() {
		var (
			e            model.AuditEvent
			metadataJSON []byte
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &e.OccurredAt, &e.Actor, &e.Action, &e.Target, &metadataJSON, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
