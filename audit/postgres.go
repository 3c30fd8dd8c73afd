package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/PaulFidika/clinicauth/core"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists audit events in <schema>.audit_events
// (see migrations/postgres). It is written to by EventWorker, not from the
// request path.
type PostgresStore struct {
	pg     *pgxpool.Pool
	schema string
}

func NewPostgresStore(pg *pgxpool.Pool, schema string) *PostgresStore {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "audit"
	}
	return &PostgresStore{pg: pg, schema: s}
}

func (s *PostgresStore) eventsTable() string { return s.schema + ".audit_events" }

// Insert stores evt. Re-inserting the same ID is a no-op, so queue retries are safe.
func (s *PostgresStore) Insert(ctx context.Context, evt core.AuditEvent) error {
	if s.pg == nil {
		return nil
	}
	var details []byte
	if len(evt.Details) > 0 {
		b, err := json.Marshal(evt.Details)
		if err != nil {
			return err
		}
		details = b
	}
	_, err := s.pg.Exec(ctx, `INSERT INTO `+s.eventsTable()+`
		(id, ts, actor, action, resource, outcome, ip, details)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.Timestamp, evt.Actor, evt.Action, evt.Resource, evt.Outcome, evt.IP, details)
	return err
}

// Recent returns up to limit events, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]core.AuditEvent, error) {
	if s.pg == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pg.Query(ctx, `SELECT id::text, ts, actor, action, resource, outcome, ip, details
		FROM `+s.eventsTable()+` ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AuditEvent
	for rows.Next() {
		var evt core.AuditEvent
		var details []byte
		if err := rows.Scan(&evt.ID, &evt.Timestamp, &evt.Actor, &evt.Action, &evt.Resource, &evt.Outcome, &evt.IP, &details); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &evt.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// DeleteBefore removes events older than cutoff and returns how many went.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.pg == nil {
		return 0, nil
	}
	tag, err := s.pg.Exec(ctx, `DELETE FROM `+s.eventsTable()+` WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
