package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/yield-vault/internal/model"
)

// Schema creates the tables PostgresStore uses. Amounts are NUMERIC(78,0),
// wide enough for any 256-bit base-unit amount.
const Schema = `
CREATE TABLE IF NOT EXISTS vault_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT UNIQUE NOT NULL,
	type       TEXT NOT NULL,
	actor      TEXT NOT NULL,
	account    TEXT NOT NULL DEFAULT '',
	receiver   TEXT NOT NULL DEFAULT '',
	assets     NUMERIC(78,0) NOT NULL DEFAULT 0,
	fee        NUMERIC(78,0) NOT NULL DEFAULT 0,
	shares     NUMERIC(78,0) NOT NULL DEFAULT 0,
	param      TEXT NOT NULL DEFAULT '',
	old_value  TEXT NOT NULL DEFAULT '',
	new_value  TEXT NOT NULL DEFAULT '',
	direction  TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vault_events_actor_idx ON vault_events (actor);
CREATE INDEX IF NOT EXISTS vault_events_account_idx ON vault_events (account);
CREATE INDEX IF NOT EXISTS vault_events_receiver_idx ON vault_events (receiver);

CREATE TABLE IF NOT EXISTS vault_positions (
	account          TEXT PRIMARY KEY,
	shares           NUMERIC(78,0) NOT NULL,
	cost_basis       NUMERIC(78,0) NOT NULL,
	gross_deposited  NUMERIC(78,0) NOT NULL,
	gross_withdrawn  NUMERIC(78,0) NOT NULL,
	first_deposit_at TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const eventColumns = `id, type, actor, account, receiver,
	assets::TEXT, fee::TEXT, shares::TEXT,
	param, old_value, new_value, direction, error, timestamp`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC and exchanged as text to keep them
// exact.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_events (id, type, actor, account, receiver, assets, fee, shares,
		                           param, old_value, new_value, direction, error, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13, $14)`,
		e.ID, string(e.Type), e.Actor, e.Account, e.Receiver,
		intText(e.Assets), intText(e.Fee), intText(e.Shares),
		e.Param, e.OldValue, e.NewValue, e.Direction, e.Error,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM vault_events ORDER BY seq DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM vault_events
		 WHERE actor = $1 OR account = $1 OR receiver = $1
		 ORDER BY seq DESC LIMIT $2`, account, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	var first *time.Time
	if !p.FirstDepositAt.IsZero() {
		first = &p.FirstDepositAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_positions (account, shares, cost_basis, gross_deposited, gross_withdrawn, first_deposit_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, now())
		 ON CONFLICT (account) DO UPDATE
		 SET shares = EXCLUDED.shares,
		     cost_basis = EXCLUDED.cost_basis,
		     gross_deposited = EXCLUDED.gross_deposited,
		     gross_withdrawn = EXCLUDED.gross_withdrawn,
		     first_deposit_at = COALESCE(vault_positions.first_deposit_at, EXCLUDED.first_deposit_at),
		     updated_at = now()`,
		p.Account,
		intText(p.Shares), intText(p.CostBasis),
		intText(p.GrossDeposited), intText(p.GrossWithdrawn),
		first,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Account, err)
	}
	return nil
}

const positionColumns = `account, shares::TEXT, cost_basis::TEXT,
	gross_deposited::TEXT, gross_withdrawn::TEXT, first_deposit_at`

func (s *PostgresStore) GetPosition(ctx context.Context, account string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM vault_positions WHERE account = $1`, account)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", account, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM vault_positions ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanPosition(row pgxRow) (model.Position, error) {
	var p model.Position
	var shares, basis, deposited, withdrawn string
	var first *time.Time
	if err := row.Scan(&p.Account, &shares, &basis, &deposited, &withdrawn, &first); err != nil {
		return model.Position{}, err
	}
	p.Shares = parseInt(shares)
	p.CostBasis = parseInt(basis)
	p.GrossDeposited = parseInt(deposited)
	p.GrossWithdrawn = parseInt(withdrawn)
	if first != nil {
		p.FirstDepositAt = first.UTC()
	}
	return p, nil
}

// scanEvents reads pgx rows into Event slices.
func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, assets, fee, shares string

		if err := rows.Scan(&e.ID, &kind, &e.Actor, &e.Account, &e.Receiver,
			&assets, &fee, &shares,
			&e.Param, &e.OldValue, &e.NewValue, &e.Direction, &e.Error,
			&e.Timestamp); err != nil {
			return nil, err
		}

		e.Type = model.EventType(kind)
		e.Assets = parseInt(assets)
		e.Fee = parseInt(fee)
		e.Shares = parseInt(shares)
		e.Timestamp = e.Timestamp.UTC()

		events = append(events, e)
	}
	return events, rows.Err()
}

func intText(i math.Int) string {
	if i.IsNil() {
		return "0"
	}
	return i.String()
}

// parseInt reads a NUMERIC(78,0) rendered as text. Scale is zero, so the
// text is always a plain integer.
func parseInt(s string) math.Int {
	i, ok := math.NewIntFromString(s)
	if !ok {
		return math.ZeroInt()
	}
	return i
}
