package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// PostgresStore reads target configuration from the shared PostgreSQL
// database owned by the dashboard. Secrets in auth_config arrive decrypted
// by the database layer (pgcrypto view), so the runtime never sees
// ciphertext.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given database URL.
func NewPostgresStore(ctx context.Context, url string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const targetColumns = `id, name, kind, endpoint, auth_kind, auth_config,
	request_template, response_template, protocol, active,
	last_test_at, last_test_outcome, created_at, updated_at`

func (s *PostgresStore) GetTarget(ctx context.Context, id string) (*models.Target, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "target", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get target %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTargets(ctx context.Context, activeOnly bool) ([]models.Target, error) {
	q := `SELECT ` + targetColumns + ` FROM targets`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTarget(ctx context.Context, t *models.Target) error {
	authCfg, _ := json.Marshal(t.AuthConfig)
	reqTpl, _ := json.Marshal(t.RequestTemplate)
	respTpl, _ := json.Marshal(t.ResponseTemplate)
	proto, _ := json.Marshal(t.Protocol)

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO targets (id, name, kind, endpoint, auth_kind, auth_config,
			request_template, response_template, protocol, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, endpoint = EXCLUDED.endpoint,
			auth_kind = EXCLUDED.auth_kind, auth_config = EXCLUDED.auth_config,
			request_template = EXCLUDED.request_template,
			response_template = EXCLUDED.response_template,
			protocol = EXCLUDED.protocol, active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Kind, t.Endpoint, t.AuthKind, authCfg,
		reqTpl, respTpl, proto, t.Active, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) RecordTestOutcome(ctx context.Context, id, outcome string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE targets SET last_test_at = now(), last_test_outcome = $2, updated_at = now()
		WHERE id = $1`, id, outcome)
	if err != nil {
		return fmt.Errorf("record test outcome for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "target", Key: id}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// scanTarget reads one targets row. JSONB columns land in the typed
// template/protocol structs; NULLs leave the pointers nil.
func scanTarget(row pgx.Row) (*models.Target, error) {
	var (
		t                               models.Target
		authCfg, reqTpl, respTpl, proto []byte
		outcome                         *string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.Endpoint, &t.AuthKind, &authCfg,
		&reqTpl, &respTpl, &proto, &t.Active,
		&t.LastTestAt, &outcome, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		t.LastTestOutcome = *outcome
	}
	if len(authCfg) > 0 {
		if err := json.Unmarshal(authCfg, &t.AuthConfig); err != nil {
			return nil, fmt.Errorf("auth_config: %w", err)
		}
	}
	if len(reqTpl) > 0 {
		if err := json.Unmarshal(reqTpl, &t.RequestTemplate); err != nil {
			return nil, fmt.Errorf("request_template: %w", err)
		}
	}
	if len(respTpl) > 0 {
		if err := json.Unmarshal(respTpl, &t.ResponseTemplate); err != nil {
			return nil, fmt.Errorf("response_template: %w", err)
		}
	}
	if len(proto) > 0 {
		if err := json.Unmarshal(proto, &t.Protocol); err != nil {
			return nil, fmt.Errorf("protocol: %w", err)
		}
	}
	return &t, nil
}
