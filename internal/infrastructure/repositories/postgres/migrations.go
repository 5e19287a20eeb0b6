package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// CartChangeChannel is the NOTIFY channel fed by the cart_lines trigger.
const CartChangeChannel = "cart_line_changes"

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "cart_lines",
		sql: `
CREATE TABLE IF NOT EXISTS cart_lines (
    id             TEXT PRIMARY KEY,
    cart_id        TEXT NOT NULL,
    patient_id     TEXT,
    pharmacy_id    TEXT NOT NULL,
    quantity       INTEGER NOT NULL CHECK (quantity > 0),
    unit_price     NUMERIC(12,2) NOT NULL,
    shipping_speed TEXT NOT NULL DEFAULT 'ground',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_cart_lines_cart ON cart_lines (cart_id);

CREATE TABLE IF NOT EXISTS pharmacy_shipping_rates (
    pharmacy_id TEXT NOT NULL,
    speed       TEXT NOT NULL,
    cost        NUMERIC(12,2) NOT NULL,
    PRIMARY KEY (pharmacy_id, speed)
);`,
	},
	{
		version: 2,
		name:    "cart_line_notify",
		sql: `
CREATE OR REPLACE FUNCTION notify_cart_line_change() RETURNS trigger AS $$
DECLARE
    rec RECORD;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    PERFORM pg_notify('` + CartChangeChannel + `',
        json_build_object('cart_id', rec.cart_id, 'line_id', rec.id, 'op', TG_OP)::text);
    RETURN rec;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS cart_lines_notify ON cart_lines;
CREATE TRIGGER cart_lines_notify
    AFTER INSERT OR UPDATE OR DELETE ON cart_lines
    FOR EACH ROW EXECUTE FUNCTION notify_cart_line_change();`,
	},
	{
		version: 3,
		name:    "visits",
		sql: `
CREATE TABLE IF NOT EXISTS visits (
    id         TEXT PRIMARY KEY,
    channel    TEXT NOT NULL UNIQUE,
    app_id     TEXT NOT NULL,
    created_by TEXT NOT NULL,
    patient_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ended_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_visits_active ON visits (created_at) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS visit_participants (
    visit_id     TEXT NOT NULL,
    uid          TEXT NOT NULL,
    role         TEXT NOT NULL,
    patient_id   TEXT,
    display_name TEXT,
    joined_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    left_at      TIMESTAMPTZ,
    PRIMARY KEY (visit_id, uid)
);`,
	},
}

// Migrate applies pending schema migrations in version order, each in its
// own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.SugaredLogger) error {
	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %03d_%s: %w", m.version, m.name, err)
		}
		logger.Infow("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}
