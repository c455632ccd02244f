package connlog

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE connections (
			id           TEXT PRIMARY KEY NOT NULL,
			client_id    TEXT NOT NULL,
			domain_id    TEXT NOT NULL,
			place_name   TEXT NOT NULL DEFAULT '',
			started_at   INTEGER NOT NULL,
			ended_at     INTEGER,
			end_reason   TEXT NOT NULL DEFAULT ''
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX connections_client_idx ON connections(client_id)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE phase_transitions (
			connection_id TEXT NOT NULL,
			phase         TEXT NOT NULL,
			at            INTEGER NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX phase_transitions_connection_idx ON phase_transitions(connection_id)`); err != nil {
		return err
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX phase_transitions_connection_idx`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE phase_transitions`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP INDEX connections_client_idx`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE connections`); err != nil {
		return err
	}
	return nil
}
