// Package connlog records a per-connection audit trail (phase transitions
// and teardown reasons) to a sqlite3 database, for after-the-fact debugging
// of handshake failures.
package connlog

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DB stores connection audit records in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// ConnectionStarted records a new connection's identity and start time.
func (db *DB) ConnectionStarted(connectionID, clientID, domainID uuid.UUID, placeName string) error {
	_, err := db.x.Exec(`
		INSERT INTO connections (id, client_id, domain_id, place_name, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, connectionID.String(), clientID.String(), domainID.String(), placeName, time.Now().Unix())
	return err
}

// PhaseTransition records a connection entering a new handshake phase.
func (db *DB) PhaseTransition(connectionID uuid.UUID, phase string) error {
	_, err := db.x.Exec(`
		INSERT INTO phase_transitions (connection_id, phase, at) VALUES (?, ?, ?)
	`, connectionID.String(), phase, time.Now().Unix())
	return err
}

// ConnectionEnded records a connection's teardown time and reason.
func (db *DB) ConnectionEnded(connectionID uuid.UUID, reason string) error {
	_, err := db.x.Exec(`
		UPDATE connections SET ended_at = ?, end_reason = ? WHERE id = ?
	`, time.Now().Unix(), reason, connectionID.String())
	return err
}

// History is one connection's recorded phase transitions, most recent last.
type History struct {
	ConnectionID uuid.UUID
	ClientID     uuid.UUID
	DomainID     uuid.UUID
	PlaceName    string
	StartedAt    time.Time
	EndedAt      *time.Time
	EndReason    string
	Phases       []PhaseEvent
}

type PhaseEvent struct {
	Phase string
	At    time.Time
}

// GetHistory loads a connection's full audit record.
func (db *DB) GetHistory(ctx context.Context, connectionID uuid.UUID) (*History, error) {
	var row struct {
		ID        string `db:"id"`
		ClientID  string `db:"client_id"`
		DomainID  string `db:"domain_id"`
		PlaceName string `db:"place_name"`
		StartedAt int64  `db:"started_at"`
		EndedAt   *int64 `db:"ended_at"`
		EndReason string `db:"end_reason"`
	}
	if err := db.x.GetContext(ctx, &row, `SELECT * FROM connections WHERE id = ?`, connectionID.String()); err != nil {
		return nil, err
	}

	var phaseRows []struct {
		Phase string `db:"phase"`
		At    int64  `db:"at"`
	}
	if err := db.x.SelectContext(ctx, &phaseRows, `
		SELECT phase, at FROM phase_transitions WHERE connection_id = ? ORDER BY at ASC
	`, connectionID.String()); err != nil {
		return nil, err
	}

	h := &History{
		PlaceName: row.PlaceName,
		StartedAt: time.Unix(row.StartedAt, 0),
		EndReason: row.EndReason,
	}
	if id, err := uuid.Parse(row.ID); err == nil {
		h.ConnectionID = id
	}
	if id, err := uuid.Parse(row.ClientID); err == nil {
		h.ClientID = id
	}
	if id, err := uuid.Parse(row.DomainID); err == nil {
		h.DomainID = id
	}
	if row.EndedAt != nil {
		t := time.Unix(*row.EndedAt, 0)
		h.EndedAt = &t
	}
	for _, pr := range phaseRows {
		h.Phases = append(h.Phases, PhaseEvent{Phase: pr.Phase, At: time.Unix(pr.At, 0)})
	}
	return h, nil
}
