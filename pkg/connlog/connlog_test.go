package connlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "connlog.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	_, required, err := db.Version()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestConnectionLifecycle(t *testing.T) {
	db := openTestDB(t)

	connID := uuid.New()
	clientID := uuid.New()
	domainID := uuid.New()

	if err := db.ConnectionStarted(connID, clientID, domainID, "welcome"); err != nil {
		t.Fatal(err)
	}
	if err := db.PhaseTransition(connID, "STUN"); err != nil {
		t.Fatal(err)
	}
	if err := db.PhaseTransition(connID, "ICE"); err != nil {
		t.Fatal(err)
	}
	if err := db.ConnectionEnded(connID, "client disconnected"); err != nil {
		t.Fatal(err)
	}

	h, err := db.GetHistory(context.Background(), connID)
	if err != nil {
		t.Fatal(err)
	}
	if h.ClientID != clientID || h.DomainID != domainID {
		t.Fatalf("ids mismatch: %+v", h)
	}
	if h.PlaceName != "welcome" {
		t.Fatalf("PlaceName = %q, want welcome", h.PlaceName)
	}
	if h.EndReason != "client disconnected" {
		t.Fatalf("EndReason = %q", h.EndReason)
	}
	if h.EndedAt == nil {
		t.Fatal("EndedAt = nil, want set")
	}
	if len(h.Phases) != 2 || h.Phases[0].Phase != "STUN" || h.Phases[1].Phase != "ICE" {
		t.Fatalf("Phases = %+v", h.Phases)
	}
}

func TestMigrateUpIsIdempotentAtSameVersion(t *testing.T) {
	db := openTestDB(t)
	_, required, err := db.Version()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		t.Fatalf("second MigrateUp to same version: %v", err)
	}
}
