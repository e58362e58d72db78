package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"cabinet/internal/db"
	"cabinet/internal/domain"
	"cabinet/internal/migrate"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO runs(id,issue_id,status,stage,config_json,state_json,error,created_at,updated_at)
		VALUES ('r1','i1','running','intake_issue','{}','{}',NULL,'2026-08-30T00:00:00Z','2026-08-30T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestAppendKeepsCallerTimestamp(t *testing.T) {
	conn := testDB(t)
	clock := func() time.Time { return time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC) }
	w := Writer{DB: conn, Now: clock}

	stamped := "2026-08-30T08:30:00Z"
	got, err := w.Append(context.Background(), domain.Event{
		RunID: "r1", TS: stamped, Type: domain.EventStageChange, Message: "entering intake_issue",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.TS != stamped {
		t.Fatalf("ts = %q, want the caller's %q", got.TS, stamped)
	}

	var storedTS string
	if err := conn.QueryRow(`SELECT ts FROM events WHERE id = ?`, got.Seq).Scan(&storedTS); err != nil {
		t.Fatal(err)
	}
	if storedTS != stamped {
		t.Fatalf("stored ts = %q, want %q", storedTS, stamped)
	}
}

func TestAppendStampsFromClockWhenUnset(t *testing.T) {
	conn := testDB(t)
	at := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	w := Writer{DB: conn, Now: func() time.Time { return at }}

	got, err := w.Append(context.Background(), domain.Event{
		RunID: "r1", Type: domain.EventStageChange, Message: "entering intake_issue",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := at.Format(time.RFC3339Nano); got.TS != want {
		t.Fatalf("ts = %q, want %q", got.TS, want)
	}
}
