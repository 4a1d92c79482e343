package events

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nuxie/growth-core/internal/dynval"
)

func TestSQLStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db, nil)
	e := New("app_opened", "user-1", "sess-1", map[string]dynval.Value{
		"plan": dynval.String("pro"),
	}, time.Now())

	mock.ExpectExec("INSERT INTO growth_events").
		WithArgs(e.ID, e.Name, e.DistinctID, e.Timestamp, e.SessionID, sqlmock.AnyArg(), e.Value, e.EntityID).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStoreQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db, nil)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "name", "distinct_id", "ts", "session_id", "properties", "value", "entity_id"}).
		AddRow("ev-1", "purchase", "user-1", now, "sess-1", []byte(`{"amount":9.99}`), nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM growth_events WHERE distinct_id = \\$1 AND name = \\$2").
		WithArgs("user-1", "purchase", 1000).
		WillReturnRows(rows)

	got, err := store.Query(context.Background(), "user-1", QueryOptions{Name: "purchase"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Name != "purchase" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if amount, ok := got[0].Properties["amount"]; !ok || amount.AsNumber() != 9.99 {
		t.Fatalf("expected amount property 9.99, got %+v", got[0].Properties)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStoreReassign(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db, nil)

	mock.ExpectExec("UPDATE growth_events SET distinct_id").
		WithArgs("user-1", "anon-1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	if err := store.Reassign(context.Background(), "anon-1", "user-1"); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStorePrune(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db, nil)
	cutoff := time.Now()

	mock.ExpectExec("DELETE FROM growth_events WHERE ts").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.Prune(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 pruned rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
