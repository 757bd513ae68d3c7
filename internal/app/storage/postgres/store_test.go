package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
)

func sampleSession() *session.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &session.Session{
		ID:             "sess-1",
		CoupleID:       "alice:bob",
		CreatorID:      "alice",
		PartnerID:      "bob",
		Phase:          session.PhaseEvidence,
		PhaseEnteredAt: now,
		TimeoutAt:      now.Add(24 * time.Hour),
		Creator:        session.PartyRecord{UserID: "alice"},
		Partner:        session.PartyRecord{UserID: "bob"},
		CaseLanguage:   "en",
		JudgeType:      "standard",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestUpsertSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	sess := sampleSession()
	mock.ExpectExec("INSERT INTO court_session_snapshots").
		WithArgs(sess.ID, sess.CoupleID, "EVIDENCE", "", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sess.CreatedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := New(db).UpsertSnapshot(context.Background(), sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSnapshotCarriesLatestVerdict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	sess := sampleSession()
	sess.Phase = session.PhaseVerdict
	sess.Verdicts = []session.Verdict{
		{Version: 1, Content: "first ruling"},
		{Version: 2, Content: "revised ruling"},
	}

	mock.ExpectExec("INSERT INTO court_session_snapshots").
		WithArgs(sess.ID, sess.CoupleID, "VERDICT", "revised ruling", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sess.CreatedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := New(db).UpsertSnapshot(context.Background(), sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSnapshotWrapsStoreErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO court_session_snapshots").
		WillReturnError(errors.New("connection refused"))

	err = New(db).UpsertSnapshot(context.Background(), sampleSession())
	if !fault.Is(err, fault.CodeStoreUnavailable) {
		t.Fatalf("want STORE_UNAVAILABLE, got %v", err)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM court_session_snapshots").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := New(db).DeleteSnapshot(context.Background(), "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListOpenSnapshots(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	open := sampleSession()
	closed := sampleSession()
	closed.ID = "sess-2"
	closed.CoupleID = "carol:dave"
	closed.Phase = session.PhaseClosed

	openState, _ := json.Marshal(open)
	closedState, _ := json.Marshal(closed)

	mock.ExpectQuery("SELECT state").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).
			AddRow(openState).
			AddRow(closedState))

	got, err := New(db).ListOpenSnapshots(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("closed snapshots must be skipped, got %d sessions", len(got))
	}
	if got[0].ID != open.ID || got[0].Phase != session.PhaseEvidence {
		t.Fatalf("unexpected session: %+v", got[0])
	}
	if !got[0].TimeoutAt.Equal(open.TimeoutAt) {
		t.Fatalf("deadline should survive the round trip")
	}
}

func TestListOpenSnapshotsRejectsCorruptState(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT state").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte("{not json")))

	_, err = New(db).ListOpenSnapshots(context.Background())
	if !fault.Is(err, fault.CodeStoreUnavailable) {
		t.Fatalf("want STORE_UNAVAILABLE, got %v", err)
	}
}
