package storage

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	logx "stillwaiting/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, postgresDialect, logx.Nop()), mock
}

func TestPostgresRebind(t *testing.T) {
	t.Parallel()
	st, _ := newMockPostgres(t)
	if !strings.Contains(st.qSave, "VALUES($1,$2,$3)") {
		t.Fatalf("save query not rebound: %s", st.qSave)
	}
	if !strings.Contains(st.qExpired, "$1::bigint") {
		t.Fatalf("expired query not rebound: %s", st.qExpired)
	}
	if strings.Contains(st.qSet, "?") {
		t.Fatalf("leftover placeholder: %s", st.qSet)
	}
}

func TestPostgresMigrate(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS obligations").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := st.migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSaveObligation(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (message_id, target_user_id) DO NOTHING RETURNING created_at")).
		WithArgs("m1", "c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(ts))
	mock.ExpectQuery("INSERT INTO obligations").
		WithArgs("m1", "c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	o, created, err := st.SaveObligation(context.Background(), "m1", "c1", "u1")
	if err != nil || !created || !o.CreatedAt.Equal(ts) {
		t.Fatalf("save: %+v created=%v err=%v", o, created, err)
	}
	_, created, err = st.SaveObligation(context.Background(), "m1", "c1", "u1")
	if err != nil || created {
		t.Fatalf("duplicate: created=%v err=%v", created, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresExpiredObligations(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE created_at < now() - ($1::bigint * interval '1 second')")).
		WithArgs(int64(86400)).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "channel_id", "target_user_id", "created_at"}).
			AddRow("m1", "c1", "u1", ts).
			AddRow("m2", "c2", "u2", ts))

	got, err := st.ExpiredObligations(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(got) != 2 || got[1].ChannelID != "c2" || !got[0].CreatedAt.Equal(ts) {
		t.Fatalf("expired = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresDeletes(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM obligations WHERE message_id = $1 AND target_user_id = $2")).
		WithArgs("m1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM obligations WHERE channel_id = $1 AND target_user_id = $2")).
		WithArgs("c1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := st.DeleteObligation(context.Background(), "m1", "u1"); err != nil {
		t.Fatalf("delete missing row: %v", err)
	}
	n, err := st.DeleteChannelObligations(context.Background(), "c1", "u1")
	if err != nil || n != 2 {
		t.Fatalf("channel delete: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStats(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("SET value = stats.value + 1, updated_at = now()")).
		WithArgs(Platform, MetricMessageCount).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET value = excluded.value")).
		WithArgs(Platform, MetricUserCount, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value FROM stats").
		WithArgs(Platform, MetricGuildCount).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	ctx := context.Background()
	if err := st.IncrementStat(ctx, MetricMessageCount); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStat(ctx, MetricUserCount, 42); err != nil {
		t.Fatal(err)
	}
	if v, err := st.Stat(ctx, MetricGuildCount); err != nil || v != 0 {
		t.Fatalf("missing stat: %d %v", v, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
