package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "stillwaiting/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresDialect = dialect{
	name:       "postgres",
	numbered:   true,
	now:        `now()`,
	expiredCut: `now() - (?::bigint * interval '1 second')`,
	migrations: postgresMigrations,
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := newSQLStore(db, postgresDialect, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened")
	return st, nil
}
