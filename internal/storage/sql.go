package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "stillwaiting/pkg/logx"
)

// dialect carries the backend-specific bits of the relational store.
// Queries are written with '?' placeholders and rebound when numbered.
type dialect struct {
	name       string
	numbered   bool   // $1, $2, ...
	now        string // SQL expression for the server clock in the created_at type
	expiredCut string // SQL expression for "now minus ? seconds"
	migrations string
}

type sqlStore struct {
	db     *sql.DB
	d      dialect
	log    logx.Logger
	closed atomic.Bool

	qSave, qExists, qDelete, qDeleteChannel, qExpired string
	qIncr, qSet, qGet                                 string
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqlStore{db: db, d: d, log: log}
	s.qSave = s.rebind(`INSERT INTO obligations(message_id, channel_id, target_user_id) VALUES(?,?,?)
		ON CONFLICT (message_id, target_user_id) DO NOTHING RETURNING created_at`)
	s.qExists = s.rebind(`SELECT 1 FROM obligations WHERE message_id = ? AND target_user_id = ? LIMIT 1`)
	s.qDelete = s.rebind(`DELETE FROM obligations WHERE message_id = ? AND target_user_id = ?`)
	s.qDeleteChannel = s.rebind(`DELETE FROM obligations WHERE channel_id = ? AND target_user_id = ?`)
	s.qExpired = s.rebind(`SELECT message_id, channel_id, target_user_id, created_at FROM obligations
		WHERE created_at < ` + d.expiredCut)
	s.qIncr = s.rebind(`INSERT INTO stats(platform, metric, value) VALUES(?,?,1)
		ON CONFLICT (platform, metric) DO UPDATE SET value = stats.value + 1, updated_at = ` + d.now)
	s.qSet = s.rebind(`INSERT INTO stats(platform, metric, value) VALUES(?,?,?)
		ON CONFLICT (platform, metric) DO UPDATE SET value = excluded.value, updated_at = ` + d.now)
	s.qGet = s.rebind(`SELECT value FROM stats WHERE platform = ? AND metric = ?`)
	return s
}

func (s *sqlStore) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.migrations); err != nil {
		return fmt.Errorf("%s migrate: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) ready() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) SaveObligation(ctx context.Context, messageID, channelID, userID string) (Obligation, bool, error) {
	if err := s.ready(); err != nil {
		return Obligation{}, false, err
	}
	var raw any
	err := s.db.QueryRowContext(ctx, s.qSave, messageID, channelID, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the pair is already pending.
		return Obligation{}, false, nil
	}
	if err != nil {
		return Obligation{}, false, fmt.Errorf("save obligation: %w", err)
	}
	created, err := toTime(raw)
	if err != nil {
		return Obligation{}, false, err
	}
	return Obligation{MessageID: messageID, ChannelID: channelID, UserID: userID, CreatedAt: created}, true, nil
}

func (s *sqlStore) ObligationExists(ctx context.Context, messageID, userID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.qExists, messageID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obligation exists: %w", err)
	}
	return true, nil
}

func (s *sqlStore) DeleteObligation(ctx context.Context, messageID, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.qDelete, messageID, userID); err != nil {
		return fmt.Errorf("delete obligation: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteChannelObligations(ctx context.Context, channelID, userID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.qDeleteChannel, channelID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete channel obligations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *sqlStore) ExpiredObligations(ctx context.Context, threshold time.Duration) ([]Obligation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.qExpired, int64(threshold/time.Second))
	if err != nil {
		return nil, fmt.Errorf("expired obligations: %w", err)
	}
	defer rows.Close()

	var out []Obligation
	for rows.Next() {
		var (
			o   Obligation
			raw any
		)
		if err := rows.Scan(&o.MessageID, &o.ChannelID, &o.UserID, &raw); err != nil {
			return nil, fmt.Errorf("expired obligations: %w", err)
		}
		if o.CreatedAt, err = toTime(raw); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired obligations: %w", err)
	}
	return out, nil
}

func (s *sqlStore) IncrementStat(ctx context.Context, metric string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.qIncr, Platform, metric)
	return err
}

func (s *sqlStore) SetStat(ctx context.Context, metric string, value int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.qSet, Platform, metric, value)
	return err
}

func (s *sqlStore) Stat(ctx context.Context, metric string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var v int64
	err := s.db.QueryRowContext(ctx, s.qGet, Platform, metric).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// toTime normalizes created_at: sqlite stores unix seconds, postgres a timestamp.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0), nil
	case float64:
		return time.Unix(int64(t), 0), nil
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("created_at: %w", err)
		}
		return time.Unix(n, 0), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("created_at: %w", err)
		}
		return time.Unix(n, 0), nil
	default:
		return time.Time{}, fmt.Errorf("created_at: unexpected type %T", v)
	}
}
