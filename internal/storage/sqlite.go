package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	codec credCodec

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, codec credCodec, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, codec: codec, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteStore) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	r, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks(
		user_id, name, from_station, to_station, train_date, train_codes, train_types, seat_types,
		depart_window, passengers, query_interval, max_retry_count, auto_submit, allow_scheduled_start,
		status, retry_count, order_id, result_message, created_at, updated_at, started_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.UserID, r.Name, r.FromStation, r.ToStation, r.TrainDate, r.TrainCodes, r.TrainTypes, r.SeatTypes,
		r.DepartWindow, r.Passengers, r.QueryInterval, r.MaxRetryCount, boolInt(r.AutoSubmit), boolInt(r.AllowScheduledStart),
		r.Status, r.RetryCount, r.OrderID, r.ResultMessage, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
		fmtTimePtr(r.StartedAt), fmtTimePtr(r.FinishedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	return s.updateTask(ctx, t, "")
}

func (s *sqliteStore) UpdateTaskIfStatus(ctx context.Context, t *model.Task, want model.Status) error {
	return s.updateTask(ctx, t, want)
}

func (s *sqliteStore) updateTask(ctx context.Context, t *model.Task, want model.Status) error {
	t.UpdatedAt = time.Now()
	r, err := encodeTask(t)
	if err != nil {
		return err
	}
	q := `UPDATE tasks SET
		user_id=?, name=?, from_station=?, to_station=?, train_date=?, train_codes=?, train_types=?, seat_types=?,
		depart_window=?, passengers=?, query_interval=?, max_retry_count=?, auto_submit=?, allow_scheduled_start=?,
		status=?, retry_count=?, order_id=?, result_message=?, updated_at=?, started_at=?, finished_at=?
		WHERE id=?`
	args := []any{
		r.UserID, r.Name, r.FromStation, r.ToStation, r.TrainDate, r.TrainCodes, r.TrainTypes, r.SeatTypes,
		r.DepartWindow, r.Passengers, r.QueryInterval, r.MaxRetryCount, boolInt(r.AutoSubmit), boolInt(r.AllowScheduledStart),
		r.Status, r.RetryCount, r.OrderID, r.ResultMessage, fmtTime(r.UpdatedAt),
		fmtTimePtr(r.StartedAt), fmtTimePtr(r.FinishedAt), r.ID,
	}
	if want != "" {
		q += ` AND status=?`
		args = append(args, string(want))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if want == "" {
		return ErrNotFound
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, t.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusChanged
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*model.Task, error) {
	var (
		r                 taskRecord
		auto, sched       int
		created, updated  string
		started, finished sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.FromStation, &r.ToStation, &r.TrainDate,
		&r.TrainCodes, &r.TrainTypes, &r.SeatTypes, &r.DepartWindow, &r.Passengers,
		&r.QueryInterval, &r.MaxRetryCount, &auto, &sched, &r.Status, &r.RetryCount,
		&r.OrderID, &r.ResultMessage, &created, &updated, &started, &finished)
	if err != nil {
		return nil, err
	}
	r.AutoSubmit, r.AllowScheduledStart = auto != 0, sched != 0
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	r.StartedAt, r.FinishedAt = parseTimePtr(started), parseTimePtr(finished)
	return r.decode()
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, q TaskQuery) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if len(q.Statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(q.Statuses)), ",") + `)`
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendLog(ctx context.Context, l model.TaskLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	if l.Level == "" {
		l.Level = model.LevelInfo
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs(task_id, level, message, detail, created_at) VALUES(?,?,?,?,?)`,
		l.TaskID, string(l.Level), l.Message, nullStr(l.Detail), fmtTime(l.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) ListLogs(ctx context.Context, taskID int64, q LogQuery) ([]model.TaskLog, error) {
	query := `SELECT id, task_id, level, message, detail, created_at FROM task_logs WHERE task_id = ?`
	args := []any{taskID}
	if q.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(q.Level))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.limit())
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TaskLog
	for rows.Next() {
		var (
			l       model.TaskLog
			level   string
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &level, &l.Message, &detail, &created); err != nil {
			return nil, err
		}
		l.Level, l.Detail, l.CreatedAt = model.Level(level), detail.String, parseTime(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutCredentials(ctx context.Context, userID string, c model.Credentials) error {
	v, err := s.codec.encode(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		userID, v, fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetCredentials(ctx context.Context, userID string) (model.Credentials, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM credentials WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c, err := s.codec.decode(v)
	if err != nil {
		return nil, false, err
	}
	return c, len(c) > 0, nil
}

func (s *sqliteStore) DeleteCredentials(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
