package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	from_station TEXT NOT NULL,
	to_station TEXT NOT NULL,
	train_date TEXT NOT NULL,
	train_codes TEXT NOT NULL DEFAULT '',
	train_types TEXT NOT NULL DEFAULT '',
	seat_types TEXT NOT NULL DEFAULT '',
	depart_window TEXT NOT NULL DEFAULT '',
	passengers TEXT NOT NULL DEFAULT '[]',
	query_interval INTEGER NOT NULL DEFAULT 5,
	max_retry_count INTEGER NOT NULL DEFAULT 100,
	auto_submit BOOLEAN NOT NULL DEFAULT TRUE,
	allow_scheduled_start BOOLEAN NOT NULL DEFAULT TRUE,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	order_id TEXT NOT NULL DEFAULT '',
	result_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);

CREATE TABLE IF NOT EXISTS task_logs (
	id BIGSERIAL PRIMARY KEY,
	task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id);

CREATE TABLE IF NOT EXISTS credentials (
	user_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dedup (
	key TEXT PRIMARY KEY,
	until BIGINT NOT NULL
);
`

type pgStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	codec credCodec
}

func openPostgres(ctx context.Context, cfg Config, codec credCodec, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConnLifetime = 5 * time.Minute
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &pgStore{pool: pool, log: log, codec: codec}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC()
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
	return s.pool.QueryRow(ctx, `INSERT INTO tasks(
		user_id, name, from_station, to_station, train_date, train_codes, train_types, seat_types,
		depart_window, passengers, query_interval, max_retry_count, auto_submit, allow_scheduled_start,
		status, retry_count, order_id, result_message, created_at, updated_at, started_at, finished_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING id`,
		r.UserID, r.Name, r.FromStation, r.ToStation, r.TrainDate, r.TrainCodes, r.TrainTypes, r.SeatTypes,
		r.DepartWindow, r.Passengers, r.QueryInterval, r.MaxRetryCount, r.AutoSubmit, r.AllowScheduledStart,
		r.Status, r.RetryCount, r.OrderID, r.ResultMessage, r.CreatedAt, r.UpdatedAt, r.StartedAt, r.FinishedAt,
	).Scan(&t.ID)
}

func (s *pgStore) UpdateTask(ctx context.Context, t *model.Task) error {
	return s.updateTask(ctx, t, "")
}

func (s *pgStore) UpdateTaskIfStatus(ctx context.Context, t *model.Task, want model.Status) error {
	return s.updateTask(ctx, t, want)
}

func (s *pgStore) updateTask(ctx context.Context, t *model.Task, want model.Status) error {
	t.UpdatedAt = time.Now().UTC()
	r, err := encodeTask(t)
	if err != nil {
		return err
	}
	// $23 is empty for an unconditional write.
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET
		user_id=$2, name=$3, from_station=$4, to_station=$5, train_date=$6, train_codes=$7, train_types=$8,
		seat_types=$9, depart_window=$10, passengers=$11, query_interval=$12, max_retry_count=$13,
		auto_submit=$14, allow_scheduled_start=$15, status=$16, retry_count=$17, order_id=$18,
		result_message=$19, updated_at=$20, started_at=$21, finished_at=$22
		WHERE id=$1 AND ($23::text = '' OR status = $23::text)`,
		r.ID, r.UserID, r.Name, r.FromStation, r.ToStation, r.TrainDate, r.TrainCodes, r.TrainTypes,
		r.SeatTypes, r.DepartWindow, r.Passengers, r.QueryInterval, r.MaxRetryCount,
		r.AutoSubmit, r.AllowScheduledStart, r.Status, r.RetryCount, r.OrderID,
		r.ResultMessage, r.UpdatedAt, r.StartedAt, r.FinishedAt, string(want),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if want == "" {
		return ErrNotFound
	}
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM tasks WHERE id=$1`, t.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusChanged
}

func scanPGTask(row pgx.Row) (*model.Task, error) {
	var r taskRecord
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.FromStation, &r.ToStation, &r.TrainDate,
		&r.TrainCodes, &r.TrainTypes, &r.SeatTypes, &r.DepartWindow, &r.Passengers,
		&r.QueryInterval, &r.MaxRetryCount, &r.AutoSubmit, &r.AllowScheduledStart, &r.Status,
		&r.RetryCount, &r.OrderID, &r.ResultMessage, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return r.decode()
}

func (s *pgStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanPGTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *pgStore) ListTasks(ctx context.Context, q TaskQuery) ([]*model.Task, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, st := range q.Statuses {
		statuses = append(statuses, string(st))
	}
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR user_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY id`, q.UserID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) AppendLog(ctx context.Context, l model.TaskLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Level == "" {
		l.Level = model.LevelInfo
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_logs(task_id, level, message, detail, created_at) VALUES($1,$2,$3,$4,$5)`,
		l.TaskID, string(l.Level), l.Message, l.Detail, l.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func (s *pgStore) ListLogs(ctx context.Context, taskID int64, q LogQuery) ([]model.TaskLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, task_id, level, message, detail, created_at FROM task_logs
		WHERE task_id=$1 AND ($2 = '' OR level = $2)
		ORDER BY id DESC LIMIT $3`, taskID, string(q.Level), q.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TaskLog
	for rows.Next() {
		var (
			l     model.TaskLog
			level string
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &level, &l.Message, &l.Detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Level = model.Level(level)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *pgStore) PutCredentials(ctx context.Context, userID string, c model.Credentials) error {
	v, err := s.codec.encode(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials(user_id, data, updated_at) VALUES($1,$2,now())
		ON CONFLICT (user_id) DO UPDATE SET data=EXCLUDED.data, updated_at=now()
	`, userID, v)
	return err
}

func (s *pgStore) GetCredentials(ctx context.Context, userID string) (model.Credentials, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT data FROM credentials WHERE user_id=$1`, userID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *pgStore) DeleteCredentials(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id=$1`, userID)
	return err
}

func (s *pgStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM system_config WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *pgStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_config(key, value, updated_at) VALUES($1,$2,now())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
	`, key, value)
	return err
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dedup(key, until) VALUES($1,$2)
		ON CONFLICT (key) DO UPDATE SET until=EXCLUDED.until
	`, key, until.UnixMilli())
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key=$1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
