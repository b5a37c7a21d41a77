package storage

import (
	"context"
	"errors"
	"time"

	"ticketgrab/internal/ticket/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrStatusChanged is returned by UpdateTaskIfStatus when the stored
	// task is no longer in the expected status.
	ErrStatusChanged = errors.New("task status changed")
)

// System config keys.
const (
	KeyGlobalScheduleCron    = "global_schedule_cron"
	KeyGlobalScheduleEnabled = "global_schedule_enabled"
	KeyNotificationSettings  = "notification_settings"
)

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres". Empty means memory.
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CredentialKey seals stored credentials. Empty stores them as JSON.
	CredentialKey string
}

// TaskQuery filters ListTasks. Zero values match everything.
type TaskQuery struct {
	UserID   string
	Statuses []model.Status
}

func (q TaskQuery) match(t *model.Task) bool {
	if q.UserID != "" && t.UserID != q.UserID {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// LogQuery filters ListLogs. Results are newest first.
type LogQuery struct {
	Level model.Level
	Limit int
}

const defaultLogLimit = 100

func (q LogQuery) limit() int {
	if q.Limit <= 0 {
		return defaultLogLimit
	}
	return q.Limit
}

// Store is the persistence API used by the scheduling core and the CLI.
type Store interface {
	// CreateTask assigns ID and timestamps.
	CreateTask(ctx context.Context, t *model.Task) error
	// UpdateTask overwrites a task and stamps UpdatedAt.
	UpdateTask(ctx context.Context, t *model.Task) error
	// UpdateTaskIfStatus is UpdateTask that only lands while the stored
	// task is still in status want.
	UpdateTaskIfStatus(ctx context.Context, t *model.Task, want model.Status) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, q TaskQuery) ([]*model.Task, error)
	// DeleteTask removes the task and its logs.
	DeleteTask(ctx context.Context, id int64) error

	AppendLog(ctx context.Context, l model.TaskLog) error
	ListLogs(ctx context.Context, taskID int64, q LogQuery) ([]model.TaskLog, error)

	PutCredentials(ctx context.Context, userID string, c model.Credentials) error
	GetCredentials(ctx context.Context, userID string) (model.Credentials, bool, error)
	DeleteCredentials(ctx context.Context, userID string) error

	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
