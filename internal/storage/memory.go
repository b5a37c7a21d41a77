package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ticketgrab/internal/ticket/model"
)

// memState is the part of the memory store the file driver snapshots.
type memState struct {
	NextTaskID int64                 `json:"next_task_id"`
	NextLogID  int64                 `json:"next_log_id"`
	Tasks      map[int64]*model.Task `json:"tasks"`
	Creds      map[string]string     `json:"credentials"`
	Config     map[string]string     `json:"config"`
	Dedup      map[string]int64      `json:"dedup"`
}

func newMemState() memState {
	return memState{
		Tasks:  map[int64]*model.Task{},
		Creds:  map[string]string{},
		Config: map[string]string{},
		Dedup:  map[string]int64{},
	}
}

type memStore struct {
	codec credCodec

	mu   sync.RWMutex
	st   memState
	logs map[int64][]model.TaskLog
	now  func() time.Time
}

func newMemory(codec credCodec) *memStore {
	return &memStore{codec: codec, st: newMemState(), logs: map[int64][]model.TaskLog{}, now: time.Now}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateTask(_ context.Context, t *model.Task) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.NextTaskID++
	t.ID = s.st.NextTaskID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	s.st.Tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memStore) UpdateTask(_ context.Context, t *model.Task) error {
	return s.updateTask(t, "")
}

func (s *memStore) UpdateTaskIfStatus(_ context.Context, t *model.Task, want model.Status) error {
	return s.updateTask(t, want)
}

func (s *memStore) updateTask(t *model.Task, want model.Status) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.Tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if want != "" && cur.Status != want {
		return ErrStatusChanged
	}
	t.UpdatedAt = now
	s.st.Tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memStore) GetTask(_ context.Context, id int64) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.st.Tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *memStore) ListTasks(_ context.Context, q TaskQuery) ([]*model.Task, error) {
	s.mu.RLock()
	out := make([]*model.Task, 0, len(s.st.Tasks))
	for _, t := range s.st.Tasks {
		if q.match(t) {
			out = append(out, cloneTask(t))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.st.Tasks, id)
	delete(s.logs, id)
	return nil
}

func (s *memStore) AppendLog(_ context.Context, l model.TaskLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Tasks[l.TaskID]; !ok {
		return ErrNotFound
	}
	s.appendLogLocked(&l)
	return nil
}

func (s *memStore) appendLogLocked(l *model.TaskLog) {
	if l.ID == 0 {
		s.st.NextLogID++
		l.ID = s.st.NextLogID
	} else if l.ID > s.st.NextLogID {
		s.st.NextLogID = l.ID
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	if l.Level == "" {
		l.Level = model.LevelInfo
	}
	s.logs[l.TaskID] = append(s.logs[l.TaskID], *l)
}

func (s *memStore) ListLogs(_ context.Context, taskID int64, q LogQuery) ([]model.TaskLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[taskID]
	limit := q.limit()
	out := make([]model.TaskLog, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if q.Level != "" && all[i].Level != q.Level {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *memStore) PutCredentials(_ context.Context, userID string, c model.Credentials) error {
	v, err := s.codec.encode(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.st.Creds[userID] = v
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetCredentials(_ context.Context, userID string) (model.Credentials, bool, error) {
	s.mu.RLock()
	v, ok := s.st.Creds[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	c, err := s.codec.decode(v)
	if err != nil {
		return nil, false, err
	}
	return c, len(c) > 0, nil
}

func (s *memStore) DeleteCredentials(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.st.Creds, userID)
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetConfig(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.st.Config[key]
	return v, ok, nil
}

func (s *memStore) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.st.Config[key] = value
	s.mu.Unlock()
	return nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.st.Dedup[key] = until.UnixMilli()
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.RLock()
	ms, ok := s.st.Dedup[key]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// export deep-copies the snapshot state. Expired dedup keys are dropped.
func (s *memStore) export() memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := newMemState()
	out.NextTaskID, out.NextLogID = s.st.NextTaskID, s.st.NextLogID
	for id, t := range s.st.Tasks {
		out.Tasks[id] = cloneTask(t)
	}
	for k, v := range s.st.Creds {
		out.Creds[k] = v
	}
	for k, v := range s.st.Config {
		out.Config[k] = v
	}
	now := s.now().UnixMilli()
	for k, v := range s.st.Dedup {
		if v >= now {
			out.Dedup[k] = v
		}
	}
	return out
}
