package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ticketgrab/internal/ticket/model"
	logx "ticketgrab/pkg/logx"
)

// fileStore is the memory store made durable.
//
// Files:
//   - <prefix>.snapshot.json (tasks, credentials, config, dedup; rewritten atomically)
//   - <prefix>.logs.jsonl    (append-only task log journal)
//
// Deleted tasks leave their log lines in the journal; they are skipped on
// replay.
type fileStore struct {
	*memStore
	log logx.Logger

	mu       sync.Mutex
	snapPath string
	logFile  *os.File
}

func openFile(cfg Config, codec credCodec, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemory(codec)
	snapPath := prefix + ".snapshot.json"
	if err := loadSnapshot(snapPath, &mem.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logPath := prefix + ".logs.jsonl"
	if err := replayLogs(logPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task log journal replay incomplete", logx.String("path", logPath), logx.Err(err))
	}

	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{memStore: mem, log: log, snapPath: snapPath, logFile: lf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// persist rewrites the snapshot from the current memory state.
func (s *fileStore) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.memStore.export()
	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapPath)
}

func (s *fileStore) CreateTask(ctx context.Context, t *model.Task) error {
	if err := s.memStore.CreateTask(ctx, t); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) UpdateTask(ctx context.Context, t *model.Task) error {
	if err := s.memStore.UpdateTask(ctx, t); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) UpdateTaskIfStatus(ctx context.Context, t *model.Task, want model.Status) error {
	if err := s.memStore.UpdateTaskIfStatus(ctx, t, want); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) DeleteTask(ctx context.Context, id int64) error {
	if err := s.memStore.DeleteTask(ctx, id); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) AppendLog(_ context.Context, l model.TaskLog) error {
	s.memStore.mu.Lock()
	if _, ok := s.memStore.st.Tasks[l.TaskID]; !ok {
		s.memStore.mu.Unlock()
		return ErrNotFound
	}
	s.memStore.appendLogLocked(&l)
	s.memStore.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return errors.New("task log journal closed")
	}
	return json.NewEncoder(s.logFile).Encode(l)
}

func (s *fileStore) PutCredentials(ctx context.Context, userID string, c model.Credentials) error {
	if err := s.memStore.PutCredentials(ctx, userID, c); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) DeleteCredentials(ctx context.Context, userID string) error {
	if err := s.memStore.DeleteCredentials(ctx, userID); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) SetConfig(ctx context.Context, key, value string) error {
	if err := s.memStore.SetConfig(ctx, key, value); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := s.memStore.PutDedup(ctx, key, until); err != nil {
		return err
	}
	return s.persist()
}

func loadSnapshot(path string, into *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st := newMemState()
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	// Maps absent from older snapshots decode as nil.
	if st.Tasks == nil {
		st.Tasks = map[int64]*model.Task{}
	}
	if st.Creds == nil {
		st.Creds = map[string]string{}
	}
	if st.Config == nil {
		st.Config = map[string]string{}
	}
	if st.Dedup == nil {
		st.Dedup = map[string]int64{}
	}
	*into = st
	return nil
}

func replayLogs(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for sc.Scan() {
		var l model.TaskLog
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil || l.ID == 0 {
			continue
		}
		if _, ok := mem.st.Tasks[l.TaskID]; !ok {
			continue
		}
		mem.appendLogLocked(&l)
	}
	return sc.Err()
}
