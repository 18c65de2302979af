// Package taskstore persists tasks under ${DATA_ROOT}/tasks/{id}/ per the
// on-disk layout: record.json (atomic rename), steps.jsonl and chat.jsonl
// (append-only), and an opaque browser/ profile directory. It is the sole
// source of truth on restart (I7) and owns the per-task mutex the engine
// uses to enforce the single-runner invariant (I1).
package taskstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/tasktypes"
	"github.com/BaSui01/webai/internal/weberr"
)

const (
	recordFile = "record.json"
	stepsFile  = "steps.jsonl"
	chatFile   = "chat.jsonl"
	browserDir = "browser"
	downloadsDir = "downloads"
)

// Store is the per-node task store. One instance per node process.
type Store struct {
	dataRoot string
	logger   *zap.Logger

	mu     sync.RWMutex           // guards locks + cache maps themselves
	locks  map[string]*sync.Mutex // per-task mutex, created lazily
	cache  map[string]*tasktypes.Record
}

// New builds a Store rooted at dataRoot (created if missing).
func New(dataRoot string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataRoot, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Store{
		dataRoot: dataRoot,
		logger:   logger.With(zap.String("component", "task_store")),
		locks:    make(map[string]*sync.Mutex),
		cache:    make(map[string]*tasktypes.Record),
	}, nil
}

func (s *Store) taskDir(id string) string {
	return filepath.Join(s.dataRoot, "tasks", id)
}

// lockFor returns the per-task mutex for id, creating it on first use.
// Callers must Unlock() what they Lock().
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// WithTaskLock runs fn while holding the per-task mutex for id. The engine
// uses this to make "check status, flip to running, persist" one atomic
// step, enforcing I1.
func (s *Store) WithTaskLock(id string, fn func() error) error {
	m := s.lockFor(id)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Create persists a brand-new task record and initializes its directory
// and empty append logs.
func (s *Store) Create(rec *tasktypes.Record) error {
	return s.WithTaskLock(rec.ID, func() error {
		dir := s.taskDir(rec.ID)
		for _, sub := range []string{dir, filepath.Join(dir, browserDir), filepath.Join(dir, downloadsDir)} {
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return fmt.Errorf("create task dir: %w", err)
			}
		}
		for _, f := range []string{stepsFile, chatFile} {
			p := filepath.Join(dir, f)
			if _, err := os.Stat(p); err != nil {
				if err := os.WriteFile(p, nil, 0o644); err != nil {
					return fmt.Errorf("init %s: %w", f, err)
				}
			}
		}
		if err := writeRecordFile(dir, rec); err != nil {
			return err
		}
		s.mu.Lock()
		s.cache[rec.ID] = rec.Clone()
		s.mu.Unlock()
		return nil
	})
}

// Get returns a cached copy of the record. Callers must not mutate the
// returned pointer's nested pointers; use Clone semantics instead.
func (s *Store) Get(id string) (*tasktypes.Record, error) {
	s.mu.RLock()
	rec, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return nil, weberr.New(weberr.CodeNotFound, "task not found")
	}
	return rec.Clone(), nil
}

// List returns summaries for every cached task, newest first.
func (s *Store) List() []*tasktypes.Record {
	s.mu.RLock()
	out := make([]*tasktypes.Record, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateRecord applies mutate to the current record under the per-task
// lock and persists the result via atomic rename. On persistence failure
// the in-memory cache is left untouched (the caller's prior state stands).
func (s *Store) UpdateRecord(id string, mutate func(*tasktypes.Record) error) (*tasktypes.Record, error) {
	var result *tasktypes.Record
	err := s.WithTaskLock(id, func() error {
		s.mu.RLock()
		cur, ok := s.cache[id]
		s.mu.RUnlock()
		if !ok {
			return weberr.New(weberr.CodeNotFound, "task not found")
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if err := writeRecordFile(s.taskDir(id), next); err != nil {
			return weberr.New(weberr.CodeInternal, "persist task record").WithCause(err)
		}
		s.mu.Lock()
		s.cache[id] = next
		s.mu.Unlock()
		result = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendStep appends a step and bumps step_count in one critical section,
// maintaining I2 (step_count equals the number of persisted steps).
func (s *Store) AppendStep(id string, step tasktypes.Step) (*tasktypes.Record, error) {
	var result *tasktypes.Record
	err := s.WithTaskLock(id, func() error {
		if err := appendJSONLine(filepath.Join(s.taskDir(id), stepsFile), step); err != nil {
			return weberr.New(weberr.CodeInternal, "append step").WithCause(err)
		}
		s.mu.RLock()
		cur, ok := s.cache[id]
		s.mu.RUnlock()
		if !ok {
			return weberr.New(weberr.CodeNotFound, "task not found")
		}
		next := cur.Clone()
		next.StepCount = step.StepNumber
		if err := writeRecordFile(s.taskDir(id), next); err != nil {
			return weberr.New(weberr.CodeInternal, "persist task record").WithCause(err)
		}
		s.mu.Lock()
		s.cache[id] = next
		s.mu.Unlock()
		result = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendChat appends one chat message.
func (s *Store) AppendChat(id string, msg tasktypes.ChatMessage) error {
	return s.WithTaskLock(id, func() error {
		if err := appendJSONLine(filepath.Join(s.taskDir(id), chatFile), msg); err != nil {
			return weberr.New(weberr.CodeInternal, "append chat message").WithCause(err)
		}
		return nil
	})
}

// LoadSteps reads and parses steps.jsonl, dropping a trailing corrupt line
// (the product of a write interrupted mid-append).
func (s *Store) LoadSteps(id string) ([]tasktypes.Step, error) {
	var steps []tasktypes.Step
	err := readJSONLines(filepath.Join(s.taskDir(id), stepsFile), func(line []byte) error {
		var step tasktypes.Step
		if err := json.Unmarshal(line, &step); err != nil {
			return err
		}
		steps = append(steps, step)
		return nil
	})
	return steps, err
}

// LoadChat reads and parses chat.jsonl, dropping a trailing corrupt line.
func (s *Store) LoadChat(id string) ([]tasktypes.ChatMessage, error) {
	var msgs []tasktypes.ChatMessage
	err := readJSONLines(filepath.Join(s.taskDir(id), chatFile), func(line []byte) error {
		var msg tasktypes.ChatMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	})
	return msgs, err
}

// Delete removes the task's on-disk directory and cache entry. Callers
// must have already stopped any live agent for this task.
func (s *Store) Delete(id string) error {
	return s.WithTaskLock(id, func() error {
		if err := os.RemoveAll(s.taskDir(id)); err != nil {
			return weberr.New(weberr.CodeInternal, "delete task directory").WithCause(err)
		}
		s.mu.Lock()
		delete(s.cache, id)
		delete(s.locks, id)
		s.mu.Unlock()
		return nil
	})
}

// RecoverAll scans the data root and loads every persisted record into the
// cache, returning them for the engine's restart reconciliation (§4.2).
func (s *Store) RecoverAll() ([]*tasktypes.Record, error) {
	tasksRoot := filepath.Join(s.dataRoot, "tasks")
	entries, err := os.ReadDir(tasksRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var recovered []*tasktypes.Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := readRecordFile(filepath.Join(tasksRoot, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable task record on recovery",
				zap.String("task_id", entry.Name()), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.cache[rec.ID] = rec.Clone()
		s.mu.Unlock()
		recovered = append(recovered, rec)
	}
	return recovered, nil
}

// TaskDownloadsDir returns the operator-browsable downloads directory for
// a task.
func (s *Store) TaskDownloadsDir(id string) string {
	return filepath.Join(s.taskDir(id), downloadsDir)
}

// TaskBrowserDir returns the opaque browser profile directory for a task.
func (s *Store) TaskBrowserDir(id string) string {
	return filepath.Join(s.taskDir(id), browserDir)
}

func writeRecordFile(dir string, rec *tasktypes.Record) error {
	path := filepath.Join(dir, recordFile)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open tmp record file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write tmp record file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync tmp record file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp record file: %w", err)
	}
	return os.Rename(tmp, path)
}

func readRecordFile(dir string) (*tasktypes.Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		return nil, err
	}
	var rec tasktypes.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// readJSONLines calls fn for every complete line. If the final line fails
// to parse, it is silently dropped (a partial write from a crash
// mid-append) rather than treated as an error.
func readJSONLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	// scanner.Err() on a truncated final line (no trailing newline after a
	// crash) still yields the partial bytes via Scan before returning
	// false without an error in most cases; explicit validation below is
	// what actually drops a corrupt trailing line.
	for i, line := range lines {
		if err := fn(line); err != nil {
			if i == len(lines)-1 {
				break // drop trailing corrupt line
			}
			return fmt.Errorf("parse line %d: %w", i, err)
		}
	}
	return nil
}
