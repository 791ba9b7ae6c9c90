package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

const fileCompactEvery = 500

// fileBackend is a dependency-free durable backend.
//
// Files (prefix = <url>.<collection>):
//   - <prefix>.snapshot.json (periodic snapshot, JSON array)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The full data set is mirrored in memory; the journal is periodically
// compacted into the snapshot.
type fileBackend struct {
	log logx.Logger

	// mu serializes mutations so the journal order matches the memory state.
	mu sync.Mutex

	mem *memoryBackend

	snapshotPath string
	journal      *os.File
	writes       int
}

type journalRecord struct {
	Op   string     `json:"op"` // put | del | clear
	ID   string     `json:"id,omitempty"`
	Task *task.Task `json:"task,omitempty"`
}

func openFile(url, collection string, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(url)
	if path == "" {
		return nil, errors.New("registry.url is required for file driver")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base+"."+collection)

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileBackend{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
	}, nil
}

func (s *fileBackend) Name() string { return DriverFile }

func (s *fileBackend) Insert(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Insert(ctx, t); err != nil {
		return err
	}
	if err := s.appendLocked(journalRecord{Op: "put", ID: t.ID, Task: &t}); err != nil {
		_ = s.mem.Delete(ctx, t.ID)
		return err
	}
	return nil
}

func (s *fileBackend) Get(ctx context.Context, id string) (task.Task, bool, error) {
	return s.mem.Get(ctx, id)
}

func (s *fileBackend) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	return s.mem.List(ctx, f)
}

func (s *fileBackend) Replace(ctx context.Context, t task.Task, expect task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _, _ := s.mem.Get(ctx, t.ID)
	if err := s.mem.Replace(ctx, t, expect); err != nil {
		return err
	}
	if err := s.appendLocked(journalRecord{Op: "put", ID: t.ID, Task: &t}); err != nil {
		s.mem.put(prev)
		return err
	}
	return nil
}

func (s *fileBackend) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok, _ := s.mem.Get(ctx, id)
	if !ok {
		return nil
	}
	_ = s.mem.Delete(ctx, id)
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		s.mem.put(prev)
		return err
	}
	return nil
}

func (s *fileBackend) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mem.Clear(ctx)
	return s.compactLocked()
}

func (s *fileBackend) Scroll(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	return s.mem.Scroll(ctx, cursor, limit)
}

func (s *fileBackend) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("task journal closed")
	}
	return nil
}

func (s *fileBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileBackend) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("task journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileBackend) compactLocked() error {
	if s.journal == nil {
		return errors.New("task journal closed")
	}
	s.mem.mu.RLock()
	all := make([]task.Task, 0, len(s.mem.tasks))
	for _, t := range s.mem.tasks {
		all = append(all, t)
	}
	s.mem.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memoryBackend) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []task.Task
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, t := range all {
		if t.ID == "" {
			continue
		}
		mem.tasks[t.ID] = t
	}
	return nil
}

func replayJournal(path string, mem *memoryBackend) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn last line after a crash; skip it.
			continue
		}
		switch r.Op {
		case "put":
			if r.Task != nil && r.Task.ID != "" {
				mem.tasks[r.Task.ID] = *r.Task
			}
		case "del":
			delete(mem.tasks, r.ID)
		case "clear":
			mem.tasks = make(map[string]task.Task)
		}
	}
	return sc.Err()
}
