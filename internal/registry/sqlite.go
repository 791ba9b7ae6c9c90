package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

const defaultBusyTimeout = 5 * time.Second

type sqliteBackend struct {
	db    *sql.DB
	log   logx.Logger
	table string
}

func openSQLite(ctx context.Context, url, collection string, busyTimeout time.Duration, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(url)
	if path == "" {
		return nil, errors.New("registry.url is required for sqlite driver")
	}
	path = strings.TrimPrefix(path, "sqlite://")
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the CAS updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &sqliteBackend{db: db, log: log, table: collection}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite registry ready", logx.String("path", path))
	return s, nil
}

func (s *sqliteBackend) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			priority      INTEGER NOT NULL,
			scheduled_at  INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			data          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + s.table + `_status_idx ON ` + s.table + `(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS ` + s.table + `_agent_idx ON ` + s.table + `(agent_id)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteBackend) Name() string { return DriverSQLite }

func (s *sqliteBackend) Insert(ctx context.Context, t task.Task) error {
	r, err := encodeRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (id, status, schedule_type, priority, scheduled_at, created_at, agent_id, data)
		 VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.Status, r.ScheduleType, r.Priority, r.ScheduledAt, r.CreatedAt, r.AgentID, r.Data,
	)
	return err
}

func (s *sqliteBackend) Get(ctx context.Context, id string) (task.Task, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM `+s.table+` WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, err
	}
	t, err := decodeData(data)
	if err != nil {
		return task.Task{}, false, err
	}
	return t, true, nil
}

func (s *sqliteBackend) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	w := filterWhere(f, questionPH)
	return s.query(ctx, `SELECT data FROM `+s.table+w.String()+` ORDER BY created_at, id`, w.args...)
}

func (s *sqliteBackend) Replace(ctx context.Context, t task.Task, expect task.Status) error {
	r, err := encodeRow(t)
	if err != nil {
		return err
	}
	q := `UPDATE ` + s.table + ` SET status = ?, schedule_type = ?, priority = ?, scheduled_at = ?, agent_id = ?, data = ? WHERE id = ?`
	args := []any{r.Status, r.ScheduleType, r.Priority, r.ScheduledAt, r.AgentID, r.Data, r.ID}
	if expect != "" {
		q += ` AND status = ?`
		args = append(args, string(expect))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, ok, err := s.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if !ok {
		return &task.NotFoundError{ID: t.ID}
	}
	return task.ErrConflict
}

func (s *sqliteBackend) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE id = ?`, id)
	return err
}

func (s *sqliteBackend) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table)
	return err
}

func (s *sqliteBackend) Scroll(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	off, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	// Fetch one extra row to learn whether another page exists.
	page, err := s.query(ctx, `SELECT data FROM `+s.table+` ORDER BY created_at, id LIMIT ? OFFSET ?`, limit+1, off)
	if err != nil {
		return nil, "", err
	}
	if len(page) <= limit {
		return page, "", nil
	}
	return page[:limit], fmt.Sprint(off + limit), nil
}

func (s *sqliteBackend) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite registry closed")
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteBackend) query(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeData(data)
		if err != nil {
			s.log.Warn("skipping undecodable task row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
