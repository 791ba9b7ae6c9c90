package registry

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

type postgresBackend struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	table string
}

func openPostgres(ctx context.Context, dsn, collection string, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("registry.url is required for postgres driver")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p := &postgresBackend{pool: pool, log: log, table: collection}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres registry ready", logx.String("host", cfg.ConnConfig.Host))
	return p, nil
}

func (p *postgresBackend) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + p.table + ` (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			priority      INT NOT NULL,
			scheduled_at  BIGINT NOT NULL DEFAULT 0,
			created_at    BIGINT NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			data          JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + p.table + `_status_idx ON ` + p.table + `(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS ` + p.table + `_agent_idx ON ` + p.table + `(agent_id)`,
	}
	for _, q := range ddl {
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresBackend) Name() string { return DriverPostgres }

func (p *postgresBackend) Insert(ctx context.Context, t task.Task) error {
	r, err := encodeRow(t)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO `+p.table+` (id, status, schedule_type, priority, scheduled_at, created_at, agent_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.Status, r.ScheduleType, r.Priority, r.ScheduledAt, r.CreatedAt, r.AgentID, r.Data)
	return err
}

func (p *postgresBackend) Get(ctx context.Context, id string) (task.Task, bool, error) {
	var data string
	err := p.pool.QueryRow(ctx, `SELECT data::text FROM `+p.table+` WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *postgresBackend) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	w := filterWhere(f, dollarPH)
	return p.query(ctx, `SELECT data::text FROM `+p.table+w.String()+` ORDER BY created_at, id`, w.args...)
}

func (p *postgresBackend) Replace(ctx context.Context, t task.Task, expect task.Status) error {
	r, err := encodeRow(t)
	if err != nil {
		return err
	}
	q := `UPDATE ` + p.table + ` SET status = $1, schedule_type = $2, priority = $3, scheduled_at = $4, agent_id = $5, data = $6 WHERE id = $7`
	args := []any{r.Status, r.ScheduleType, r.Priority, r.ScheduledAt, r.AgentID, r.Data, r.ID}
	if expect != "" {
		q += ` AND status = $8`
		args = append(args, string(expect))
	}
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, ok, err := p.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if !ok {
		return &task.NotFoundError{ID: t.ID}
	}
	return task.ErrConflict
}

func (p *postgresBackend) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE id = $1`, id)
	return err
}

func (p *postgresBackend) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM `+p.table)
	return err
}

func (p *postgresBackend) Scroll(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	off, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	page, err := p.query(ctx, `SELECT data::text FROM `+p.table+` ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit+1, off)
	if err != nil {
		return nil, "", err
	}
	if len(page) <= limit {
		return page, "", nil
	}
	return page[:limit], strconv.Itoa(off + limit), nil
}

func (p *postgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *postgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func (p *postgresBackend) query(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := p.pool.Query(ctx, q, args...)
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
			p.log.Warn("skipping undecodable task row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
