package registry

import (
	"context"
	"errors"
	"strings"

	logx "agentsched/pkg/logx"
)

// Open initializes the configured backend.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	typ := strings.ToUpper(strings.TrimSpace(cfg.Type))
	if typ == "" {
		typ = TypeMemory
	}

	switch typ {
	case TypeMemory:
		return NewMemory(), nil
	case TypeDurable:
	default:
		return nil, errors.New("unknown registry type: " + cfg.Type)
	}

	coll, err := collectionName(cfg.Collection)
	if err != nil {
		return nil, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	log = log.With(logx.String("driver", driver), logx.String("collection", coll))

	switch driver {
	case DriverFile:
		return openFile(cfg.URL, coll, log)
	case DriverSQLite, "sqlite3":
		return openSQLite(ctx, cfg.URL, coll, cfg.BusyTimeout, log)
	case DriverRedis:
		return openRedis(ctx, cfg.URL, coll, log)
	case DriverPostgres, "postgresql", "pgx":
		return openPostgres(ctx, cfg.URL, coll, log)
	default:
		return nil, errors.New("unknown registry driver: " + cfg.Driver)
	}
}
