package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"agentsched/internal/task"
)

// Registry types.
const (
	TypeMemory  = "MEMORY"
	TypeDurable = "DURABLE"
)

// Durable drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

const DefaultCollection = "tasks"

// Config selects and configures the backend.
//
// Type values:
//   - "MEMORY": process-local map, nothing survives a restart
//   - "DURABLE": Driver picks the storage (default "sqlite")
//
// URL is driver specific: a file path prefix (file), a database path
// (sqlite), a redis:// URL (redis) or a postgres DSN (postgres).
// Collection namespaces the records so independent schedulers (or test
// suites) can share one server without id collisions.
type Config struct {
	Type        string
	Driver      string
	URL         string
	Collection  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend is the storage contract behind Registry.
//
// Backends only store and fetch records; validation, id generation,
// timestamps and the status state machine live in Registry.
type Backend interface {
	Name() string

	// Insert stores a new record. It fails if the id already exists.
	Insert(ctx context.Context, t task.Task) error
	Get(ctx context.Context, id string) (t task.Task, ok bool, err error)
	// List returns candidate records for f. Backends may apply only part of
	// the filter; Registry re-checks f.Match, orders and limits.
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
	// Replace overwrites an existing record. When expect is non-empty the
	// write only happens if the stored status still equals expect
	// (task.ErrConflict otherwise). Unknown ids yield task.ErrNotFound.
	Replace(ctx context.Context, t task.Task, expect task.Status) error
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// Clear removes every record in the collection.
	Clear(ctx context.Context) error
	// Scroll pages through all records. An empty next cursor means done.
	Scroll(ctx context.Context, cursor string, limit int) (page []task.Task, next string, err error)
	Ping(ctx context.Context) error
	Close() error
}

var reCollection = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func collectionName(raw string) (string, error) {
	c := strings.TrimSpace(raw)
	if c == "" {
		c = DefaultCollection
	}
	if !reCollection.MatchString(c) {
		return "", fmt.Errorf("registry.collection: invalid name %q (letters, digits, underscore)", raw)
	}
	return c, nil
}
