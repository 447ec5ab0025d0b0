package storage

import (
	"context"
	"fmt"
)

// Open returns the backend for driver ("sqlite" or "postgres"). PostgreSQL
// databases are migrated before the backend is returned.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteBackend(ctx, dsn)
	case "postgres":
		if err := RunMigrations(dsn); err != nil {
			return nil, err
		}
		return NewPostgresBackend(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
