package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdvisoryLocker takes Postgres session advisory locks. Each held lock pins
// one pooled connection until it is released.
type AdvisoryLocker struct {
	DB *sql.DB
}

func (s *Store) Locker() *AdvisoryLocker { return &AdvisoryLocker{DB: s.DB} }

func (l *AdvisoryLocker) Lock(ctx context.Context, key int64) (func() error, error) {
	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", key, err)
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var released bool
		err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
		if err == nil && !released {
			err = fmt.Errorf("pg_advisory_unlock(%d): lock was not held", key)
		}
		return errors.Join(err, conn.Close())
	}, nil
}
