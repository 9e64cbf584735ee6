// Package store is the embedded relational store described in spec §4.1:
// a single-writer SQLite database with WAL, versioned migrations, two FTS5
// virtual tables, and scoped transactions that always release their
// connection. It is modeled on the teacher's internal/db/sqlite package —
// a thin sqlx wrapper with a prepared-statement cache and a suture-managed
// maintenance service — generalized from Bloom-filter device indexes to
// the family-vault schema in SPEC_FULL.md.
package store

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/thejerf/suture/v4"

	"github.com/familyvault/engine/internal/logutil"
)

var l = logutil.NewFacility("store", "embedded relational store")

// Store owns the single writer connection pool for one device's database.
type Store struct {
	sql *sqlx.DB

	stmtMut sync.RWMutex
	stmts   map[string]*sqlx.Stmt

	writeMut sync.Mutex // single-writer discipline; readers pass through.
}

// Open opens (creating if necessary) the database file at path, applies
// pending migrations, and configures WAL + busy-timeout pragmas.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1) // single-writer; SQLite serializes anyway.

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{sql: db, stmts: make(map[string]*sqlx.Stmt)}, nil
}

func (s *Store) Close() error {
	s.stmtMut.Lock()
	defer s.stmtMut.Unlock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	return wrap("close", s.sql.Close())
}

// stmt returns a cached prepared statement, preparing it on first use.
func (s *Store) stmt(query string) (*sqlx.Stmt, error) {
	s.stmtMut.RLock()
	if st, ok := s.stmts[query]; ok {
		s.stmtMut.RUnlock()
		return st, nil
	}
	s.stmtMut.RUnlock()

	s.stmtMut.Lock()
	defer s.stmtMut.Unlock()
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.sql.Preparex(query)
	if err != nil {
		return nil, wrap("prepare", err)
	}
	s.stmts[query] = st
	return st, nil
}

// Exec retries transient Busy errors with jittered backoff, the store
// layer's only self-recovering error class per spec §7. It returns the
// number of rows the statement affected.
func (s *Store) Exec(query string, args ...interface{}) (int64, error) {
	st, err := s.stmt(query)
	if err != nil {
		return 0, err
	}
	var res sqlx.Result
	err = retryBusy(func() error {
		var execErr error
		res, execErr = st.Exec(args...)
		return execErr
	})
	if err != nil {
		return 0, wrap("exec", err)
	}
	return res.RowsAffected()
}

// Select streams rows into dest, a pointer to a slice.
func (s *Store) Select(dest interface{}, query string, args ...interface{}) error {
	st, err := s.stmt(query)
	if err != nil {
		return err
	}
	return wrap("select", st.Select(dest, args...))
}

// Get fetches a single row into dest, returning ErrNoRows-classified
// errors unwrapped so callers can check with errors.Is(err, sql.ErrNoRows).
func (s *Store) Get(dest interface{}, query string, args ...interface{}) error {
	st, err := s.stmt(query)
	if err != nil {
		return err
	}
	if err := st.Get(dest, args...); err != nil {
		return err // intentionally unwrapped: callers match sql.ErrNoRows
	}
	return nil
}

func retryBusy(f func() error) error {
	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		classified := wrap("retry", err)
		se, ok := classified.(*Error)
		if !ok || se.Kind != KindBusy {
			return err
		}
		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
		time.Sleep(backoff)
	}
	return err
}

// Service returns a suture.Service that periodically runs WAL checkpoints
// and ANALYZE, the same upkeep shape as the teacher's
// internal/db/sqlite db_service.go maintenance loop.
func (s *Store) Service(interval time.Duration) suture.Service {
	return &maintenanceService{store: s, interval: interval}
}

type maintenanceService struct {
	store    *Store
	interval time.Duration
}

func (m *maintenanceService) Serve(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := m.store.sql.Exec(`PRAGMA optimize`); err != nil {
				l.Warnln("pragma optimize:", err)
			}
			if _, err := m.store.sql.Exec(`PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
				l.Warnln("wal checkpoint:", err)
			}
		}
	}
}
