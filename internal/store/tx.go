package store

import (
	"strconv"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
)

// Tx is a scoped transaction handle. Nesting inside an open Tx goes
// through Tx.WithSavepoint; Store.WithTx does not detect an enclosing Tx.
type Tx struct {
	sqlx *sqlx.Tx
	sp   string // non-empty when this Tx is actually a savepoint.
}

func (t *Tx) Exec(query string, args ...interface{}) (int64, error) {
	res, err := t.sqlx.Exec(query, args...)
	if err != nil {
		return 0, wrap("tx exec", err)
	}
	return res.LastInsertId()
}

func (t *Tx) Select(dest interface{}, query string, args ...interface{}) error {
	return wrap("tx select", t.sqlx.Select(dest, query, args...))
}

func (t *Tx) Get(dest interface{}, query string, args ...interface{}) error {
	return t.sqlx.Get(dest, query, args...)
}

var savepointSeq int64

// WithTx runs fn inside a transaction, guaranteeing rollback-or-commit on
// every exit path including panics. It always begins a new transaction:
// a WithTx call made from inside fn is not turned into a SAVEPOINT and
// waits for the store's single connection, which fn's transaction holds.
// Tx.WithSavepoint is the nesting form, since SQLite transactions do not
// nest.
func (s *Store) WithTx(fn func(tx *Tx) error) (err error) {
	sqlxTx, err := s.sql.Beginx()
	if err != nil {
		return wrap("begin", err)
	}
	tx := &Tx{sqlx: sqlxTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlxTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlxTx.Rollback()
			return
		}
		err = wrap("commit", sqlxTx.Commit())
	}()

	err = fn(tx)
	return err
}

// WithSavepoint runs fn as a named savepoint within an already-open Tx,
// releasing it on success and rolling back to it on failure without
// aborting the enclosing transaction.
func (t *Tx) WithSavepoint(fn func(tx *Tx) error) (err error) {
	name := "sp" + strconv.FormatInt(atomic.AddInt64(&savepointSeq, 1), 10)
	if _, execErr := t.sqlx.Exec("SAVEPOINT " + name); execErr != nil {
		return wrap("savepoint", execErr)
	}
	nested := &Tx{sqlx: t.sqlx, sp: name}

	defer func() {
		if p := recover(); p != nil {
			_, _ = t.sqlx.Exec("ROLLBACK TO " + name)
			panic(p)
		}
		if err != nil {
			_, _ = t.sqlx.Exec("ROLLBACK TO " + name)
			return
		}
		_, err = t.sqlx.Exec("RELEASE " + name)
	}()

	err = fn(nested)
	return err
}
