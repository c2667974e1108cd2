/*
Package store is CoreMachine's state store: the Postgres-backed record
of every Job, Stage, and Task, and the home of
complete_task_and_check_stage, the advisory-lock primitive that makes
"last task turns out the lights" stage completion correct under
concurrent consumers (spec §4.3).

Grounded on the teacher's internal/data/repos/jobs/job_run.go for the
general repository shape (a struct wrapping *gorm.DB and a component
logger, methods taking an explicit transaction-or-default) and on
internal/jobs/learning/steps/concept_graph_build.go's advisoryXactLock/
advisoryKey64 helpers for the transaction-scoped advisory lock itself
(Open Question 1: the lock is transaction-scoped, released on
COMMIT/ROLLBACK via pg_advisory_xact_lock, never session-scoped).
*/
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

// Store is the state store handle. It owns a *gorm.DB connection pool and
// the advisory-lock namespace used to derive lock keys.
type Store struct {
	db        *gorm.DB
	log       *logger.Logger
	namespace int64
}

// New constructs a Store over an already-connected *gorm.DB and the
// configured advisory-lock namespace (spec §6's advisory_lock_namespace).
func New(db *gorm.DB, log *logger.Logger, namespace int64) *Store {
	return &Store{db: db, log: log.With("component", "store"), namespace: namespace}
}

// AutoMigrate creates/updates the jobs, stages, and tasks tables. Called
// once at startup by the composition root, the way the teacher's
// testutil.DB helper auto-migrates its full model set for tests.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&model.Job{}, &model.Stage{}, &model.Task{})
}

// txOrDB returns tx if non-nil, else the store's pooled connection —
// the same "transaction.Tx if set, else r.db" pattern job_run.go's
// repository methods use throughout.
func (s *Store) txOrDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

var errRecordNotFound = gorm.ErrRecordNotFound

// IsNotFound reports whether err is the store's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, errRecordNotFound)
}
