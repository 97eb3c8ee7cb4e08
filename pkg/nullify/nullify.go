// Package nullify implements the scheduled erasure of authorship: once an
// update's window has aged past the service's nullification period, every
// current and deleted row in that window has its account_id rewritten to
// the service's null account.
package nullify

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/account"
	"github.com/nedfreetoplay/hydrus/pkg/bundler"
	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/service"
)

// Pacing limits for one cycle.
const (
	CycleBudget = time.Hour
	MaxBackoff  = 2 * time.Minute
)

// SubmitFunc runs one unit of database work; the engine binds it to the DB
// serializer so each update's rewrite is its own job.
type SubmitFunc func(ctx context.Context, fn db.JobFunc) error

// Worker walks each service's update index in order, nullifying aged
// windows.
type Worker struct {
	Repo     *repo.Store
	Accounts *account.Store
	Bundler  *bundler.Bundler
	broker   *events.Broker
}

// New returns a nullification worker. broker may be nil.
func New(r *repo.Store, a *account.Store, b *bundler.Bundler, broker *events.Broker) *Worker {
	return &Worker{Repo: r, Accounts: a, Bundler: b, broker: broker}
}

// ProcessOne handles the service's oldest not-yet-nullified update. It
// reports advanced=false when there is nothing old enough to touch yet. An
// empty window still advances the index by one.
func (w *Worker) ProcessOne(ctx context.Context, q db.Querier, svc *service.Service, now time.Time) (advanced bool, rows int64, err error) {
	var idx int64
	scanErr := q.QueryRowContext(ctx,
		`SELECT next_nullification_update_index FROM update_schedule WHERE service_id = ?`, svc.ID).Scan(&idx)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return false, 0, nil
	}
	if scanErr != nil {
		return false, 0, herr.Wrap(herr.Internal, scanErr)
	}

	meta, ok, err := w.Bundler.MetadataAt(ctx, q, svc.ID, idx)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}
	if time.Unix(meta.End, 0).Add(svc.Options.NullificationPeriod).After(now) {
		return false, 0, nil
	}

	nullAccountID, err := w.Accounts.NullAccountID(ctx, q, svc.ID)
	if err != nil {
		return false, 0, err
	}

	rows, err = w.Repo.NullifyWindow(ctx, q, svc.ID, nullAccountID, meta.Begin+1, meta.End)
	if err != nil {
		return false, rows, err
	}

	if _, err := q.ExecContext(ctx,
		`UPDATE update_schedule SET next_nullification_update_index = ? WHERE service_id = ?`,
		idx+1, svc.ID); err != nil {
		return false, rows, herr.Wrap(herr.Internal, err)
	}

	metrics.NullificationRowsTotal.WithLabelValues(svc.Name).Add(float64(rows))
	return true, rows, nil
}

// Cycle processes aged updates one serializer job at a time until nothing
// is left, the budget runs out, or ctx is cancelled. Between updates it
// backs off for as long as the work took, capped at MaxBackoff, so the
// sweep never starves foreground jobs.
func (w *Worker) Cycle(ctx context.Context, submit SubmitFunc, svc *service.Service, budget time.Duration) {
	logger := log.WithComponent("nullify").With().Int64("service_id", svc.ID).Logger()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NullificationCycleDuration)

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		var (
			advanced bool
			rows     int64
		)
		workStart := time.Now()
		err := submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
			var jobErr error
			advanced, rows, jobErr = w.ProcessOne(jobCtx, tx, svc, time.Now())
			return jobErr
		})
		if err != nil {
			logger.Error().Err(err).Msg("nullification job failed")
			return
		}
		if !advanced {
			break
		}
		logger.Info().Int64("rows", rows).Msg("update window nullified")

		backoff := time.Since(workStart)
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	if w.broker != nil {
		w.broker.Publish(&events.Event{Type: events.EventNullificationDone, ServiceID: svc.ID})
	}
}
