package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
)

// JobFunc is a unit of work given exclusive access to the single write
// connection, inside an already-open IMMEDIATE transaction. Returning an
// error rolls the transaction back; returning nil commits it at the next
// scheduled commit point (or immediately, if ForceCommit is in play).
type JobFunc func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx  context.Context
	fn   JobFunc
	done chan error
}

// Serializer is the single writer thread for one SQLite database: every
// mutation is submitted as a job and runs, one at a time, on the
// serializer's own goroutine, inside one shared long-lived transaction that
// is periodically committed and reopened. One serializer goroutine owns the
// SQL connection; nothing else writes.
type Serializer struct {
	name string
	db   *sql.DB

	commitPeriod      time.Duration
	checkpointPassive time.Duration
	checkpointFull    time.Duration
	journalZeroPeriod time.Duration

	jobs     chan *job
	forceC   chan chan error
	pauseC   chan chan error
	resumeC  chan struct{}
	stopC    chan struct{}
	stoppedC chan struct{}
	queueDep int64
	queueMu  sync.Mutex

	broker *events.Broker
}

// Config bundles the timing tunables read from pkg/config.
type Config struct {
	CommitPeriod          time.Duration
	WALCheckpointPassive  time.Duration
	WALCheckpointTruncate time.Duration
	JournalZeroPeriod     time.Duration
}

// Open opens dsn (a file path) with the pure-Go modernc.org/sqlite driver
// and returns a Serializer that has not yet been started.
func Open(name, dsn string, cfg Config) (*Serializer, error) {
	sqlDB, err := sql.Open("sqlite", dsn+"?_txlock=immediate")
	if err != nil {
		return nil, herr.Wrap(herr.Internal, fmt.Errorf("opening %s: %w", dsn, err))
	}
	sqlDB.SetMaxOpenConns(1)

	if cfg.CommitPeriod == 0 {
		cfg.CommitPeriod = 30 * time.Second
	}
	if cfg.WALCheckpointPassive == 0 {
		cfg.WALCheckpointPassive = 5 * time.Minute
	}
	if cfg.WALCheckpointTruncate == 0 {
		cfg.WALCheckpointTruncate = 15 * time.Minute
	}
	if cfg.JournalZeroPeriod == 0 {
		cfg.JournalZeroPeriod = 15 * time.Minute
	}

	return &Serializer{
		name:              name,
		db:                sqlDB,
		commitPeriod:      cfg.CommitPeriod,
		checkpointPassive: cfg.WALCheckpointPassive,
		checkpointFull:    cfg.WALCheckpointTruncate,
		journalZeroPeriod: cfg.JournalZeroPeriod,
		jobs:              make(chan *job, 64),
		forceC:            make(chan chan error),
		pauseC:            make(chan chan error),
		resumeC:           make(chan struct{}),
		stopC:             make(chan struct{}),
		stoppedC:          make(chan struct{}),
	}, nil
}

// DB exposes the underlying *sql.DB for read-only queries that don't need
// serialization; only mutation goes through the single writer.
func (s *Serializer) DB() *sql.DB { return s.db }

// SetBroker enables deferred event delivery: events a job queues via
// QueueOrPublish are held until the enclosing transaction commits. Must be
// called before Start.
func (s *Serializer) SetBroker(b *events.Broker) { s.broker = b }

// QueueDepth implements metrics.SerializerSource.
func (s *Serializer) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return int(s.queueDep)
}

// Submit enqueues fn and blocks until it has run. The job's work lands in
// the shared transaction and is committed at the next commit point; Submit
// does not wait for that commit. The caller's ctx cancellation only
// prevents waiting for the result; the job itself, once dequeued, always runs to completion so a half-applied
// mutation never lingers in the shared transaction.
func (s *Serializer) Submit(ctx context.Context, fn JobFunc) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.queueMu.Lock()
	s.queueDep++
	s.queueMu.Unlock()

	select {
	case s.jobs <- j:
	case <-s.stopC:
		return herr.New(herr.ShuttingDown, "serializer stopped")
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return herr.Wrap(herr.Internal, ctx.Err())
	}
}

// ForceCommit blocks until any currently-open transaction has committed.
func (s *Serializer) ForceCommit(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.forceC <- reply:
	case <-s.stopC:
		return herr.New(herr.ShuttingDown, "serializer stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return herr.Wrap(herr.Internal, ctx.Err())
	}
}

// PauseAndDisconnect commits any open transaction and blocks new jobs from
// starting until Resume is called. Used for hot backups and clean shutdown.
func (s *Serializer) PauseAndDisconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.pauseC <- reply:
	case <-s.stopC:
		return herr.New(herr.ShuttingDown, "serializer stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return herr.Wrap(herr.Internal, ctx.Err())
	}
}

// Resume releases a pause started by PauseAndDisconnect.
func (s *Serializer) Resume() {
	select {
	case s.resumeC <- struct{}{}:
	default:
	}
}

// Start runs the serializer loop on a new goroutine.
func (s *Serializer) Start() {
	go s.run()
}

// Stop commits any open transaction and stops accepting new jobs.
func (s *Serializer) Stop(ctx context.Context) error {
	close(s.stopC)
	select {
	case <-s.stoppedC:
		return nil
	case <-ctx.Done():
		return herr.Wrap(herr.Internal, ctx.Err())
	}
}

func (s *Serializer) run() {
	logger := log.WithComponent("db." + s.name)
	defer close(s.stoppedC)

	var tx *sql.Tx
	var windowPubs []*events.PendingPublisher
	commitTicker := time.NewTicker(s.commitPeriod)
	checkpointTicker := time.NewTicker(s.checkpointPassive)
	defer commitTicker.Stop()
	defer checkpointTicker.Stop()

	var fullCheckpointDue time.Time = time.Now().Add(s.checkpointFull)
	var journalZeroDue time.Time = time.Now().Add(s.journalZeroPeriod)

	ensureTx := func() error {
		if tx != nil {
			return nil
		}
		var err error
		tx, err = s.db.BeginTx(context.Background(), &sql.TxOptions{})
		return err
	}

	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		if err == nil {
			for _, p := range windowPubs {
				p.Flush()
			}
		} else {
			for _, p := range windowPubs {
				p.Discard()
			}
		}
		windowPubs = nil
		return err
	}

	rollback := func() {
		if tx != nil {
			_ = tx.Rollback()
			tx = nil
		}
		for _, p := range windowPubs {
			p.Discard()
		}
		windowPubs = nil
	}

	// Each job runs inside its own savepoint so a failing job rolls back
	// only its own work, never the other jobs sharing the commit window.
	runJob := func(j *job) {
		s.queueMu.Lock()
		s.queueDep--
		s.queueMu.Unlock()

		var pub *events.PendingPublisher
		jobCtx := j.ctx
		if s.broker != nil {
			pub = events.NewPendingPublisher(s.broker)
			jobCtx = withPublisher(jobCtx, pub)
		}

		outcome := "ok"
		timer := metrics.NewTimer()
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				rollback()
				j.done <- herr.FromRecover(r)
			}
			metrics.SerializerJobDuration.WithLabelValues(s.name).Observe(timer.Duration().Seconds())
			metrics.SerializerJobsTotal.WithLabelValues(s.name, outcome).Inc()
		}()

		if err := ensureTx(); err != nil {
			outcome = "error"
			j.done <- herr.Wrap(herr.Internal, err)
			return
		}
		if _, err := tx.ExecContext(jobCtx, "SAVEPOINT job"); err != nil {
			outcome = "error"
			rollback()
			j.done <- herr.Wrap(herr.Internal, err)
			return
		}
		if err := j.fn(jobCtx, tx); err != nil {
			outcome = "error"
			if pub != nil {
				pub.Discard()
			}
			if _, spErr := tx.ExecContext(context.Background(), "ROLLBACK TO job"); spErr != nil {
				rollback()
			} else {
				_, _ = tx.ExecContext(context.Background(), "RELEASE job")
			}
			j.done <- err
			return
		}
		if _, err := tx.ExecContext(context.Background(), "RELEASE job"); err != nil {
			outcome = "error"
			rollback()
			j.done <- herr.Wrap(herr.Internal, err)
			return
		}
		if pub != nil {
			windowPubs = append(windowPubs, pub)
		}
		j.done <- nil
	}

	checkpoint := func(mode string) {
		_, err := s.db.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
		if err != nil {
			logger.Warn().Err(err).Msg("wal checkpoint failed")
		}
	}

	for {
		select {
		case j := <-s.jobs:
			runJob(j)

		case reply := <-s.forceC:
			reply <- commit()

		case reply := <-s.pauseC:
			err := commit()
			reply <- err
			select {
			case <-s.resumeC:
			case <-s.stopC:
				return
			}

		case <-commitTicker.C:
			if err := commit(); err != nil {
				logger.Error().Err(err).Msg("periodic commit failed")
			}

		case <-checkpointTicker.C:
			// The pool is capped at one connection, so the checkpoint
			// would deadlock behind an open transaction.
			if err := commit(); err != nil {
				logger.Error().Err(err).Msg("pre-checkpoint commit failed")
				continue
			}
			now := time.Now()
			if now.After(fullCheckpointDue) {
				checkpoint("TRUNCATE")
				fullCheckpointDue = now.Add(s.checkpointFull)
			} else {
				checkpoint("PASSIVE")
			}
			if now.After(journalZeroDue) {
				_, _ = s.db.Exec("PRAGMA journal_size_limit = 0")
				journalZeroDue = now.Add(s.journalZeroPeriod)
			}

		case <-s.stopC:
			_ = commit()
			_ = s.db.Close()
			return
		}
	}
}
