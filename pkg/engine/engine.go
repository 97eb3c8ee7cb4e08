// Package engine composes every subsystem into one value with a
// deterministic lifecycle: Start opens the databases and blob store and
// loads caches, Run schedules the periodic workers, Shutdown stops the
// schedulers, drains the serializer, and closes everything in reverse
// order.
package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/account"
	"github.com/nedfreetoplay/hydrus/pkg/blobstore"
	"github.com/nedfreetoplay/hydrus/pkg/bundler"
	"github.com/nedfreetoplay/hydrus/pkg/config"
	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/master"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
	"github.com/nedfreetoplay/hydrus/pkg/nullify"
	"github.com/nedfreetoplay/hydrus/pkg/petition"
	"github.com/nedfreetoplay/hydrus/pkg/repo"
	"github.com/nedfreetoplay/hydrus/pkg/scheduler"
	"github.com/nedfreetoplay/hydrus/pkg/service"
	"github.com/nedfreetoplay/hydrus/pkg/session"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Engine is the composed repository server core.
type Engine struct {
	Config *config.Config

	Serializer *db.Serializer
	Broker     *events.Broker
	Registry   *service.Registry
	Master     *master.Store
	Repo       *repo.Store
	Accounts   *account.Store
	Sessions   *session.Manager
	Petitions  *petition.Engine
	Bundler    *bundler.Bundler
	Nullifier  *nullify.Worker
	Blob       *blobstore.Store
	Reaper     *blobstore.Reaper
	Collector  *metrics.Collector

	Pool      *scheduler.WorkerPool
	FastSched *scheduler.Scheduler
	SlowSched *scheduler.Scheduler

	Busy BusyGate
}

// Start opens everything under cfg.DBDir and loads the in-memory caches. No
// periodic work runs until Run.
func Start(cfg *config.Config) (*Engine, error) {
	logger := log.WithComponent("engine")

	for _, sub := range []string{"", "server_files", "server_backup"} {
		if err := os.MkdirAll(filepath.Join(cfg.DBDir, sub), 0o755); err != nil {
			return nil, herr.Wrap(herr.Internal, err)
		}
	}

	ser, err := db.Open("main", filepath.Join(cfg.DBDir, "server.db"), db.Config{
		CommitPeriod:          cfg.TransactionCommitPeriod,
		WALCheckpointPassive:  cfg.WALCheckpointPassive,
		WALCheckpointTruncate: cfg.WALCheckpointTruncate,
		JournalZeroPeriod:     cfg.JournalZeroPeriod,
	})
	if err != nil {
		return nil, err
	}
	if err := ser.Attach("external_master", filepath.Join(cfg.DBDir, "server.master.db")); err != nil {
		return nil, err
	}
	if err := ser.Attach("external_mappings", filepath.Join(cfg.DBDir, "server.mappings.db")); err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := db.InitSchema(ctx, ser.DB()); err != nil {
		return nil, err
	}

	blob, err := blobstore.Open(filepath.Join(cfg.DBDir, "server_files"))
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	ser.SetBroker(broker)
	masterStore := master.NewStore()
	repoStore := repo.NewStore(masterStore)
	repoStore.Broker = broker
	accounts := account.NewStore(repoStore, broker)
	accounts.SetReadDB(ser.DB())
	sessions := session.NewManager(accounts, cfg.SessionTTL)
	registry := service.NewRegistry(broker)
	bund := bundler.New(repoStore, blob, broker)
	petitions := petition.NewEngine(repoStore, accounts, broker)
	petitions.MaterializeTimeout = cfg.PetitionMaterializeTimeout

	e := &Engine{
		Config:     cfg,
		Serializer: ser,
		Broker:     broker,
		Registry:   registry,
		Master:     masterStore,
		Repo:       repoStore,
		Accounts:   accounts,
		Sessions:   sessions,
		Petitions:  petitions,
		Bundler:    bund,
		Nullifier:  nullify.New(repoStore, accounts, bund, broker),
		Blob:       blob,
	}
	e.Reaper = blobstore.NewReaper(blob, &deferredQueue{engine: e}, broker)
	e.Collector = metrics.NewCollector(sessions, accounts, e.Reaper, ser)

	e.Pool = scheduler.NewWorkerPool(cfg.SchedulerPoolSize)
	e.Pool.SetQuota("misc", cfg.SchedulerMiscQuota)
	e.FastSched = scheduler.NewScheduler(scheduler.TierFast, e.Pool, broker)
	e.SlowSched = scheduler.NewScheduler(scheduler.TierSlow, e.Pool, broker)

	if err := registry.Load(ctx, ser.DB()); err != nil {
		return nil, err
	}
	if err := sessions.Rehydrate(ctx, ser.DB(), time.Now()); err != nil {
		return nil, err
	}
	if n, err := repoStore.PendingDeleteCount(ctx, ser.DB()); err == nil {
		e.Reaper.SetPending(n)
	}

	metrics.RegisterComponent("db", true, "")
	metrics.RegisterComponent("blobstore", true, "")

	logger.Info().Str("db_dir", cfg.DBDir).Int("services", len(registry.All())).Msg("engine started")
	return e, nil
}

// submit runs fn as a serializer job.
func (e *Engine) submit(ctx context.Context, fn db.JobFunc) error {
	return e.Serializer.Submit(ctx, fn)
}

// deferredQueue adapts the repo deferred-delete tables to the reaper's
// queue interface, one serializer job per pop/ack.
type deferredQueue struct {
	engine *Engine
}

func (d *deferredQueue) PopDeferredDelete(ctx context.Context) (file, thumbnail *types.Hash, ok bool, err error) {
	err = d.engine.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		var jobErr error
		file, thumbnail, ok, jobErr = d.engine.Repo.PopDeferredDelete(jobCtx, tx)
		return jobErr
	})
	return file, thumbnail, ok, err
}

func (d *deferredQueue) AckDeferredDelete(ctx context.Context, file, thumbnail *types.Hash) error {
	return d.engine.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		return d.engine.Repo.AckDeferredDelete(jobCtx, tx, file, thumbnail)
	})
}

// Run starts the serializer, broker, schedulers, collector, and the
// periodic jobs, then returns; the caller owns process lifetime.
func (e *Engine) Run() {
	e.Serializer.Start()
	e.Broker.Start()
	e.FastSched.Start()
	e.SlowSched.Start()
	e.Collector.Start()
	metrics.RegisterComponent("scheduler", true, "")

	e.FastSched.Schedule(&scheduler.Job{
		ID: "reaper", Name: "deferred blob delete", Quota: "misc",
		Period:       time.Second,
		WakeOnPubsub: string(events.EventBlobEnqueuedForGC),
		Fn: func(ctx context.Context) {
			e.Reaper.Tick(ctx)
		},
	}, time.Second)

	e.SlowSched.Schedule(&scheduler.Job{
		ID: "bundler", Name: "update bundler",
		Period:        30 * time.Second,
		WakeOnPubsub:  string(events.EventServiceDirty),
		DelayOnWakeup: true,
		Fn:            e.runBundler,
	}, 10*time.Second)

	e.SlowSched.Schedule(&scheduler.Job{
		ID: "nullifier", Name: "authorship nullifier",
		Period:        time.Hour,
		DelayOnWakeup: true,
		Fn:            e.runNullifier,
	}, time.Minute)

	e.SlowSched.Schedule(&scheduler.Job{
		ID: "session-prune", Name: "session prune",
		Period: 10 * time.Minute,
		Fn: func(ctx context.Context) {
			_ = e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
				return e.Sessions.Prune(jobCtx, tx, time.Now())
			})
		},
	}, 10*time.Minute)

	e.SlowSched.Schedule(&scheduler.Job{
		ID: "service-persist", Name: "persist dirty services",
		Period: 30 * time.Second,
		Fn: func(ctx context.Context) {
			_ = e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
				return e.Registry.PersistDirty(jobCtx, tx)
			})
		},
	}, 30*time.Second)

	go e.watchSessionRefresh()
}

func (e *Engine) runBundler(ctx context.Context) {
	if err := e.Busy.TryAcquire("bundler"); err != nil {
		return
	}
	defer e.Busy.Release()

	logger := log.WithComponent("bundler")
	for _, svc := range e.Registry.Repositories() {
		svc := svc
		err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
			_, err := e.Bundler.SyncService(jobCtx, tx, svc, time.Now())
			return err
		})
		if err != nil {
			logger.Error().Err(err).Int64("service_id", svc.ID).Msg("bundle sync failed")
		}
	}
}

func (e *Engine) runNullifier(ctx context.Context) {
	if err := e.Busy.TryAcquire("nullifier"); err != nil {
		return
	}
	defer e.Busy.Release()

	for _, svc := range e.Registry.Repositories() {
		e.Nullifier.Cycle(ctx, e.submit, svc, nullify.CycleBudget)
	}
}

// watchSessionRefresh applies account-mutation events to the session cache.
func (e *Engine) watchSessionRefresh() {
	sub := e.Broker.Subscribe()
	for ev := range sub {
		switch ev.Type {
		case events.EventSessionRefresh:
			key, err := types.KeyFromHex(ev.Message)
			if err != nil {
				continue
			}
			_ = e.submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
				return e.Sessions.RefreshAccounts(ctx, tx, ev.ServiceID, []types.Key{key})
			})
		case events.EventSessionsRefreshed:
			_ = e.submit(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
				return e.Sessions.RefreshAll(ctx, tx, ev.ServiceID)
			})
		}
	}
}

// Shutdown tears the engine down in dependency order: schedulers first so
// no new jobs arrive, then the collector and broker, then the serializer
// (committing any open transaction), which closes the databases.
func (e *Engine) Shutdown(ctx context.Context) error {
	logger := log.WithComponent("engine")

	e.FastSched.Stop()
	e.SlowSched.Stop()
	e.Collector.Stop()

	err := e.Serializer.Stop(ctx)
	e.Broker.Stop()

	if err != nil {
		logger.Error().Err(err).Msg("serializer drain failed")
		return err
	}
	logger.Info().Msg("engine stopped")
	return nil
}

// ProvisionService adds a service: the registry row, its tables, the null
// account, the update schedule, and one admin account whose access key is
// returned exactly once.
func (e *Engine) ProvisionService(ctx context.Context, svcType types.ServiceType, name string, port int, opts service.Options) (*service.Service, []byte, error) {
	var (
		svc       *service.Service
		accessKey []byte
	)
	err := e.submit(ctx, func(jobCtx context.Context, tx *sql.Tx) error {
		now := time.Now()

		var err error
		svc, err = e.Registry.Add(jobCtx, tx, svcType, name, port, opts)
		if err != nil {
			return err
		}
		if err := e.Repo.CreateServiceTables(jobCtx, tx, svc.ID); err != nil {
			return err
		}
		if _, err := e.Accounts.CreateNullAccount(jobCtx, tx, svc.ID, now); err != nil {
			return err
		}
		if svc.IsRepository() {
			if err := e.Bundler.InitSchedule(jobCtx, tx, svc, now); err != nil {
				return err
			}
		}
		_, accessKey, err = e.Accounts.CreateAdminAccount(jobCtx, tx, svc.ID, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, accessKey, nil
}
