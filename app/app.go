// app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"nearview/cache"
	"nearview/config"
	"nearview/filestore"
	"nearview/ingest"
	"nearview/keys"
	"nearview/logs"
	"nearview/query"
	"nearview/redisstore"
	"nearview/shards"
	statedb "nearview/stateDB"
	"nearview/stats"
	"nearview/storage"
	"nearview/vm"
	"nearview/workers"
)

// App owns every long-lived component. Nothing in the process is global:
// commands and tests build one App, use it, and Close it.
type App struct {
	Config  *config.Config
	Engine  storage.Engine
	Sandbox *vm.Sandbox
	Pool    *workers.Pool
	Query   *query.Service
	Ingest  *ingest.Handler
	Metrics *stats.Metrics
	Latency *stats.LatencyRecorder

	// 嵌入式 KV 实例，用于物理压缩
	local []*statedb.DB
}

// Options tweak New. The zero value opens everything.
type Options struct {
	// Registerer receives the prometheus collectors; nil skips registration.
	Registerer prometheus.Registerer

	// StateOnly skips the sandbox and the worker pool.
	StateOnly bool
}

// New opens storage and, unless opts.StateOnly, starts the sandbox and the
// worker pool. Components are started in dependency order and closed in
// reverse.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Metrics: stats.NewMetrics(opts.Registerer),
		Latency: stats.NewLatencyRecorder(4096),
	}

	engine, local, err := openStorage(ctx, cfg, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.Engine, a.local = engine, local
	logs.Info("storage opened: backend=%s shards=%d cache=%v", cfg.Storage.Backend, cfg.Storage.Shards, cfg.Cache.Enabled)

	a.Ingest = ingest.New(a.Engine, ingest.Config{
		KeepHistory: cfg.Ingest.KeepHistory,
		Metrics:     a.Metrics,
		Latency:     a.Latency,
	})
	qcfg := query.Config{MinBlockHeight: cfg.Query.MinBlockHeight, ScanLimit: cfg.Query.ScanLimit}

	if opts.StateOnly {
		a.Query = query.New(a.Engine, nil, nil, qcfg)
		return a, nil
	}

	a.Sandbox, err = vm.New(ctx, vm.Config{
		ModuleCacheSize:  cfg.Sandbox.ModuleCacheSize,
		MemoryLimitPages: cfg.Sandbox.MemoryLimitPages,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Pool, err = workers.New(a.Sandbox, a.Engine, workers.Config{
		Workers: cfg.Sandbox.Workers,
		Timeout: cfg.Sandbox.Timeout,
		Metrics: a.Metrics,
		Latency: a.Latency,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Query = query.New(a.Engine, a.Sandbox, a.Pool, qcfg)
	return a, nil
}

// Close stops the pool, the sandbox and the storage engine, in that order.
func (a *App) Close() error {
	var errs []error
	if a.Pool != nil {
		errs = append(errs, a.Pool.Close())
	}
	if a.Sandbox != nil {
		errs = append(errs, a.Sandbox.Close(context.Background()))
	}
	if a.Engine != nil {
		errs = append(errs, a.Engine.Close())
	}
	return errors.Join(errs...)
}

// Compact collapses the history of one composite key below threshold. On
// the embedded backends the account's key range is then compacted on disk.
func (a *App) Compact(ctx context.Context, scope keys.Scope, account string, subKey []byte, threshold uint64) error {
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %q", byte(scope))
	}
	comp := keys.Composite(scope, account, subKey)
	if err := a.Engine.WriteBatch(ctx, func(b storage.Batch) error {
		return b.CleanOlderData(comp, threshold)
	}); err != nil {
		return fmt.Errorf("clean %s %s: %w", scope, account, err)
	}
	for _, db := range a.local {
		if err := db.CompactAccount(account); err != nil {
			return fmt.Errorf("compact %s: %w", account, err)
		}
	}
	return nil
}

// openStorage builds the engine stack described by cfg: one backend
// instance per shard, the shard router when there is more than one, and
// the read cache on top.
func openStorage(ctx context.Context, cfg *config.Config, metrics *stats.Metrics) (storage.Engine, []*statedb.DB, error) {
	sc := cfg.Storage
	n := sc.Shards
	if n <= 0 {
		n = 1
	}

	var (
		engines []storage.Engine
		local   []*statedb.DB
	)
	closeAll := func() {
		for _, e := range engines {
			_ = e.Close()
		}
	}
	for i := 0; i < n; i++ {
		dir := sc.DataDir
		prefix := sc.RedisPrefix
		if n > 1 {
			dir = filepath.Join(sc.DataDir, fmt.Sprintf("shard-%02d", i))
			prefix = fmt.Sprintf("%ss%d:", sc.RedisPrefix, i)
		}

		var (
			e   storage.Engine
			err error
		)
		switch sc.Backend {
		case config.BackendPebble, config.BackendBadger, config.BackendLevelDB:
			var db *statedb.DB
			db, err = statedb.New(statedb.Config{Backend: sc.Backend, DataDir: dir, MaxSubKeyLength: sc.MaxSubKeyLength})
			if err == nil {
				local = append(local, db)
				e = db
			}
		case config.BackendFile:
			e, err = filestore.Open(filestore.Config{Dir: dir, MaxSubKeyLength: sc.MaxSubKeyLength})
		case config.BackendRedis:
			e, err = redisstore.New(ctx, redisstore.Config{
				Addr:            sc.RedisAddr,
				DB:              sc.RedisDB,
				Prefix:          prefix,
				MaxSubKeyLength: sc.MaxSubKeyLength,
			})
		default:
			err = fmt.Errorf("unknown storage backend %q", sc.Backend)
		}
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open %s shard %d: %w", sc.Backend, i, err)
		}
		engines = append(engines, e)
	}

	engine := engines[0]
	if n > 1 {
		router, err := shards.New(engines...)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		engine = router
	}
	if cfg.Cache.Enabled {
		cached, err := cache.New(engine, cache.Config{
			Size:      cfg.Cache.Size,
			LatestTTL: cfg.Cache.LatestTTL,
			Metrics:   metrics,
		})
		if err != nil {
			_ = engine.Close()
			return nil, nil, err
		}
		engine = cached
	}
	return engine, local, nil
}
