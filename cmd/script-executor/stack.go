package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/admission"
	"github.com/marektomas-cz/script-executor/pkg/api"
	"github.com/marektomas-cz/script-executor/pkg/archive"
	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/broker"
	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/dispatch"
	"github.com/marektomas-cz/script-executor/pkg/events"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/killswitch"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
	"github.com/marektomas-cz/script-executor/pkg/policy"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/secrets"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/token"
	"github.com/marektomas-cz/script-executor/pkg/validator"
	"github.com/marektomas-cz/script-executor/pkg/watchdog"

	_ "github.com/lib/pq"       // postgres driver
	_ "modernc.org/sqlite"      // sqlite driver for lite mode
)

// stack is the fully wired broker process.
type stack struct {
	cfg *config.Config

	db *sql.DB
	kv cache.KV

	catalog    *store.Catalog
	logs       *execlog.Store
	vault      *secrets.Store
	tokens     *token.Broker
	engine     *policy.Engine
	metrics    *metrics.Metrics
	killSwitch *killswitch.Switch
	dog        *watchdog.Watchdog
	dispatcher *dispatch.Dispatcher
	broker     *broker.Broker
	server     *api.Server
}

func (s *stack) close() {
	_ = s.kv.Close()
	_ = s.db.Close()
}

// openDB selects the storage backend: postgres when store.url is set, the
// embedded sqlite file otherwise.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, string, error) {
	if cfg.Store.URL != "" {
		db, err := sql.Open("postgres", cfg.Store.URL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, "", fmt.Errorf("ping postgres: %w", err)
		}
		return db, "postgres", nil
	}
	db, err := store.OpenLite(cfg.Store.LitePath)
	if err != nil {
		return nil, "", err
	}
	return db, "sqlite", nil
}

func openKV(cfg *config.Config) (cache.KV, error) {
	if cfg.Cache.URL != "" {
		return cache.NewRedis(cfg.Cache.URL)
	}
	return cache.NewMemory(), nil
}

// buildStack wires every component against the configured backends and
// runs store migrations. The caller owns close().
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	db, dialect, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	kv, err := openKV(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	fail := func(err error) (*stack, error) {
		_ = kv.Close()
		db.Close()
		return nil, err
	}

	auditor := audit.NewLogger()

	catalog, err := store.New(db, dialect)
	if err != nil {
		return fail(err)
	}
	if err := catalog.Init(ctx); err != nil {
		return fail(err)
	}
	logs, err := execlog.New(db, dialect)
	if err != nil {
		return fail(err)
	}
	if err := logs.Init(ctx); err != nil {
		return fail(err)
	}

	secretKey, err := cfg.SubKey("secrets", 32)
	if err != nil {
		return fail(err)
	}
	vault, err := secrets.New(db, dialect, secretKey, auditor)
	if err != nil {
		return fail(err)
	}
	if err := vault.Init(ctx); err != nil {
		return fail(err)
	}

	tokenKey, err := cfg.SubKey("tokens", 32)
	if err != nil {
		return fail(err)
	}
	tokens, err := token.New(tokenKey, kv, auditor)
	if err != nil {
		return fail(err)
	}

	engine, err := policy.New()
	if err != nil {
		return fail(err)
	}

	m := metrics.New()

	worker, err := sandbox.NewHTTPWorker(cfg.Sandbox, logger)
	if err != nil {
		return fail(err)
	}

	ks := killswitch.New(kv, cfg.KillSwitch, m, auditor, logger)
	dog := watchdog.New(worker, logs, tokens, ks,
		time.Duration(cfg.Watchdog.IntervalMS)*time.Millisecond,
		time.Duration(cfg.KillSwitch.LongRunningS)*time.Second,
		m, auditor, logger)
	ks.SetTerminator(dog)

	slots := dispatch.NewSlots(cfg.Execution.MaxConcurrent, m.ConcurrentExecutions)
	ctrl := admission.New(kv, ks, engine, logs, slots.InFlight, cfg, m, auditor, logger)

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fail(err)
	}

	v := validator.New(cfg.Validator)

	dispatcher := dispatch.New(dispatch.Deps{
		Validator: v,
		Admission: ctrl,
		Catalog:   catalog,
		Logs:      logs,
		Tokens:    tokens,
		Worker:    worker,
		Archive:   arch,
		Watchdog:  dog,
		Slots:     slots,
		Outcomes:  ks,
		Config:    cfg,
		Metrics:   m,
		Auditor:   auditor,
		Logger:    logger,
	})

	var sink events.Sink = events.NewRegistry()
	if cfg.Events.WebhookURL != "" {
		sink = events.NewHTTPSink(cfg.Events.WebhookURL)
	}

	brk, err := broker.New(broker.Deps{
		Catalog: catalog,
		Logs:    logs,
		Tokens:  tokens,
		Dog:     dog,
		Secrets: vault,
		Policy:  engine,
		Sink:    sink,
		Config:  cfg,
		Metrics: m,
		Auditor: auditor,
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}

	server := api.NewServer(api.Deps{
		Dispatcher: dispatcher,
		Broker:     brk,
		Catalog:    catalog,
		Logs:       logs,
		KV:         kv,
		Validator:  v,
		Secrets:    vault,
		KillSwitch: ks,
		Worker:     worker,
		Metrics:    m,
		Config:     cfg,
		Logger:     logger,
	})

	return &stack{
		cfg:        cfg,
		db:         db,
		kv:         kv,
		catalog:    catalog,
		logs:       logs,
		vault:      vault,
		tokens:     tokens,
		engine:     engine,
		metrics:    m,
		killSwitch: ks,
		dog:        dog,
		dispatcher: dispatcher,
		broker:     brk,
		server:     server,
	}, nil
}
