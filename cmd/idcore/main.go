package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"idcore/internal/audit"
	"idcore/internal/config"
	"idcore/internal/credential"
	"idcore/internal/document"
	"idcore/internal/engine"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/migrate"
	"idcore/internal/obs"
	"idcore/internal/role"
	"idcore/internal/schema"
	"idcore/internal/store"
	"idcore/internal/store/memory"
	"idcore/internal/store/pg"
	"idcore/internal/user"
)

var version = "0.1.0"

// core bundles the wired services for the transport layer to consume.
type core struct {
	Roles       *role.Service
	Users       *engine.Engine
	Credentials *credential.Service
	Hub         *event.Hub
}

func main() {
	cfg := config.Load()
	obs.Init()
	log := obs.NewLogger()
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	var (
		st store.Store
		db *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalw("open postgres", "error", err)
		}
		defer pgStore.Close()
		db = pgStore.DB()
		if err := migrate.NewManager(db).Up(ctx); err != nil {
			log.Fatalw("apply migrations", "error", err)
		}
		st = pgStore
		log.Infow("using postgres store")
	} else {
		st = memory.New()
		log.Infow("using in-memory store")
	}

	indexes := []store.UniqueIndex{
		{Collection: role.Collection, Path: document.FieldSlug},
		{Collection: schema.TypeCollection, Path: document.FieldSlug},
		{Collection: user.Collection, Path: "email"},
		{Collection: user.Collection, Path: "username"},
	}
	for _, idx := range indexes {
		if err := st.EnsureUniqueIndex(ctx, idx); err != nil {
			log.Fatalw("ensure unique index", "collection", idx.Collection, "path", idx.Path, "error", err)
		}
	}

	c := wire(st, log)
	if err := c.Roles.EnsureAdministrators(ctx); err != nil {
		log.Fatalw("ensure administrator roles", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observabilityHandler(db),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Infow("starting idcore", "version", version, "addr", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Infow("stopped")
}

// wire builds the service graph: audit logging and the fan-out hub sit on
// the emitter, so every mutation is audited and published before the
// mutating call returns.
func wire(st store.Store, log *zap.SugaredLogger) core {
	memberships := identity.NewMemberships(st)
	emitter := event.NewEmitter()
	hub := event.NewHub()
	emitter.Register(audit.NewLogger(log).Handler())
	emitter.Register(hub.Handler())

	roles := role.NewService(st, memberships, emitter, log)
	users := user.NewEngine(st, memberships, emitter, schema.NewRegistry(st), log)
	credentials := credential.NewService(users, memberships, emitter, log)

	return core{
		Roles:       roles,
		Users:       users,
		Credentials: credentials,
		Hub:         hub,
	}
}

func observabilityHandler(db *sql.DB) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
