package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"invoicegate.org/internal/auth"
	"invoicegate.org/internal/authority"
	"invoicegate.org/internal/batch"
	"invoicegate.org/internal/config"
	"invoicegate.org/internal/httpapi"
	"invoicegate.org/internal/intake"
	"invoicegate.org/internal/migrate"
	"invoicegate.org/internal/obs"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/store/pg"
	"invoicegate.org/internal/stream"
	"invoicegate.org/internal/transmission"
	"invoicegate.org/internal/vault"
	"invoicegate.org/internal/webhook"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// fanout delivers each status change to every publisher in order.
type fanout []transmission.Publisher

func (f fanout) Publish(change transmission.StatusChange) {
	for _, p := range f {
		p.Publish(change)
	}
}

type stores struct {
	transmissions transmission.Store
	keys          vault.KeyStore
	notifications webhook.Store
	pg            *pg.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}

	log, err := obs.NewLogger(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("configure logger")
	}
	obs.SetLogger(log)
	obs.Init()
	obs.SetServiceInfo("transmitd", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}

	keys, err := vault.New(st.keys, cfg.VaultConfig(), vault.WithMasterKey(cfg.Vault.MasterKey), vault.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("build vault")
	}
	if err := keys.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("load keys")
	}

	breakers, breakerLog := newBreakers(ctx, cfg, st.pg, log)

	gate, err := ratelimit.New(cfg.RateLimit.Tiers, ratelimit.WithIdleTTL(cfg.RateLimit.IdleTTL), ratelimit.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("build admission gate")
	}
	for scope, tier := range cfg.RateLimit.Assignments {
		if err := gate.Assign(scope, tier); err != nil {
			log.Fatal().Err(err).Str("scope", scope).Msg("assign tier")
		}
	}
	gate.Start(ctx)

	client, err := authority.NewClient(cfg.AuthorityConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("build authority client")
	}

	notifier, err := webhook.New(st.notifications, cfg.WebhookConfig(), webhook.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("build webhook notifier")
	}
	if err := notifier.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start webhook notifier")
	}

	events := stream.New[transmission.StatusChange]()
	publishers := fanout{events}
	var statusPub *intake.StatusPublisher
	if cfg.Kafka.StatusTopic != "" && len(cfg.Kafka.Brokers) > 0 {
		statusPub, err = intake.NewStatusPublisher(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic, log)
		if err != nil {
			log.Fatal().Err(err).Msg("build status publisher")
		}
		publishers = append(publishers, statusPub)
	}

	orch, err := transmission.New(transmission.Dependencies{
		Store:     st.transmissions,
		Cipher:    keys,
		Authority: client,
		Gate:      gate,
		Breakers:  breakers,
		Policy:    retry.NewPolicy(retry.WithMaxDelay(cfg.Retry.MaxDelay)),
		Notifier:  notifier,
		Publisher: publishers,
	}, cfg.OrchestratorConfig(), transmission.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start orchestrator")
	}

	batches, err := batch.New(orch, batch.Config{Retain: cfg.Batch.Retain}, batch.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("build batch coordinator")
	}

	deps := httpapi.Dependencies{
		Transmissions: orch,
		Notifications: notifier,
		Batches:       batches,
		Breakers:      breakers,
		Limits:        gate,
		Keys:          keys,
		Events:        events,
	}
	if st.pg != nil {
		deps.Ready = httpapi.ReadyProbe{DB: st.pg.DB()}
	}
	if cfg.Operator.Secret != "" {
		var opts []auth.Option
		if cfg.Operator.Issuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.Operator.Issuer))
		}
		signer, err := auth.NewSigner([]byte(cfg.Operator.Secret), opts...)
		if err != nil {
			log.Fatal().Err(err).Msg("build token verifier")
		}
		deps.Tokens = signer
	} else {
		log.Warn().Msg("operator secret not set; API runs without authentication")
	}

	api := httpapi.New(deps, httpapi.Config{Version: version, PerIPLimit: cfg.RateLimit.PerIP}, httpapi.WithLogger(log))
	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var consumer *intake.Consumer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		consumer, err = intake.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Group, intake.NewHandler(orch, log), log)
		if err != nil {
			log.Fatal().Err(err).Msg("build intake consumer")
		}
		go func() {
			if err := consumer.Run(ctx, cfg.Kafka.Topic); err != nil {
				log.Error().Err(err).Msg("intake stopped")
			}
		}()
	}

	log.Info().Str("version", version).Str("addr", srv.Addr).Msg("starting transmitd")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("intake close")
		}
	}
	batches.Stop()
	orch.Stop()
	if err := notifier.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("webhook deliveries interrupted")
	}
	gate.Stop()
	if statusPub != nil {
		if err := statusPub.Close(); err != nil {
			log.Error().Err(err).Msg("status publisher close")
		}
	}
	if breakerLog != nil {
		breakerLog.Close()
	}
	if st.pg != nil {
		_ = st.pg.Close()
	}
	log.Info().Msg("stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (stores, error) {
	if cfg.Database.URL == "" {
		log.Warn().Msg("DATABASE_URL not set; state is kept in memory")
		return stores{
			transmissions: transmission.NewInMemory(),
			keys:          vault.NewMemoryStore(),
			notifications: webhook.NewMemoryStore(),
		}, nil
	}
	pool := pg.DefaultPoolConfig()
	if cfg.Database.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.Database.MaxOpenConns
		pool.MaxIdleConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	db, err := pg.Open(cfg.Database.URL, pool)
	if err != nil {
		return stores{}, err
	}
	if cfg.Database.AutoMigrate {
		applied, err := migrate.NewManager(db.DB(), nil).Up(ctx)
		if err != nil {
			_ = db.Close()
			return stores{}, err
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("migration applied")
		}
	}
	return stores{transmissions: db, keys: db, notifications: db, pg: db}, nil
}

// newBreakers restores persisted breaker state and writes every transition
// back to the database through one ordered writer.
func newBreakers(ctx context.Context, cfg *config.Config, db *pg.Store, log zerolog.Logger) (*retry.Breakers, *pg.BreakerRecorder) {
	opts := []retry.BreakerOption{retry.WithBreakerLogger(log)}
	var rec *pg.BreakerRecorder
	if db != nil {
		rec = pg.NewBreakerRecorder(db, log)
		opts = append(opts, retry.OnStateChange(rec.Record))
	}
	breakers := retry.NewBreakers(cfg.BreakerConfig(), opts...)
	if db == nil {
		return breakers, nil
	}
	snaps, err := db.LoadBreakers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("load breaker state")
		return breakers, rec
	}
	for _, s := range snaps {
		breakers.Restore(s)
	}
	return breakers, rec
}
