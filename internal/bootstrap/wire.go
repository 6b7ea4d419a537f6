package bootstrap

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sandboxops/lease-notify/internal/bus/rabbitmq"
	"github.com/sandboxops/lease-notify/internal/channel"
	"github.com/sandboxops/lease-notify/internal/config"
	"github.com/sandboxops/lease-notify/internal/deadletter"
	"github.com/sandboxops/lease-notify/internal/dispatch"
	"github.com/sandboxops/lease-notify/internal/idempotency"
	"github.com/sandboxops/lease-notify/internal/metrics"
	"github.com/sandboxops/lease-notify/internal/policy"
	"github.com/sandboxops/lease-notify/internal/router"
	"github.com/sandboxops/lease-notify/internal/secrets"
	"github.com/sandboxops/lease-notify/internal/validation"
	"github.com/sandboxops/lease-notify/internal/web"
)

type App struct {
	consumer *rabbitmq.Consumer
	web      *web.Server

	mail *channel.MailSender
	chat *channel.ChatSender

	stopSample chan struct{}
}

func NewApp() (*App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	// Idempotency store.
	rds := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	guard := idempotency.NewGuard(idempotency.NewRedisStore(rds, log.Logger), cfg.IdempotencyTTL)

	// Dead-letter store.
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		_ = rds.Close()
		return nil, nil, err
	}
	dlq := deadletter.NewPostgresStore(db, log.Logger)

	// Secret source.
	var src secrets.Source
	if cfg.DevSecrets {
		src = secrets.StaticSource{
			cfg.MailSecretPath: cfg.DevMailKey,
			cfg.ChatSecretPath: cfg.DevChatHook,
		}
		log.Warn().Msg("DEV_SECRETS enabled; channel credentials come from env")
	} else {
		src, err = secrets.NewSecretsManagerSource(context.Background(), cfg.AWSRegion, cfg.SecretTimeout)
		if err != nil {
			_ = db.Close()
			_ = rds.Close()
			return nil, nil, err
		}
	}
	creds := secrets.NewCache(src)

	// Channel senders.
	pol := policy.Default()
	mail := channel.NewMailSender(channel.MailConfig{
		Endpoint:   cfg.MailEndpoint,
		FromEmail:  cfg.MailFrom,
		FromName:   cfg.MailFromName,
		SecretPath: cfg.MailSecretPath,
		Timeout:    cfg.SendTimeout,
	}, creds, pol, log.Logger)
	chat := channel.NewChatSender(channel.ChatConfig{
		SecretPath: cfg.ChatSecretPath,
		Timeout:    cfg.SendTimeout,
	}, creds, pol, log.Logger)

	// Dispatcher.
	dispatcher := dispatch.New(dispatch.Config{
		Table:   router.DefaultTable(),
		Senders: []channel.Sender{mail, chat},
		Allow: validation.NewProvenance(
			config.SplitCSV(cfg.AllowedSourcesCSV),
			config.SplitCSV(cfg.AllowedAccountsCSV),
		),
		Deadline: cfg.EventDeadline,
	}, guard, dlq, dispatch.NewLogAlarmer(log.Logger), log.Logger)

	// Bus consumer.
	consumer := rabbitmq.NewConsumer(rabbitmq.Config{
		RabbitURL:   cfg.RabbitURL,
		Exchange:    cfg.Exchange,
		Queue:       cfg.Queue,
		BindKeys:    config.SplitCSV(cfg.BindKeysCSV),
		Prefetch:    cfg.Prefetch,
		Tag:         cfg.ConsumeTag,
		MaxAttempts: cfg.MaxAttempts,
		Workers:     cfg.Workers,
	}, dispatcher, log.Logger)

	// Ops HTTP.
	webSrv := web.NewServer(web.Config{
		Addr:      cfg.WebAddr,
		RLEnabled: cfg.RLEnabled,
		RLLimit:   cfg.RLLimit,
		RLWindow:  cfg.RLWindow,
	}, rds, db, log.Logger)

	app := &App{
		consumer:   consumer,
		web:        webSrv,
		mail:       mail,
		chat:       chat,
		stopSample: make(chan struct{}),
	}

	cleanup := func() {
		log.Info().Msg("final resource cleanup")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel()
		_ = app.Stop(ctx)
		_ = db.Close()
		_ = rds.Close()
	}
	return app, cleanup, nil
}

func (a *App) Start(ctx context.Context) error {
	log.Info().Msg("starting lease-notify consumer")
	if err := a.consumer.Start(ctx); err != nil {
		return err
	}
	go a.sampleBreakers()
	log.Info().Msg("starting lease-notify ops http")
	return a.web.Start(ctx) // blocks
}

func (a *App) Stop(ctx context.Context) error {
	log.Info().Msg("shutting down lease-notify")
	select {
	case <-a.stopSample:
	default:
		close(a.stopSample)
	}
	if a.web != nil {
		_ = a.web.Stop(ctx)
	}
	if a.consumer != nil {
		_ = a.consumer.Stop(ctx)
	}
	return nil
}

// sampleBreakers exports circuit breaker state as a gauge.
func (a *App) sampleBreakers() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-a.stopSample:
			return
		case <-t.C:
			metrics.SetBreakerState(a.mail.Name(), int(a.mail.Breaker().State()))
			metrics.SetBreakerState(a.chat.Name(), int(a.chat.Breaker().State()))
		}
	}
}
