package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/agentguard/internal/api"
	"github.com/org/agentguard/internal/approval"
	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/internal/auth"
	"github.com/org/agentguard/internal/config"
	"github.com/org/agentguard/internal/gateway"
	"github.com/org/agentguard/internal/notify"
	"github.com/org/agentguard/internal/permission"
	"github.com/org/agentguard/internal/policy"
	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/internal/tools"
	"github.com/org/agentguard/internal/vault"
	"github.com/org/agentguard/internal/web"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "gateway.yaml"
	if v := os.Getenv("AGENTGUARD_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("invalid configuration")
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
	log.Info().Msg("gateway stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := log.Logger

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	// Connect to database
	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("storage ready")

	var backend vault.Backend = &vault.FileBackend{Path: cfg.Vault.File}
	if cfg.Vault.Backend == "table" {
		backend = &vault.TableBackend{Table: store}
	}
	v := vault.New(backend, logger)

	engine, err := policy.NewEngine(policy.Config{
		AllowedHosts:   cfg.Policy.AllowedHosts,
		AllowRedirects: cfg.Policy.AllowRedirects,
	}, nil)
	if err != nil {
		return err
	}

	perms := permission.NewStore(store)
	gate, err := approval.NewGate(perms, approval.Config{
		PendingTTL: cfg.Approval.PendingTTL,
		TokenTTL:   cfg.Approval.TokenTTL,
	}, logger)
	if err != nil {
		return err
	}

	hub := notify.NewHub(logger)
	notifiers := []notify.Notifier{notify.LogNotifier{Log: logger}, hub}
	if cfg.Notify.MQTT.Broker != "" {
		mq, err := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:   cfg.Notify.MQTT.Broker,
			Topic:    cfg.Notify.MQTT.Topic,
			Username: cfg.Notify.MQTT.Username,
			Password: cfg.Notify.MQTT.Password,
		}, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		notifiers = append(notifiers, mq)
	}

	gw := gateway.New(gateway.Deps{
		Vault:       v,
		Master:      &vault.MasterPassword{Path: cfg.Vault.MasterFile},
		Permissions: perms,
		Gate:        gate,
		Web: web.NewRequester(web.Config{
			AllowedHeaders:        cfg.Web.AllowedHeaders,
			SafeSecretHeaders:     cfg.Web.SafeSecretHeaders,
			SecretHandles:         cfg.Web.SecretHandles,
			MaxURLLength:          cfg.Web.MaxURLLength,
			MaxBodyBytes:          cfg.Web.MaxBodyBytes,
			MaxResponseBytes:      cfg.Web.MaxResponseBytes,
			Timeout:               cfg.Web.Timeout,
			RequireDomainApproval: cfg.Web.RequireDomainApproval,
		}, engine, v, nil, logger),
		Tools: tools.NewExecutor(tools.Config{
			Tainted:        cfg.Tools.Tainted,
			MaxOutputBytes: cfg.Tools.MaxOutputBytes,
			WorkDir:        cfg.Tools.WorkDir,
			Timeout:        cfg.Tools.Timeout,
		}, logger),
		Audit:    audit.NewLogger(store, logger),
		Notifier: notify.NewMulti(logger, notifiers...),
		Logger:   logger,
	})

	registry, err := auth.NewRegistry(cfg.Principals)
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		log.Warn().Msg("no principals configured; every /v1/op request will be rejected")
	}

	srv := api.NewServer(gw, registry, hub, api.Config{
		ListenAddr:   cfg.ListenAddr,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return gate.RunSweeper(gctx, cfg.Approval.SweepSchedule)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		v.Lock()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("addr", cfg.ListenAddr).Int("principals", registry.Len()).Msg("gateway started")
	return g.Wait()
}
