package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/thejerf/suture/v4"
	"media-enricher/config"
	"media-enricher/constant"
	"media-enricher/handler"
	"media-enricher/pkg/broker"
	"media-enricher/pkg/identity"
	"media-enricher/pkg/kafka"
	"media-enricher/pkg/lock"
	"media-enricher/pkg/process"
	"media-enricher/pkg/rabbitmq"
	"media-enricher/repository"
	"media-enricher/service"
)

// BrokerClient is the transport a worker publishes to and consumes from.
type BrokerClient interface {
	broker.Publisher
	broker.Subscriber
}

// RunWorker starts the consumers and pollers of role under a supervisor and
// blocks until SIGINT or SIGTERM.
func RunWorker(cfg *config.Config, role constant.Role) error {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("env", cfg.App.Environment).Str("role", role.String()).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()

	repo, err := NewRepository(ctx, cfg)
	if err != nil {
		return err
	}

	client, err := NewBrokerClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close broker client")
		}
	}()

	runner := process.NewRunner(cfg.Media.TempDir, cfg.Media.KillGrace)
	commands := service.MediaCommands{
		Style:     cfg.Media.ArgStyle,
		Extractor: cfg.Media.ExtractorBinary,
		Prober:    cfg.Media.ProberBinary,
		Seek:      cfg.Media.SeekOffset,
		Quality:   cfg.Media.ThumbnailQuality,
	}
	deps := handler.ServiceDependencies{
		ThumbnailService:  service.NewThumbnailService(cfg.Storage, runner, client, commands, cfg.Media.ProcessTimeout),
		MetadataService:   service.NewMetadataService(cfg.Storage, runner, client, commands, cfg.Media.ProcessTimeout),
		ProjectionService: service.NewProjectionService(repo),
	}

	sup := suture.New("media-enricher", suture.Spec{
		EventHook:        eventHook(ctx),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.Server.ShutdownTimeout,
	})
	sup.Add(newHTTPService(cfg, repo, role))
	for _, sub := range handler.Subscriptions(role, deps) {
		sup.Add(&consumerService{subscriber: client, sub: sub})
	}

	if role.Includes(constant.RoleIdentitySync) {
		poller, err := newIdentitySyncPoller(cfg, repo)
		switch {
		case err == nil:
			sup.Add(poller)
		case role == constant.RoleAll:
			logger.Warn().Err(err).Msg("identity sync disabled")
		default:
			return err
		}
	}

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
		return err
	}
	logger.Info().Str("env", cfg.App.Environment).Msg("worker shutdown")
	return nil
}

// NewRepository opens the read model and creates missing tables.
func NewRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	repo, err := repository.NewRepo(cfg.DB, cfg.App.Environment == constant.EnvironmentDevelop.String())
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

// NewBrokerClient builds the transport selected by broker.driver. The RabbitMQ
// connection lives as long as ctx.
func NewBrokerClient(ctx context.Context, cfg *config.Config) (BrokerClient, error) {
	policy := broker.DeliveryPolicy{
		MaxTries:    cfg.Broker.HandlerRetries,
		MaxInterval: cfg.Broker.RetryMaxInterval,
	}

	switch cfg.Broker.Driver {
	case constant.BrokerDriverRabbitMQ:
		dial := func(context.Context) (*amqp.Connection, error) {
			return config.NewRabbitMQConn(ctx, cfg.Queue)
		}
		return rabbitmq.NewClient(dial, cfg.Queue, cfg.Server.Workers, policy), nil
	case constant.BrokerDriverKafka:
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: 10 * time.Millisecond,
			Compression:  kafka.CompressionFromString(cfg.Kafka.Compression),
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  5,
		})
		return kafka.NewClient(producer, kafka.ConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			MinBytes: 1,
			MaxBytes: 10e6,
		}, cfg.Server.Workers, policy), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

func newIdentitySyncPoller(cfg *config.Config, repo repository.Repository) (*service.IdentitySyncPoller, error) {
	if cfg.Identity.AdminURL == "" || cfg.Identity.TokenURL == "" {
		return nil, errors.New("identity.admin_url and identity.token_url are required for identity sync")
	}

	provider := identity.NewClient(identity.Config{
		AdminURL:          cfg.Identity.AdminURL,
		TokenURL:          cfg.Identity.TokenURL,
		ClientID:          cfg.Identity.ClientID,
		ClientSecret:      cfg.Identity.ClientSecret,
		Scopes:            cfg.Identity.Scopes,
		Timeout:           cfg.Identity.Timeout,
		RequestsPerSecond: cfg.Identity.RequestsPerSecond,
		MaxTries:          cfg.Identity.MaxTries,
	})

	var locker lock.Locker = &lock.Local{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedis(client, cfg.Identity.LockKey, cfg.Identity.LockTTL)
	}

	return service.NewIdentitySyncPoller(provider, repo, locker, service.IdentitySyncConfig{
		PageSize:   cfg.Identity.PageSize,
		Interval:   cfg.Identity.Interval,
		RetryDelay: cfg.Identity.RetryDelay,
		Lookback:   cfg.Identity.Lookback,
	}), nil
}

func eventHook(ctx context.Context) suture.EventHook {
	logger := zerolog.Ctx(ctx)
	return func(e suture.Event) {
		logger.Warn().Fields(e.Map()).Msg(e.String())
	}
}

func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
