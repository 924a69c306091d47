package config

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
	"media-enricher/constant"
	"media-enricher/pkg/storage"
)

type Config struct {
	App      App               `yaml:"app"`
	Server   Server            `yaml:"server"`
	DB       *sql.DB           `yaml:"db"`
	Broker   Broker            `yaml:"broker"`
	Queue    *RabbitMQ         `yaml:"rabbitmq"`
	Kafka    Kafka             `yaml:"kafka"`
	Storage  storage.BlobStore `yaml:"storage"`
	Media    Media             `yaml:"media"`
	Identity Identity          `yaml:"identity"`
	Redis    Redis             `yaml:"redis"`
}

type App struct {
	Environment string `yaml:"environment"`
}

type Server struct {
	HttpPort        string        `yaml:"http_port"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Broker struct {
	Driver           constant.BrokerDriver `yaml:"driver"`
	HandlerRetries   uint                  `yaml:"handler_retries"`
	RetryMaxInterval time.Duration         `yaml:"retry_max_interval"`
}

type RabbitMQ struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	User  string `json:"user"`
	Pass  string `json:"pass"`
	VHost string `json:"vhost"`
	Kind  string `json:"kind"`
}

type Kafka struct {
	Brokers     []string `yaml:"brokers"`
	Compression string   `yaml:"compression"`
	BatchSize   int      `yaml:"batch_size"`
}

type Media struct {
	ArgStyle         string        `yaml:"arg_style"`
	ExtractorBinary  string        `yaml:"extractor_binary"`
	ProberBinary     string        `yaml:"prober_binary"`
	SeekOffset       time.Duration `yaml:"seek_offset"`
	ThumbnailQuality int           `yaml:"thumbnail_quality"`
	ProcessTimeout   time.Duration `yaml:"process_timeout"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	TempDir          string        `yaml:"temp_dir"`
	URLExpiry        time.Duration `yaml:"url_expiry"`
}

type Identity struct {
	AdminURL          string        `yaml:"admin_url"`
	TokenURL          string        `yaml:"token_url"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	Scopes            []string      `yaml:"scopes"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTries          uint          `yaml:"max_tries"`
	PageSize          int           `yaml:"page_size"`
	Interval          time.Duration `yaml:"interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	Lookback          time.Duration `yaml:"lookback"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	LockKey           string        `yaml:"lock_key"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func setDefaults() {
	viper.SetDefault("app.environment", constant.EnvironmentDevelop.String())
	viper.SetDefault("server.http_port", "8080")
	viper.SetDefault("server.workers", 1)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)

	viper.SetDefault("broker.driver", string(constant.BrokerDriverRabbitMQ))
	viper.SetDefault("broker.handler_retries", 5)
	viper.SetDefault("broker.retry_max_interval", 10*time.Second)
	viper.SetDefault("rabbitmq.host", "localhost")
	viper.SetDefault("rabbitmq.port", 5672)
	viper.SetDefault("rabbitmq.kind", "topic")
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.compression", "snappy")
	viper.SetDefault("kafka.batch_size", 1)

	viper.SetDefault("storage.provider", string(constant.StorageProviderMinIO))
	viper.SetDefault("storage.region", "us-east-1")

	viper.SetDefault("media.arg_style", "ffmpeg")
	viper.SetDefault("media.extractor_binary", "ffmpeg")
	viper.SetDefault("media.prober_binary", "ffprobe")
	viper.SetDefault("media.seek_offset", constant.DefaultSeekOffset)
	viper.SetDefault("media.thumbnail_quality", constant.DefaultThumbnailQuality)
	viper.SetDefault("media.process_timeout", 2*time.Minute)
	viper.SetDefault("media.kill_grace", 5*time.Second)
	viper.SetDefault("media.temp_dir", "temp")
	viper.SetDefault("media.url_expiry", 15*time.Minute)

	viper.SetDefault("identity.page_size", constant.DefaultPageSize)
	viper.SetDefault("identity.interval", 30*time.Second)
	viper.SetDefault("identity.retry_delay", 10*time.Second)
	viper.SetDefault("identity.lookback", constant.DefaultLookback)
	viper.SetDefault("identity.requests_per_second", 20.0)
	viper.SetDefault("identity.timeout", 30*time.Second)
	viper.SetDefault("identity.max_tries", 3)
	viper.SetDefault("identity.lock_key", "media-enricher:identity-sync")
	viper.SetDefault("identity.lock_ttl", 2*time.Minute)
}

// Load reads config.yaml from path when present. Every key can be overridden
// from the environment, e.g. RABBITMQ_HOST or IDENTITY_CLIENT_SECRET.
func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	db, err := sql.Open("postgres", viper.GetString("postgresql.dsn"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host:  viper.GetString("rabbitmq.host"),
		Port:  viper.GetInt("rabbitmq.port"),
		User:  viper.GetString("rabbitmq.user"),
		Pass:  viper.GetString("rabbitmq.pass"),
		VHost: viper.GetString("rabbitmq.vhost"),
		Kind:  viper.GetString("rabbitmq.kind"),
	}

	blobStore, err := storage.New(context.Background(), storage.Config{
		Provider:        constant.StorageProvider(viper.GetString("storage.provider")),
		Bucket:          viper.GetString("storage.bucket"),
		Endpoint:        viper.GetString("storage.endpoint"),
		Region:          viper.GetString("storage.region"),
		AccessKeyID:     viper.GetString("storage.access_key_id"),
		SecretAccessKey: viper.GetString("storage.secret_access_key"),
		UseSSL:          viper.GetBool("storage.use_ssl"),
		UsePathStyle:    viper.GetBool("storage.use_path_style"),
	})
	if err != nil {
		return nil, err
	}

	return &Config{
		App: App{
			Environment: viper.GetString("app.environment"),
		},
		Server: Server{
			HttpPort:        viper.GetString("server.http_port"),
			Workers:         viper.GetInt("server.workers"),
			ShutdownTimeout: viper.GetDuration("server.shutdown_timeout"),
		},
		Broker: Broker{
			Driver:           constant.BrokerDriver(viper.GetString("broker.driver")),
			HandlerRetries:   viper.GetUint("broker.handler_retries"),
			RetryMaxInterval: viper.GetDuration("broker.retry_max_interval"),
		},
		Kafka: Kafka{
			Brokers:     viper.GetStringSlice("kafka.brokers"),
			Compression: viper.GetString("kafka.compression"),
			BatchSize:   viper.GetInt("kafka.batch_size"),
		},
		Media: Media{
			ArgStyle:         viper.GetString("media.arg_style"),
			ExtractorBinary:  viper.GetString("media.extractor_binary"),
			ProberBinary:     viper.GetString("media.prober_binary"),
			SeekOffset:       viper.GetDuration("media.seek_offset"),
			ThumbnailQuality: viper.GetInt("media.thumbnail_quality"),
			ProcessTimeout:   viper.GetDuration("media.process_timeout"),
			KillGrace:        viper.GetDuration("media.kill_grace"),
			TempDir:          viper.GetString("media.temp_dir"),
			URLExpiry:        viper.GetDuration("media.url_expiry"),
		},
		Identity: Identity{
			AdminURL:          viper.GetString("identity.admin_url"),
			TokenURL:          viper.GetString("identity.token_url"),
			ClientID:          viper.GetString("identity.client_id"),
			ClientSecret:      viper.GetString("identity.client_secret"),
			Scopes:            viper.GetStringSlice("identity.scopes"),
			Timeout:           viper.GetDuration("identity.timeout"),
			MaxTries:          viper.GetUint("identity.max_tries"),
			PageSize:          viper.GetInt("identity.page_size"),
			Interval:          viper.GetDuration("identity.interval"),
			RetryDelay:        viper.GetDuration("identity.retry_delay"),
			Lookback:          viper.GetDuration("identity.lookback"),
			RequestsPerSecond: viper.GetFloat64("identity.requests_per_second"),
			LockKey:           viper.GetString("identity.lock_key"),
			LockTTL:           viper.GetDuration("identity.lock_ttl"),
		},
		Redis: Redis{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: blobStore,
	}, nil
}
