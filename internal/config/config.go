package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config captures all tunable parameters for the server and consumer
// processes. Values come from defaults, then an optional YAML file, then
// environment variables, so the binaries run locally without setup.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Postgres PostgresConfig `koanf:"postgres"`
	Matcher  MatcherConfig  `koanf:"matcher"`
	ETA      ETAConfig      `koanf:"eta"`
	Push     PushConfig     `koanf:"push"`
	Payments PaymentsConfig `koanf:"payments"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RedisConfig is optional; without an address the server falls back to
// in-process index, queue and reservations.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	GeoKey   string `koanf:"geo_key"`
}

type KafkaConfig struct {
	Brokers        []string      `koanf:"brokers"`
	LocationTopic  string        `koanf:"location_topic"`
	EventsTopic    string        `koanf:"events_topic"`
	ConsumerGroup  string        `koanf:"consumer_group"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
}

type PostgresConfig struct {
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

type MatcherConfig struct {
	TopN             int           `koanf:"top_n"`
	RadiusKm         float64       `koanf:"radius_km"`
	Workers          int           `koanf:"workers"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	OfferTimeout     time.Duration `koanf:"offer_timeout"`
	ReservationGrace time.Duration `koanf:"reservation_grace"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	SearchTimeout    time.Duration `koanf:"search_timeout"`
	LeaseTTL         time.Duration `koanf:"lease_ttl"`
}

type ETAConfig struct {
	DefaultSpeedMps float64       `koanf:"default_speed_mps"`
	OSRMEndpoint    string        `koanf:"osrm_endpoint"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
}

type PushConfig struct {
	FirebaseProjectID       string `koanf:"firebase_project_id"`
	FirebaseCredentialsFile string `koanf:"firebase_credentials_file"`
	Buffer                  int    `koanf:"buffer"`
	Workers                 int    `koanf:"workers"`
}

type PaymentsConfig struct {
	StripeAPIKey string `koanf:"stripe_api_key"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const configPathEnv = "CONFIG_PATH"

var defaultConfigPaths = []string{"config.yaml", "config.yml"}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MetricsAddr:     ":2112",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{GeoKey: "drivers_geo"},
		Kafka: KafkaConfig{
			LocationTopic:  "driver-locations",
			EventsTopic:    "ride-events",
			ConsumerGroup:  "ride-dispatch-consumer",
			PublishTimeout: 2 * time.Second,
		},
		Matcher: MatcherConfig{
			TopN:             10,
			RadiusKm:         10,
			Workers:          4,
			PollInterval:     250 * time.Millisecond,
			OfferTimeout:     20 * time.Second,
			ReservationGrace: 5 * time.Second,
			RetryDelay:       5 * time.Second,
			SearchTimeout:    2 * time.Minute,
			LeaseTTL:         30 * time.Second,
		},
		ETA:  ETAConfig{DefaultSpeedMps: 10, CacheTTL: time.Minute},
		Push: PushConfig{Buffer: 1024, Workers: 4},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// envKeys maps the service's environment variables onto config paths.
var envKeys = map[string]string{
	"HTTP_ADDR":                 "http.addr",
	"METRICS_ADDR":              "http.metrics_addr",
	"HTTP_READ_TIMEOUT":         "http.read_timeout",
	"HTTP_WRITE_TIMEOUT":        "http.write_timeout",
	"HTTP_IDLE_TIMEOUT":         "http.idle_timeout",
	"HTTP_SHUTDOWN_TIMEOUT":     "http.shutdown_timeout",
	"REDIS_ADDR":                "redis.addr",
	"REDIS_PASSWORD":            "redis.password",
	"REDIS_DB":                  "redis.db",
	"REDIS_GEO_KEY":             "redis.geo_key",
	"KAFKA_BROKERS":             "kafka.brokers",
	"KAFKA_LOCATION_TOPIC":      "kafka.location_topic",
	"KAFKA_EVENTS_TOPIC":        "kafka.events_topic",
	"KAFKA_GROUP":               "kafka.consumer_group",
	"PG_DSN":                    "postgres.dsn",
	"MIGRATE":                   "postgres.migrate",
	"MATCHER_TOP_N":             "matcher.top_n",
	"MATCHER_RADIUS_KM":         "matcher.radius_km",
	"MATCHER_WORKERS":           "matcher.workers",
	"MATCHER_POLL_INTERVAL":     "matcher.poll_interval",
	"MATCHER_OFFER_TIMEOUT":     "matcher.offer_timeout",
	"MATCHER_RESERVATION_GRACE": "matcher.reservation_grace",
	"MATCHER_RETRY_DELAY":       "matcher.retry_delay",
	"MATCHER_SEARCH_TIMEOUT":    "matcher.search_timeout",
	"MATCHER_LEASE_TTL":         "matcher.lease_ttl",
	"MATCHER_DEFAULT_SPEED_MPS": "eta.default_speed_mps",
	"OSRM_ENDPOINT":             "eta.osrm_endpoint",
	"ETA_CACHE_TTL":             "eta.cache_ttl",
	"FIREBASE_PROJECT_ID":       "push.firebase_project_id",
	"FIREBASE_CREDENTIALS_FILE": "push.firebase_credentials_file",
	"NOTIFY_BUFFER":             "push.buffer",
	"NOTIFY_WORKERS":            "push.workers",
	"STRIPE_API_KEY":            "payments.stripe_api_key",
	"LOG_LEVEL":                 "log.level",
	"LOG_FORMAT":                "log.format",
}

func envKey(key string) string {
	return envKeys[strings.ToUpper(key)]
}

// Load resolves configuration with precedence env > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitAndTrim(cfg.Kafka.Brokers)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Matcher.TopN <= 0 {
		errs = append(errs, errors.New("MATCHER_TOP_N must be > 0"))
	}
	if c.Matcher.RadiusKm <= 0 {
		errs = append(errs, errors.New("MATCHER_RADIUS_KM must be > 0"))
	}
	if c.Matcher.Workers <= 0 {
		errs = append(errs, errors.New("MATCHER_WORKERS must be > 0"))
	}
	if c.Matcher.OfferTimeout <= 0 {
		errs = append(errs, errors.New("MATCHER_OFFER_TIMEOUT must be > 0"))
	}
	if c.Matcher.LeaseTTL <= 0 {
		errs = append(errs, errors.New("MATCHER_LEASE_TTL must be > 0"))
	}
	if c.Matcher.SearchTimeout < c.Matcher.RetryDelay {
		errs = append(errs, fmt.Errorf("MATCHER_SEARCH_TIMEOUT (%s) must not be shorter than MATCHER_RETRY_DELAY (%s)", c.Matcher.SearchTimeout, c.Matcher.RetryDelay))
	}
	if c.Push.Buffer <= 0 || c.Push.Workers <= 0 {
		errs = append(errs, errors.New("NOTIFY_BUFFER and NOTIFY_WORKERS must be > 0"))
	}
	return errors.Join(errs...)
}

func findConfigFile() string {
	if p := os.Getenv(configPathEnv); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// splitAndTrim normalises broker lists that arrive either as YAML lists or
// as a single comma separated env value.
func splitAndTrim(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}
