// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/swapflow/internal/infra/bus/eventbus"
)

// APIServerConfig configures the HTTP and WebSocket listener.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

// DatabaseConfig controls order persistence.
type DatabaseConfig struct {
	Driver            Backend       `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = normalizeBackend(c.Driver)
	if c.Driver == "" {
		c.Driver = BackendMemory
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/swapflow"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case BackendMemory:
		return nil
	case BackendPostgres:
	default:
		return fmt.Errorf("driver must be memory or postgres")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// RedisConfig addresses the Redis server used by the redis queue and bus backends.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ConnectTries uint          `yaml:"connectTries"`
}

// MaxDrainTimeout caps QueueConfig.DrainTimeout so draining fits the
// executor's shutdown window.
const MaxDrainTimeout = 20 * time.Second

// QueueConfig controls job delivery and redelivery.
// DrainTimeout is how long running jobs may finish after shutdown starts.
type QueueConfig struct {
	Backend           Backend       `yaml:"backend"`
	Name              string        `yaml:"name"`
	Concurrency       int           `yaml:"concurrency"`
	Capacity          int           `yaml:"capacity"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	BackoffJitter     float64       `yaml:"backoffJitter"`
	LeaseTTL          time.Duration `yaml:"leaseTTL"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	DrainTimeout      time.Duration `yaml:"drainTimeout"`
}

// EventbusConfig sets event bus backend and sizing characteristics.
type EventbusConfig struct {
	Backend       Backend             `yaml:"backend"`
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
	Topic         string              `yaml:"topic"`
	TopicMode     string              `yaml:"topicMode"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	case fanoutWorkerDefault, fanoutWorkerUnset:
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// Topics resolves the configured topic layout.
func (c EventbusConfig) Topics() eventbus.Topics {
	mode, ok := eventbus.ParseTopicMode(c.TopicMode)
	if !ok {
		mode = eventbus.TopicModeShared
	}
	return eventbus.Topics{Base: c.Topic, Mode: mode}
}

// VenueConfig describes one simulated liquidity source.
type VenueConfig struct {
	Name string  `yaml:"name"`
	Fee  float64 `yaml:"fee"`
}

// RouterConfig tunes the simulated DEX router.
type RouterConfig struct {
	Venues              []VenueConfig `yaml:"venues"`
	BasePrice           string        `yaml:"basePrice"`
	PriceJitter         float64       `yaml:"priceJitter"`
	Latency             time.Duration `yaml:"latency"`
	SlippageTolerance   float64       `yaml:"slippageTolerance"`
	SlippageProbability float64       `yaml:"slippageProbability"`
	FailureProbability  float64       `yaml:"failureProbability"`
	RequestsPerSecond   float64       `yaml:"requestsPerSecond"`
	Burst               int           `yaml:"burst"`
}

// BasePriceDecimal parses BasePrice.
func (c RouterConfig) BasePriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(c.BasePrice))
}

// WorkerConfig tunes the execution worker.
type WorkerConfig struct {
	BuildDelay time.Duration `yaml:"buildDelay"`
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AppConfig is the unified SwapFlow application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Queue       QueueConfig     `yaml:"queue"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Router      RouterConfig    `yaml:"router"`
	Worker      WorkerConfig    `yaml:"worker"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration that runs entirely in process.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer: APIServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{Driver: BackendMemory},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ConnectTries: 5,
		},
		Queue: QueueConfig{
			Backend:           BackendMemory,
			Name:              "order-execution",
			Concurrency:       10,
			Capacity:          1024,
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2,
			BackoffJitter:     0.2,
			LeaseTTL:          30 * time.Second,
			PollInterval:      250 * time.Millisecond,
			DrainTimeout:      10 * time.Second,
		},
		Eventbus: EventbusConfig{
			Backend:       BackendMemory,
			BufferSize:    64,
			FanoutWorkers: FanoutWorkerSetting{kind: fanoutWorkerDefault},
			Topic:         eventbus.DefaultTopic,
			TopicMode:     string(eventbus.TopicModeShared),
		},
		Router: RouterConfig{
			Venues:              []VenueConfig{{Name: "Raydium", Fee: 0.003}, {Name: "Meteora", Fee: 0.002}},
			BasePrice:           "1",
			PriceJitter:         0.02,
			Latency:             200 * time.Millisecond,
			SlippageTolerance:   0.01,
			SlippageProbability: 0.1,
			FailureProbability:  0.05,
			RequestsPerSecond:   50,
		},
		Worker: WorkerConfig{
			BuildDelay: 500 * time.Millisecond,
			StaleAfter: 2 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "swapflow",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
	cfg.Database.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Keys
// absent from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	return AppConfig{}, false, err
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	origins := make([]string, 0, len(c.APIServer.AllowedOrigins))
	for _, origin := range c.APIServer.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.APIServer.AllowedOrigins = origins

	c.Database.applyDefaults()

	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.Queue.Backend = normalizeBackend(c.Queue.Backend)
	c.Queue.Name = strings.TrimSpace(c.Queue.Name)
	c.Eventbus.Backend = normalizeBackend(c.Eventbus.Backend)
	c.Eventbus.Topic = strings.TrimSpace(c.Eventbus.Topic)
	c.Eventbus.TopicMode = strings.ToLower(strings.TrimSpace(c.Eventbus.TopicMode))

	venues := make([]VenueConfig, 0, len(c.Router.Venues))
	for _, v := range c.Router.Venues {
		v.Name = strings.TrimSpace(v.Name)
		if v.Name != "" {
			venues = append(venues, v)
		}
	}
	c.Router.Venues = venues

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	usesRedis := false
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		usesRedis = true
	default:
		return fmt.Errorf("queue backend must be memory or redis")
	}
	switch c.Eventbus.Backend {
	case BackendMemory:
	case BackendRedis:
		usesRedis = true
	default:
		return fmt.Errorf("eventbus backend must be memory or redis")
	}
	if usesRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr required by the redis backends")
	}

	if err := c.Queue.validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.Eventbus.Topic == "" {
		return fmt.Errorf("eventbus topic required")
	}
	if _, ok := eventbus.ParseTopicMode(c.Eventbus.TopicMode); !ok {
		return fmt.Errorf("eventbus topicMode must be shared or per-order")
	}

	if err := c.Router.validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}

	if c.Worker.BuildDelay < 0 {
		return fmt.Errorf("worker buildDelay must be >=0")
	}
	if c.Worker.StaleAfter <= 0 {
		return fmt.Errorf("worker staleAfter must be >0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging level: %w", err)
		}
	}

	return nil
}

func (c QueueConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name required")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be >0")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be >0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be >0")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initialBackoff must be >0")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("maxBackoff must be >= initialBackoff")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoffMultiplier must be >=1")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoffJitter must be in [0,1)")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("leaseTTL must be >0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be >0")
	}
	if c.DrainTimeout <= 0 || c.DrainTimeout > MaxDrainTimeout {
		return fmt.Errorf("drainTimeout must be in (0,%s]", MaxDrainTimeout)
	}
	return nil
}

func (c RouterConfig) validate() error {
	price, err := c.BasePriceDecimal()
	if err != nil || !price.IsPositive() {
		return fmt.Errorf("basePrice must be a positive decimal")
	}
	for name, p := range map[string]float64{
		"priceJitter":         c.PriceJitter,
		"slippageTolerance":   c.SlippageTolerance,
		"slippageProbability": c.SlippageProbability,
		"failureProbability":  c.FailureProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}
	if c.SlippageProbability+c.FailureProbability > 1 {
		return fmt.Errorf("slippageProbability + failureProbability must be <= 1")
	}
	if c.Latency < 0 {
		return fmt.Errorf("latency must be >=0")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requestsPerSecond must be >0")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must be >=0")
	}
	for _, v := range c.Venues {
		if v.Fee < 0 || v.Fee >= 1 {
			return fmt.Errorf("venue %s fee must be in [0,1)", v.Name)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
