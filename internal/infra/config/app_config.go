// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/wire"
)

// Record store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// ClientConfig configures the grid provider and its transport.
type ClientConfig struct {
	URL            string        `yaml:"url"`
	Channel        string        `yaml:"channel"`
	PageTimeout    time.Duration `yaml:"pageTimeout"`
	QueueSize      int           `yaml:"queueSize"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	SendRate       float64       `yaml:"sendRate"`
	SendBurst      int           `yaml:"sendBurst"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

func (c *ClientConfig) applyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		c.URL = "ws://localhost:8080/ws"
	}
	c.Channel = strings.TrimSpace(c.Channel)
	if c.Channel == "" {
		c.Channel = "records"
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 20 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("url scheme must be ws, wss, http or https")
	}
	if c.Channel == "" {
		return fmt.Errorf("channel required")
	}
	if c.SendRate < 0 {
		return fmt.Errorf("sendRate must be >= 0")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("maxBackoff must be >= initialBackoff")
	}
	return nil
}

// ServerConfig configures the channel websocket server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"wsPath"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ReadLimitBytes  int64         `yaml:"readLimitBytes"`
	OriginPatterns  []string      `yaml:"originPatterns"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	c.WSPath = strings.TrimSpace(c.WSPath)
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		c.WSPath = "/" + c.WSPath
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 1 << 20
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	patterns := make([]string, 0, len(c.OriginPatterns))
	for _, pattern := range c.OriginPatterns {
		if trimmed := strings.TrimSpace(pattern); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	c.OriginPatterns = patterns
}

// RecordsConfig configures the records service.
type RecordsConfig struct {
	Channel         string `yaml:"channel"`
	Store           string `yaml:"store"`
	DefaultPageSize int    `yaml:"defaultPageSize"`
	MaxPageSize     int    `yaml:"maxPageSize"`
	SeedDemo        bool   `yaml:"seedDemo"`
	// DemoInterval mutates a random demo record on every tick. Zero disables it.
	DemoInterval time.Duration `yaml:"demoInterval"`
	// FilterTimeout bounds the evaluation of one filtered page.
	FilterTimeout time.Duration         `yaml:"filterTimeout"`
	Columns       []wire.ColumnMetadata `yaml:"columns"`
}

func (c *RecordsConfig) applyDefaults() {
	c.Channel = strings.TrimSpace(c.Channel)
	if c.Channel == "" {
		c.Channel = "records"
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = recordstore.MaxPageSize
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = recordstore.DefaultPageSize
	}
	if c.FilterTimeout == 0 {
		c.FilterTimeout = recordstore.DefaultFilterTimeout
	}
	if len(c.Columns) == 0 {
		c.Columns = DefaultColumns()
	}
}

func (c RecordsConfig) validate() error {
	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("store must be memory or postgres")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("defaultPageSize must be <= maxPageSize")
	}
	if c.DemoInterval < 0 {
		return fmt.Errorf("demoInterval must be >= 0")
	}
	if c.FilterTimeout < 0 {
		return fmt.Errorf("filterTimeout must be > 0")
	}
	seen := make(map[string]struct{}, len(c.Columns))
	for idx, col := range c.Columns {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return fmt.Errorf("columns[%d]: name required", idx)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("columns[%d]: duplicate name %q", idx, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Limits returns the page size and filter time bounds for the records service.
func (c RecordsConfig) Limits() recordstore.Limits {
	return recordstore.Limits{
		DefaultPageSize: c.DefaultPageSize,
		MaxPageSize:     c.MaxPageSize,
		FilterTimeout:   c.FilterTimeout,
	}
}

// DefaultColumns describes the demo record set.
func DefaultColumns() []wire.ColumnMetadata {
	return []wire.ColumnMetadata{
		{Name: "id", DisplayName: "ID", Type: "string", Sortable: true},
		{Name: "name", DisplayName: "Name", Type: "string", Sortable: true, Filter: true},
		{Name: "category", DisplayName: "Category", Type: "string", Sortable: true, Filter: true},
		{Name: "quantity", DisplayName: "Quantity", Type: "number", Sortable: true},
		{Name: "price", DisplayName: "Price", Type: "number", Sortable: true},
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// MigrationsPath points at a directory of SQL migrations. Empty uses the embedded set.
	MigrationsPath string `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/luxgrid"
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
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified luxgrid configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Client      ClientConfig    `yaml:"client"`
	Server      ServerConfig    `yaml:"server"`
	Records     RecordsConfig   `yaml:"records"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns a development configuration with every default applied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.Records.SeedDemo = true
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
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
	return Parse(bytes)
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Client.applyDefaults()
	c.Server.applyDefaults()
	c.Records.applyDefaults()
	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Client.validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr required")
	}
	if err := c.Records.validate(); err != nil {
		return fmt.Errorf("records: %w", err)
	}
	if c.Records.Store == StorePostgres || c.Database.RunMigrations {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// TelemetryConfig overlays the YAML telemetry section on the environment defaults.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	out := telemetry.DefaultConfig()
	if c.Telemetry.OTLPEndpoint != "" {
		out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
		out.Enabled = true
	}
	if c.Telemetry.ServiceName != "" {
		out.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.OTLPInsecure {
		out.OTLPInsecure = true
	}
	out.EnableMetrics = out.EnableMetrics || c.Telemetry.EnableMetrics
	out.Environment = string(c.Environment)
	return out
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
