package felk

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config defines the logging shim configuration.
type Config struct {
	// AppName derives the backend storage namespace.
	AppName string `yaml:"app_name"`
	// Environment is the deployment environment label stamped on events
	// and tested against the allow-lists below.
	Environment string `yaml:"environment"`
	// EnabledEnvironments lists the environments where request logging
	// runs at all. Membership is an exact string match.
	EnabledEnvironments []string `yaml:"enabled_environments"`
	// ForceSafe keeps logging failures from propagating past the
	// terminate phase. Defaults to true when nil.
	ForceSafe *bool `yaml:"force_safe"`

	DBProfiler    DBProfilerConfig `yaml:"db_profiler"`
	Elasticsearch ElasticConfig    `yaml:"elasticsearch"`

	// Diagnostics receives suppressed terminate-phase errors. Defaults to
	// a nop logger; the no-throw contract holds either way.
	Diagnostics *zap.Logger `yaml:"-"`
}

// DBProfilerConfig scopes query profiling to deployment environments.
type DBProfilerConfig struct {
	EnabledEnvironments []string `yaml:"enabled_environments"`
}

// ElasticConfig configures the backend client built by New.
type ElasticConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`

	// Transport overrides the client's round tripper, mainly for tests.
	Transport http.RoundTripper `yaml:"-"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AppName == "" {
		return errors.New("appName is required")
	}
	if c.Environment == "" {
		return errors.New("environment is required")
	}
	return nil
}

func (c Config) forceSafe() bool {
	if c.ForceSafe == nil {
		return true
	}
	return *c.ForceSafe
}

// New builds the Elasticsearch-backed recorder from configuration. The
// backend client is owned by the returned recorder's logger and injected
// nowhere else.
func New(cfg Config) (*Recorder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
		Transport: cfg.Elasticsearch.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	logger, err := NewElasticLogger(client, cfg.AppName)
	if err != nil {
		return nil, err
	}

	return NewRecorder(cfg, logger)
}
