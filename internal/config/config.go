// Package config holds the startup configuration of the graphqlhttp server.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment variables: server.addr is read from
// GRAPHQLHTTP_SERVER_ADDR.
const EnvPrefix = "GRAPHQLHTTP"

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	GraphQL GraphQLConfig `mapstructure:"graphql" yaml:"graphql"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	OTel    OTelConfig    `mapstructure:"otel" yaml:"otel"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	MetadataHeaders []string      `mapstructure:"metadata_headers" yaml:"metadata_headers"`
}

type GraphQLConfig struct {
	// Schema is the path of the SDL file.
	Schema string `mapstructure:"schema" yaml:"schema"`
	// Fixtures is the path of the YAML fixture data served by the executor.
	Fixtures string `mapstructure:"fixtures" yaml:"fixtures"`

	Batching bool `mapstructure:"batching" yaml:"batching"`
	Debug    bool `mapstructure:"debug" yaml:"debug"`

	DocumentCacheSize int64         `mapstructure:"document_cache_size" yaml:"document_cache_size"`
	ResponseCache     bool          `mapstructure:"response_cache" yaml:"response_cache"`
	CacheMaxBytes     int64         `mapstructure:"cache_max_bytes" yaml:"cache_max_bytes"`
	DefaultMaxAge     time.Duration `mapstructure:"default_max_age" yaml:"default_max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type OTelConfig struct {
	// Endpoint of the OTLP gRPC collector. Empty disables tracing.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Service  string `mapstructure:"service" yaml:"service"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			Timeout:      10 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		GraphQL: GraphQLConfig{
			Batching:          true,
			DocumentCacheSize: 1000,
			CacheMaxBytes:     32 << 20,
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		OTel:    OTelConfig{Service: "graphqlhttp"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// SetDefaults registers every key of Default with v so environment
// variables are honoured for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.metadata_headers", d.Server.MetadataHeaders)
	v.SetDefault("graphql.schema", d.GraphQL.Schema)
	v.SetDefault("graphql.fixtures", d.GraphQL.Fixtures)
	v.SetDefault("graphql.batching", d.GraphQL.Batching)
	v.SetDefault("graphql.debug", d.GraphQL.Debug)
	v.SetDefault("graphql.document_cache_size", d.GraphQL.DocumentCacheSize)
	v.SetDefault("graphql.response_cache", d.GraphQL.ResponseCache)
	v.SetDefault("graphql.cache_max_bytes", d.GraphQL.CacheMaxBytes)
	v.SetDefault("graphql.default_max_age", d.GraphQL.DefaultMaxAge)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("otel.endpoint", d.OTel.Endpoint)
	v.SetDefault("otel.service", d.OTel.Service)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Load reads the configuration from v. Flags bound to v take precedence over
// environment variables, which take precedence over the file at path.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server.addr is required")
	case c.GraphQL.Schema == "":
		return errors.New("graphql.schema is required")
	case c.Server.Timeout < 0:
		return errors.New("server.timeout must not be negative")
	case c.Server.MaxBodyBytes < 0:
		return errors.New("server.max_body_bytes must not be negative")
	case c.GraphQL.DocumentCacheSize < 0:
		return errors.New("graphql.document_cache_size must not be negative")
	case c.GraphQL.CacheMaxBytes < 0:
		return errors.New("graphql.cache_max_bytes must not be negative")
	case c.GraphQL.DefaultMaxAge < 0:
		return errors.New("graphql.default_max_age must not be negative")
	case c.Log.Format != "console" && c.Log.Format != "json":
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// Logger builds the process logger writing to stderr.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	var enc zapcore.Encoder
	if c.Format == "json" {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()), nil
}
