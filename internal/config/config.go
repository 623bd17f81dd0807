// Package config 从默认值、配置文件、.env 与环境变量加载服务配置。
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix 是环境变量前缀，例如 TCPJSONRPC_LISTEN_ADDR。
const EnvPrefix = "TCPJSONRPC"

// Config holds all configuration for the server.
type Config struct {
	ListenAddr      string        `mapstructure:"LISTEN_ADDR"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogDevelopment  bool          `mapstructure:"LOG_DEVELOPMENT"`
	MaxConnections  int           `mapstructure:"MAX_CONNECTIONS"`
	MaxFrameBytes   int           `mapstructure:"MAX_FRAME_BYTES"`
	MetricsAddr     string        `mapstructure:"METRICS_ADDR"`
	ReadTimeout     time.Duration `mapstructure:"-"`
	WriteTimeout    time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`

	// File 是实际使用的配置文件，没有时为空。
	File string `mapstructure:"-"`

	// Warnings 收集加载过程中的非致命问题，由调用方在日志就绪后输出。
	Warnings []string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
	v.SetDefault("MAX_CONNECTIONS", 8)
	v.SetDefault("MAX_FRAME_BYTES", 1<<20)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("READ_TIMEOUT_SECONDS", 5)
	v.SetDefault("WRITE_TIMEOUT_SECONDS", 2)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 5)
}

// Flags 返回可以覆盖配置的命令行参数。
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tcpjsonrpc", pflag.ContinueOnError)
	fs.String("config", "", "directory containing config.yaml")
	fs.String("listen", "", "TCP listen address, overrides LISTEN_ADDR")
	fs.String("metrics", "", "prometheus listen address, overrides METRICS_ADDR")
	fs.String("log-level", "", "log level, overrides LOG_LEVEL")
	return fs
}

// Load 依次合并默认值、config.yaml、.env 与环境变量，最后是 fs 中显式设置的参数。fs 可以为 nil。
func Load(fs *pflag.FlagSet, configPaths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "config: load .env")
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, path := range configPaths {
		if path != "" {
			v.AddConfigPath(path)
		}
	}
	if fs != nil {
		if dir, err := fs.GetString("config"); err == nil && dir != "" {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var warnings []string
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	if fs != nil {
		bindFlag(v, fs, "LISTEN_ADDR", "listen")
		bindFlag(v, fs, "METRICS_ADDR", "metrics")
		bindFlag(v, fs, "LOG_LEVEL", "log-level")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	cfg.ReadTimeout = seconds(v, "READ_TIMEOUT_SECONDS")
	cfg.WriteTimeout = seconds(v, "WRITE_TIMEOUT_SECONDS")
	cfg.ShutdownTimeout = seconds(v, "SHUTDOWN_TIMEOUT_SECONDS")

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		warnings = append(warnings, "invalid LOG_LEVEL '"+cfg.LogLevel+"', defaulting to 'info'")
		cfg.LogLevel = "info"
	}
	if cfg.MaxConnections < 0 {
		warnings = append(warnings, "negative MAX_CONNECTIONS, treating as unlimited")
		cfg.MaxConnections = 0
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Warnings = warnings
	return &cfg, nil
}

// bindFlag 只在参数被显式设置时覆盖配置，避免空默认值盖掉环境变量。
func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) {
	if f := fs.Lookup(name); f != nil && f.Changed {
		v.Set(key, f.Value.String())
	}
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}
