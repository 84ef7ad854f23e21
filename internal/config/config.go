package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/transposectl/internal/client"
	"github.com/danmuck/transposectl/internal/server"
)

var (
	ErrInvalidMatrixSize = errors.New("config: matrix_size must be positive")
	ErrNoThreadConfigs   = errors.New("config: thread_configs must not be empty")
	ErrServerAddrMissing = errors.New("config: server_addr is required")
)

// ServerConfig is the on-disk shape of a transposectl server config.
type ServerConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	MaxClients        int    `toml:"max_clients"`
	ReuseAddr         bool   `toml:"reuse_addr"`
	MaxMatrixDim      int64  `toml:"max_matrix_dim"`
	MaxConfigs        int64  `toml:"max_configs"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	MetricsAddr       string `toml:"metrics_addr"`
}

// ClientConfig is the on-disk shape of a client-tm config.
type ClientConfig struct {
	ServerAddr    string `toml:"server_addr"`
	DialTimeout   string `toml:"dial_timeout"`
	MatrixSize    int    `toml:"matrix_size"`
	ThreadConfigs []int  `toml:"thread_configs"`
	Seed          int64  `toml:"seed"`
}

// ClientSettings is a loaded and validated client config.
type ClientSettings struct {
	Client        client.Config
	MatrixSize    int
	ThreadConfigs []int
	Seed          int64
}

func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		Client:        client.DefaultConfig(),
		MatrixSize:    512,
		ThreadConfigs: []int{1, 2, 4, 8, 16},
		Seed:          1,
	}
}

// LoadServerConfig overlays the keys present in path onto the service defaults.
func LoadServerConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw ServerConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("max_clients") {
		cfg.MaxClients = raw.MaxClients
	}
	if meta.IsDefined("reuse_addr") {
		cfg.ReuseAddr = raw.ReuseAddr
	}
	if meta.IsDefined("max_matrix_dim") {
		if raw.MaxMatrixDim <= 0 || raw.MaxMatrixDim > int64(^uint32(0)) {
			return server.ServiceConfig{}, fmt.Errorf("config: max_matrix_dim out of range: %d", raw.MaxMatrixDim)
		}
		cfg.Limits.MaxDim = uint32(raw.MaxMatrixDim)
	}
	if meta.IsDefined("max_configs") {
		if raw.MaxConfigs <= 0 || raw.MaxConfigs > int64(^uint32(0)) {
			return server.ServiceConfig{}, fmt.Errorf("config: max_configs out of range: %d", raw.MaxConfigs)
		}
		cfg.Limits.MaxConfigs = uint32(raw.MaxConfigs)
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := parseDuration(raw.HeartbeatInterval)
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if err := cfg.Validate(); err != nil {
		return server.ServiceConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadClientConfig overlays the keys present in path onto the client defaults.
func LoadClientConfig(path string) (ClientSettings, error) {
	cfg := DefaultClientSettings()

	var raw ClientConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientSettings{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("server_addr") {
		cfg.Client.Addr = strings.TrimSpace(raw.ServerAddr)
	}
	if meta.IsDefined("dial_timeout") {
		d, err := parseDuration(raw.DialTimeout)
		if err != nil {
			return ClientSettings{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.Client.DialTimeout = d
	}
	if meta.IsDefined("matrix_size") {
		cfg.MatrixSize = raw.MatrixSize
	}
	if meta.IsDefined("thread_configs") {
		cfg.ThreadConfigs = append([]int(nil), raw.ThreadConfigs...)
	}
	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}

	if err := ValidateClientSettings(cfg); err != nil {
		return ClientSettings{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func ValidateClientSettings(cfg ClientSettings) error {
	if strings.TrimSpace(cfg.Client.Addr) == "" {
		return ErrServerAddrMissing
	}
	if cfg.MatrixSize <= 0 {
		return ErrInvalidMatrixSize
	}
	if len(cfg.ThreadConfigs) == 0 {
		return ErrNoThreadConfigs
	}
	if cfg.Client.DialTimeout < 0 {
		return fmt.Errorf("config: dial_timeout must not be negative: %s", cfg.Client.DialTimeout)
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}
