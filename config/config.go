// Package config holds the one configuration value built at startup and
// handed to every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"hiphop-rpc/codec"
	"hiphop-rpc/dsp"
)

// EnvConfig and EnvEmbedded are also set by a host for the UI it launches.
const (
	EnvConfig        = "HIPHOP_CONFIG"
	envEndpoint      = "HIPHOP_ENDPOINT"
	envServerPort    = "HIPHOP_SERVER_PORT"
	envEtcdEndpoints = "HIPHOP_ETCD_ENDPOINTS"
	EnvEmbedded      = "HIPHOP_EMBEDDED"
)

// Config is the root configuration, loaded from a JSON file.
type Config struct {
	Channel  ChannelConfig  `json:"channel"`
	Server   ServerConfig   `json:"server"`
	Transfer TransferConfig `json:"transfer"`
	DSP      DSPConfig      `json:"dsp"`
	Registry RegistryConfig `json:"registry"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelConfig is the UI side.
type ChannelConfig struct {
	Endpoint string `json:"endpoint"` // ws:// URL; empty means discover
	// Embedded talks to the host over stdin/stdout instead of a socket. The
	// host sets it (HIPHOP_EMBEDDED=1) when it launches the UI as a child.
	Embedded            bool   `json:"embedded"`
	Codec               string `json:"codec"`
	ReconnectIntervalMs int    `json:"reconnect_interval_ms"`
	PingIntervalMs      int    `json:"ping_interval_ms"`
	WriteTimeoutMs      int    `json:"write_timeout_ms"`
	CallTimeoutMs       int    `json:"call_timeout_ms"` // 0 waits for a reply indefinitely
	FlushOnOpen         bool   `json:"flush_on_open"`
	Balancer            string `json:"balancer"` // roundrobin, weighted, hash
}

func (c ChannelConfig) ReconnectInterval() time.Duration {
	return ms(c.ReconnectIntervalMs)
}

func (c ChannelConfig) PingInterval() time.Duration {
	return ms(c.PingIntervalMs)
}

func (c ChannelConfig) WriteTimeout() time.Duration {
	return ms(c.WriteTimeoutMs)
}

func (c ChannelConfig) CallTimeout() time.Duration {
	return ms(c.CallTimeoutMs)
}

// CodecType parses Codec; Validate has already rejected bad names.
func (c ChannelConfig) CodecType() codec.CodecType {
	ct, _ := codec.ParseCodecType(c.Codec)
	return ct
}

// ServerConfig is the host side.
type ServerConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"` // 0 searches upward from 49152
	Path              string `json:"path"`
	HoldUntilFlush    bool   `json:"hold_until_flush"`
	InitQueueSize     int    `json:"init_queue_size"`
	WriteTimeoutMs    int    `json:"write_timeout_ms"`
	ShutdownTimeoutMs int    `json:"shutdown_timeout_ms"`
	RateLimit         int    `json:"rate_limit"` // Calls per second per peer, 0 disables
	HandlerTimeoutMs  int    `json:"handler_timeout_ms"`
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return ms(c.WriteTimeoutMs)
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return ms(c.ShutdownTimeoutMs)
}

func (c ServerConfig) HandlerTimeout() time.Duration {
	return ms(c.HandlerTimeoutMs)
}

// Addr is the listen address, "" when the port is searched.
func (c ServerConfig) Addr() string {
	if c.Port == 0 {
		return ""
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type TransferConfig struct {
	MaxChunk int `json:"max_chunk"`
	// Destinations maps destination keys to capacities in bytes.
	Destinations map[string]int `json:"destinations"`
}

type DSPConfig struct {
	Inputs       int `json:"inputs"`
	Outputs      int `json:"outputs"`
	MaxFrames    int `json:"max_frames"`
	SampleRate   int `json:"sample_rate"`
	SnapshotRate int `json:"snapshot_rate"` // Visualization pushes per second
}

func (c DSPConfig) Layout() dsp.Layout {
	return dsp.Layout{Inputs: c.Inputs, Outputs: c.Outputs, MaxFrames: c.MaxFrames}
}

type RegistryConfig struct {
	Enabled       bool     `json:"enabled"`
	Endpoints     []string `json:"endpoints"`
	DialTimeoutMs int      `json:"dial_timeout_ms"`
	TTLMs         int      `json:"ttl_ms"`
	Service       string   `json:"service"`
	Weight        int      `json:"weight"`
}

func (c RegistryConfig) DialTimeout() time.Duration {
	return ms(c.DialTimeoutMs)
}

func (c RegistryConfig) TTL() time.Duration {
	return ms(c.TTLMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			Codec:               "json",
			ReconnectIntervalMs: 1000,
			PingIntervalMs:      10000,
			WriteTimeoutMs:      10000,
			CallTimeoutMs:       5000,
			FlushOnOpen:         true,
			Balancer:            "roundrobin",
		},
		Server: ServerConfig{
			Path:              "/",
			HoldUntilFlush:    true,
			InitQueueSize:     256,
			WriteTimeoutMs:    10000,
			ShutdownTimeoutMs: 5000,
			HandlerTimeoutMs:  2000,
		},
		Transfer: TransferConfig{
			MaxChunk: 48 << 10,
			Destinations: map[string]int{
				"shm":  1 << 20,
				"wasm": 16 << 20,
			},
		},
		DSP: DSPConfig{
			Inputs:       2,
			Outputs:      2,
			MaxFrames:    128,
			SampleRate:   48000,
			SnapshotRate: 30,
		},
		Registry: RegistryConfig{
			Endpoints:     []string{"127.0.0.1:2379"},
			DialTimeoutMs: 5000,
			TTLMs:         10000,
			Service:       "hiphop",
			Weight:        10,
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path falls back to HIPHOP_CONFIG, then to defaults
// only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfig))
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := sonic.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if endpoint := strings.TrimSpace(os.Getenv(envEndpoint)); endpoint != "" {
		cfg.Channel.Endpoint = endpoint
	}
	if raw := strings.TrimSpace(os.Getenv(envServerPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envServerPort, err)
		}
		cfg.Server.Port = port
	}
	if raw := strings.TrimSpace(os.Getenv(EnvEmbedded)); raw != "" {
		embedded, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEmbedded, err)
		}
		cfg.Channel.Embedded = embedded
	}
	if raw := strings.TrimSpace(os.Getenv(envEtcdEndpoints)); raw != "" {
		cfg.Registry.Endpoints = parseCSV(raw)
		cfg.Registry.Enabled = true
	}
	return nil
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	return clean
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.ParseCodecType(c.Channel.Codec); err != nil {
		errs = append(errs, fmt.Errorf("channel.codec: %w", err))
	}
	if c.Channel.ReconnectIntervalMs <= 0 {
		errs = append(errs, errors.New("channel.reconnect_interval_ms must be positive"))
	}
	if c.Channel.PingIntervalMs < 0 {
		errs = append(errs, errors.New("channel.ping_interval_ms must not be negative"))
	}
	if c.Channel.CallTimeoutMs < 0 {
		errs = append(errs, errors.New("channel.call_timeout_ms must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Transfer.MaxChunk <= 0 {
		errs = append(errs, errors.New("transfer.max_chunk must be positive"))
	}
	if err := c.DSP.Layout().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dsp: %w", err))
	}
	if c.Registry.Enabled && len(c.Registry.Endpoints) == 0 {
		errs = append(errs, errors.New("registry.endpoints required when enabled"))
	}
	return errors.Join(errs...)
}
