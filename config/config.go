// Package config loads the router's static configuration. Only
// cmd/hdtn-core imports this package; every core package (ingress,
// storage, custody, ltp, tcpcl) takes its dependencies as plain
// constructor arguments so it never has to know about viper or
// environment variables. Precedence is env > file > defaults (Load
// binds no command-line flags), built on spf13/viper, with go-playground/validator/v10 enforcing the
// struct tags below instead of hand-written checks.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EndpointID mirrors hdtncore.EID's "ipn:N.S" textual form without
// importing the hdtncore package, so config stays a leaf with no
// dependency on the dataplane it configures.
type EndpointID struct {
	NodeID    uint64 `mapstructure:"node_id" validate:"required"`
	ServiceID uint64 `mapstructure:"service_id"`
}

// Induct describes one inbound convergence-layer listener.
type Induct struct {
	Name     string `mapstructure:"name" validate:"required"`
	Protocol string `mapstructure:"protocol" validate:"required,oneof=tcpcl ltp"`
	Address  string `mapstructure:"address" validate:"required"`
}

// Outduct describes one outbound convergence-layer path.
type Outduct struct {
	Name        string `mapstructure:"name" validate:"required"`
	Protocol    string `mapstructure:"protocol" validate:"required,oneof=tcpcl ltp"`
	NextHopEID  EndpointID `mapstructure:"next_hop_eid"`
	Address     string `mapstructure:"address" validate:"required"`
}

// LoggingConfig controls slog output: level and text-vs-JSON format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

// StorageConfig sizes the mmap-backed segment store.
type StorageConfig struct {
	Path           string `mapstructure:"path" validate:"required"`
	SegmentSizeBytes int  `mapstructure:"segment_size_bytes" validate:"required,gt=0"`
	NumSegments      int  `mapstructure:"num_segments" validate:"required,gt=0"`
}

// Config is the router's full static configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Storage StorageConfig `mapstructure:"storage"`

	MaxBundleSizeBytes                    int `mapstructure:"max_bundle_size_bytes" validate:"required,gt=0"`
	MaxLtpReceiveUDPPacketSizeBytes        int `mapstructure:"max_ltp_receive_udp_packet_size_bytes" validate:"required,gt=0"`
	ZmqMaxMessagesPerPath                  int `mapstructure:"zmq_max_messages_per_path" validate:"required,gt=0"`
	MaxIngressBundleWaitOnEgressMilliseconds int `mapstructure:"max_ingress_bundle_wait_on_egress_milliseconds" validate:"gte=0"`

	MyNodeID           uint64 `mapstructure:"my_node_id" validate:"required"`
	MyCustodialServiceID uint64 `mapstructure:"my_custodial_service_id"`
	MyBPEchoServiceID     uint64 `mapstructure:"my_bp_echo_service_id"`

	Inducts  []Induct  `mapstructure:"inducts" validate:"dive"`
	Outducts []Outduct `mapstructure:"outducts" validate:"dive"`
}

// Defaults returns a Config with the router's baseline settings. It is
// the lowest-precedence layer: environment variables and file contents
// both override it.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9464"},
		Storage: StorageConfig{
			Path:             "hdtn.store",
			SegmentSizeBytes: 4096,
			NumSegments:      65536,
		},
		MaxBundleSizeBytes:               1 << 24,
		MaxLtpReceiveUDPPacketSizeBytes:   65535,
		ZmqMaxMessagesPerPath:             5,
		MaxIngressBundleWaitOnEgressMilliseconds: 2000,
	}
}

// Load reads configuration from HDTN_-prefixed environment variables,
// configPath (if non-empty), and defaults, in that precedence order,
// then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HDTN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Defaults()
	setDefaults(v, def)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.address", def.Metrics.Address)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.segment_size_bytes", def.Storage.SegmentSizeBytes)
	v.SetDefault("storage.num_segments", def.Storage.NumSegments)
	v.SetDefault("max_bundle_size_bytes", def.MaxBundleSizeBytes)
	v.SetDefault("max_ltp_receive_udp_packet_size_bytes", def.MaxLtpReceiveUDPPacketSizeBytes)
	v.SetDefault("zmq_max_messages_per_path", def.ZmqMaxMessagesPerPath)
	v.SetDefault("max_ingress_bundle_wait_on_egress_milliseconds", def.MaxIngressBundleWaitOnEgressMilliseconds)
}

var validateOnce = validator.New()

func validate(cfg *Config) error {
	return validateOnce.Struct(cfg)
}
