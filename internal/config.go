package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	DefaultPort            = 1100
	DefaultMaxDatagramSize = 65504
	MaxDatagramSize        = 65507
	DefaultWrapThreshold   = 1 << 30
	DefaultMaxParts        = 1024
	DefaultRestartAfter    = 32

	senderConfigName   = "send_config"
	receiverConfigName = "view_config"
)

type SenderConfig struct {
	DestAddr        string `mapstructure:"dest_addr" toml:"dest_addr" yaml:"dest_addr"`
	DestPort        int    `mapstructure:"dest_port" toml:"dest_port" yaml:"dest_port"`
	BindAddr        string `mapstructure:"bind_addr" toml:"bind_addr" yaml:"bind_addr"`
	BindPort        int    `mapstructure:"bind_port" toml:"bind_port" yaml:"bind_port"`
	Broadcast       bool   `mapstructure:"broadcast" toml:"broadcast" yaml:"broadcast"`
	StreamName      string `mapstructure:"stream_name" toml:"stream_name" yaml:"stream_name"`
	Format          string `mapstructure:"format" toml:"format" yaml:"format"`
	Quality         int    `mapstructure:"quality" toml:"quality" yaml:"quality"`
	PngCompression  int    `mapstructure:"png_compression" toml:"png_compression" yaml:"png_compression"`
	PartDelayUs     int    `mapstructure:"part_delay_us" toml:"part_delay_us" yaml:"part_delay_us"`
	MaxDatagramSize int    `mapstructure:"max_datagram_size" toml:"max_datagram_size" yaml:"max_datagram_size"`
	MulticastTTL    int    `mapstructure:"multicast_ttl" toml:"multicast_ttl" yaml:"multicast_ttl"`
	Source          string `mapstructure:"source" toml:"source" yaml:"source"`
	Fps             int    `mapstructure:"fps" toml:"fps" yaml:"fps"`
	InstanceID      string `mapstructure:"instance_id" toml:"instance_id" yaml:"instance_id"`
	LogLevel        string `mapstructure:"log_level" toml:"log_level" yaml:"log_level"`
}

type ReceiverConfig struct {
	BindAddr           string `mapstructure:"bind_addr" toml:"bind_addr" yaml:"bind_addr"`
	Port               int    `mapstructure:"port" toml:"port" yaml:"port"`
	MaxDatagramSize    int    `mapstructure:"max_datagram_size" toml:"max_datagram_size" yaml:"max_datagram_size"`
	WrapThreshold      uint32 `mapstructure:"wrap_threshold" toml:"wrap_threshold" yaml:"wrap_threshold"`
	MaxParts           int    `mapstructure:"max_parts" toml:"max_parts" yaml:"max_parts"`
	RestartAfter       uint32 `mapstructure:"restart_after" toml:"restart_after" yaml:"restart_after"`
	Workers            int    `mapstructure:"workers" toml:"workers" yaml:"workers"`
	QueueDepth         int    `mapstructure:"queue_depth" toml:"queue_depth" yaml:"queue_depth"`
	ReadBufferSize     int    `mapstructure:"read_buffer_size" toml:"read_buffer_size" yaml:"read_buffer_size"`
	MulticastGroup     string `mapstructure:"multicast_group" toml:"multicast_group" yaml:"multicast_group"`
	HTTPAddr           string `mapstructure:"http_addr" toml:"http_addr" yaml:"http_addr"`
	GRPCAddr           string `mapstructure:"grpc_addr" toml:"grpc_addr" yaml:"grpc_addr"`
	MqttBroker         string `mapstructure:"mqtt_broker" toml:"mqtt_broker" yaml:"mqtt_broker"`
	MqttTopicPrefix    string `mapstructure:"mqtt_topic_prefix" toml:"mqtt_topic_prefix" yaml:"mqtt_topic_prefix"`
	FrameWaitTimeoutMs int    `mapstructure:"frame_wait_timeout_ms" toml:"frame_wait_timeout_ms" yaml:"frame_wait_timeout_ms"`
	ReceiverID         string `mapstructure:"receiver_id" toml:"receiver_id" yaml:"receiver_id"`
	LogLevel           string `mapstructure:"log_level" toml:"log_level" yaml:"log_level"`
}

func DefaultSenderConfigPath() string {
	return defaultConfigPath(senderConfigName)
}

func DefaultReceiverConfigPath() string {
	return defaultConfigPath(receiverConfigName)
}

func defaultConfigPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".farshow", name+".toml")
	}
	return filepath.Join(home, ".farshow", name+".toml")
}

func LoadSenderConfig(configPath string) (*SenderConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v, found, err := initViper(configPath, filepath.Join(home, ".farshow"), senderConfigName, "toml", "FARSHOW_SEND")
	if err != nil {
		return nil, err
	}

	v.SetDefault("dest_addr", "127.0.0.1")
	v.SetDefault("dest_port", DefaultPort)
	v.SetDefault("bind_addr", "")
	v.SetDefault("bind_port", 0)
	v.SetDefault("broadcast", false)
	v.SetDefault("stream_name", "input")
	v.SetDefault("format", "jpg")
	v.SetDefault("quality", 95)
	v.SetDefault("png_compression", 5)
	v.SetDefault("part_delay_us", 500)
	v.SetDefault("max_datagram_size", DefaultMaxDatagramSize)
	v.SetDefault("multicast_ttl", 1)
	v.SetDefault("source", "pattern")
	v.SetDefault("fps", 15)
	v.SetDefault("instance_id", uuid.New().String())
	v.SetDefault("log_level", "info")

	var cfg SenderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Source = expandPath(cfg.Source)

	// Create-on-first-run only: nothing was read, persist the defaults.
	if !found {
		writePath := configPath
		if writePath == "" {
			writePath = DefaultSenderConfigPath()
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default sender config: %w", err)
			}
			Info("sender config written", Fields{
				ConfigPath: writePath,
			})
		}
	}
	return &cfg, nil
}

func LoadReceiverConfig(configPath string) (*ReceiverConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New("failed to load users home directory: " + err.Error())
	}

	v, found, err := initViper(configPath, filepath.Join(home, ".farshow"), receiverConfigName, "toml", "FARSHOW_VIEW")
	if err != nil {
		return nil, fmt.Errorf("failed to load receiver config: %w", err)
	}

	v.SetDefault("bind_addr", "")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("max_datagram_size", DefaultMaxDatagramSize)
	v.SetDefault("wrap_threshold", DefaultWrapThreshold)
	v.SetDefault("max_parts", DefaultMaxParts)
	v.SetDefault("restart_after", DefaultRestartAfter)
	v.SetDefault("workers", 1)
	v.SetDefault("queue_depth", 0)
	v.SetDefault("read_buffer_size", 4<<20)
	v.SetDefault("multicast_group", "")
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic_prefix", "farshow")
	v.SetDefault("frame_wait_timeout_ms", 500)
	v.SetDefault("receiver_id", uuid.New().String())
	v.SetDefault("log_level", "info")

	var cfg ReceiverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if !found {
		writePath := configPath
		if writePath == "" {
			writePath = DefaultReceiverConfigPath()
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default receiver config: %w", err)
			}
			Info("receiver config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func (cfg *SenderConfig) Validate() error {
	if strings.TrimSpace(cfg.DestAddr) == "" {
		return errors.New("dest_addr is required")
	}
	if cfg.DestPort <= 0 || cfg.DestPort > 65535 {
		return fmt.Errorf("dest_port %d out of range", cfg.DestPort)
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > MaxDatagramSize {
		return fmt.Errorf("max_datagram_size must be in (0, %d]", MaxDatagramSize)
	}
	if cfg.PartDelayUs < 0 {
		return errors.New("part_delay_us must not be negative")
	}
	if strings.TrimSpace(cfg.StreamName) == "" {
		return errors.New("stream_name is required")
	}
	return nil
}

func (cfg *ReceiverConfig) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > MaxDatagramSize {
		return fmt.Errorf("max_datagram_size must be in (0, %d]", MaxDatagramSize)
	}
	if cfg.WrapThreshold == 0 {
		return errors.New("wrap_threshold must be positive")
	}
	if cfg.MaxParts <= 0 {
		return errors.New("max_parts must be positive")
	}
	if cfg.RestartAfter >= cfg.WrapThreshold {
		return errors.New("restart_after must be smaller than wrap_threshold")
	}
	if cfg.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	return nil
}

// Settings returns the config keyed the way it is persisted.
func (cfg *SenderConfig) Settings() map[string]any {
	return map[string]any{
		"dest_addr":         cfg.DestAddr,
		"dest_port":         cfg.DestPort,
		"bind_addr":         cfg.BindAddr,
		"bind_port":         cfg.BindPort,
		"broadcast":         cfg.Broadcast,
		"stream_name":       cfg.StreamName,
		"format":            cfg.Format,
		"quality":           cfg.Quality,
		"png_compression":   cfg.PngCompression,
		"part_delay_us":     cfg.PartDelayUs,
		"max_datagram_size": cfg.MaxDatagramSize,
		"multicast_ttl":     cfg.MulticastTTL,
		"source":            cfg.Source,
		"fps":               cfg.Fps,
		"instance_id":       cfg.InstanceID,
		"log_level":         cfg.LogLevel,
	}
}

func (cfg *ReceiverConfig) Settings() map[string]any {
	return map[string]any{
		"bind_addr":             cfg.BindAddr,
		"port":                  cfg.Port,
		"max_datagram_size":     cfg.MaxDatagramSize,
		"wrap_threshold":        cfg.WrapThreshold,
		"max_parts":             cfg.MaxParts,
		"restart_after":         cfg.RestartAfter,
		"workers":               cfg.Workers,
		"queue_depth":           cfg.QueueDepth,
		"read_buffer_size":      cfg.ReadBufferSize,
		"multicast_group":       cfg.MulticastGroup,
		"http_addr":             cfg.HTTPAddr,
		"grpc_addr":             cfg.GRPCAddr,
		"mqtt_broker":           cfg.MqttBroker,
		"mqtt_topic_prefix":     cfg.MqttTopicPrefix,
		"frame_wait_timeout_ms": cfg.FrameWaitTimeoutMs,
		"receiver_id":           cfg.ReceiverID,
		"log_level":             cfg.LogLevel,
	}
}

func (cfg *SenderConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultSenderConfigPath()
	}
	if err := writeSettings(path, cfg.Settings()); err != nil {
		return "", fmt.Errorf("write sender config: %w", err)
	}
	return path, nil
}

func (cfg *ReceiverConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultReceiverConfigPath()
	}
	if err := writeSettings(path, cfg.Settings()); err != nil {
		return "", fmt.Errorf("write receiver config: %w", err)
	}
	return path, nil
}

func writeSettings(path string, settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("toml")
	for k, val := range settings {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	_ = os.Chmod(path, 0o600)
	return nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !(configPath != "" && errors.Is(err, os.ErrNotExist)) {
			Error("config file unreadable", Fields{
				ConfigPath: configPath,
				FieldError: err.Error(),
			})
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		return v, false, nil
	}
	return v, true, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Set assigns one persisted key from its string form and re-validates.
func (cfg *SenderConfig) Set(key, value string) error {
	if err := setKey(cfg, cfg.Settings(), key, value); err != nil {
		return err
	}
	return cfg.Validate()
}

func (cfg *ReceiverConfig) Set(key, value string) error {
	if err := setKey(cfg, cfg.Settings(), key, value); err != nil {
		return err
	}
	return cfg.Validate()
}

func setKey(target any, settings map[string]any, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := settings[key]; !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	v.Set(key, value)
	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
