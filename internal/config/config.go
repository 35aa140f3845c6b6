// Package config loads the ewonic YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Platform selects which session transport the orchestrator runs.
type Platform string

const (
	PlatformWebRTC Platform = "webrtc"
	PlatformNative Platform = "native"
)

type Config struct {
	LogLevel string   `yaml:"log_level"`
	Database string   `yaml:"database"`
	Platform Platform `yaml:"platform"`

	Relay  RelayConfig  `yaml:"relay"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
	Air    AirConfig    `yaml:"air"`
	Audio  AudioConfig  `yaml:"audio"`
}

type RelayConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	NamePrefix         string `yaml:"name_prefix"`
}

type WebRTCConfig struct {
	STUNServers      []string `yaml:"stun_servers"`
	DataChannelLabel string   `yaml:"data_channel_label"`
}

// AirConfig addresses the websocket radio medium used on desktop hosts.
type AirConfig struct {
	URL    string `yaml:"url"`
	Listen string `yaml:"listen"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameBytes int `yaml:"frame_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: "ewonic.sqlite3",
		Platform: PlatformWebRTC,
		Relay: RelayConfig{
			ServiceUUID:        "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			CharacteristicUUID: "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			NamePrefix:         "EWONIC:",
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DataChannelLabel: "ewonic",
		},
		Air: AirConfig{
			URL:    "ws://127.0.0.1:7420/air",
			Listen: ":7420",
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			FrameBytes: 3200,
		},
	}
}

// Load reads the YAML file at path on top of [Default].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns a joined error listing every invalid field.
func Validate(cfg *Config) error {
	var errs []error

	switch strings.ToLower(cfg.LogLevel) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	switch cfg.Platform {
	case PlatformWebRTC, PlatformNative:
	default:
		errs = append(errs, fmt.Errorf("platform %q is invalid; valid values: webrtc, native", cfg.Platform))
	}

	if cfg.Relay.ServiceUUID == "" {
		errs = append(errs, errors.New("relay.service_uuid is required"))
	}
	if cfg.Relay.CharacteristicUUID == "" {
		errs = append(errs, errors.New("relay.characteristic_uuid is required"))
	}
	if cfg.Relay.NamePrefix == "" {
		errs = append(errs, errors.New("relay.name_prefix is required"))
	}
	if cfg.WebRTC.DataChannelLabel == "" {
		errs = append(errs, errors.New("webrtc.data_channel_label is required"))
	}
	for i, s := range cfg.WebRTC.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			errs = append(errs, fmt.Errorf("webrtc.stun_servers[%d] %q must start with stun: or turn:", i, s))
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameBytes <= 0 || cfg.Audio.FrameBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.frame_bytes must be a positive even number, got %d", cfg.Audio.FrameBytes))
	}

	return errors.Join(errs...)
}
