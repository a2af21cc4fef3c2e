// Package config holds the streaming, abr, drm, and preferences options,
// layered as viper defaults < YAML config file < environment < pflag-bound
// CLI flags.
//
// DecodeClearKeys turns "kid:key" hex pairs into raw key bytes, rejecting
// malformed entries and duplicate key IDs.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RetryConfig is streaming.retry_parameters.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	FuzzFactor    float64       `mapstructure:"fuzz_factor" yaml:"fuzz_factor"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StreamingConfig is the streaming.* config surface.
type StreamingConfig struct {
	BufferingGoal            float64       `mapstructure:"buffering_goal" yaml:"buffering_goal"`
	RebufferingGoal          float64       `mapstructure:"rebuffering_goal" yaml:"rebuffering_goal"`
	BufferBehind             float64       `mapstructure:"buffer_behind" yaml:"buffer_behind"`
	EvictionGoal             float64       `mapstructure:"eviction_goal" yaml:"eviction_goal"`
	Retry                    RetryConfig   `mapstructure:"retry_parameters" yaml:"retry_parameters"`
	StallEnabled             bool          `mapstructure:"stall_enabled" yaml:"stall_enabled"`
	StallThreshold           float64       `mapstructure:"stall_threshold" yaml:"stall_threshold"`
	StallSkip                float64       `mapstructure:"stall_skip" yaml:"stall_skip"`
	StartAtSegmentBoundary   bool          `mapstructure:"start_at_segment_boundary" yaml:"start_at_segment_boundary"`
	IgnoreTextStreamFailures bool          `mapstructure:"ignore_text_stream_failures" yaml:"ignore_text_stream_failures"`
	SafeSwitchMargin         float64       `mapstructure:"safe_switch_margin" yaml:"safe_switch_margin"`
	KeyAvailabilityTimeout   time.Duration `mapstructure:"key_availability_timeout" yaml:"key_availability_timeout"`
}

// RestrictionsConfig is abr.restrictions.
type RestrictionsConfig struct {
	MinBandwidth int     `mapstructure:"min_bandwidth" yaml:"min_bandwidth"`
	MaxBandwidth int     `mapstructure:"max_bandwidth" yaml:"max_bandwidth"`
	MinHeight    int     `mapstructure:"min_height" yaml:"min_height"`
	MaxHeight    int     `mapstructure:"max_height" yaml:"max_height"`
	MinPixels    int     `mapstructure:"min_pixels" yaml:"min_pixels"`
	MaxPixels    int     `mapstructure:"max_pixels" yaml:"max_pixels"`
	MinFrameRate float64 `mapstructure:"min_frame_rate" yaml:"min_frame_rate"`
	MaxFrameRate float64 `mapstructure:"max_frame_rate" yaml:"max_frame_rate"`
}

// ABRConfig is the abr.* config surface.
type ABRConfig struct {
	Enabled                  bool               `mapstructure:"enabled" yaml:"enabled"`
	UseNetworkInformation    bool               `mapstructure:"use_network_information" yaml:"use_network_information"`
	DefaultBandwidthEstimate float64            `mapstructure:"default_bandwidth_estimate" yaml:"default_bandwidth_estimate"`
	Restrictions             RestrictionsConfig `mapstructure:"restrictions" yaml:"restrictions"`
	SwitchInterval           time.Duration      `mapstructure:"switch_interval" yaml:"switch_interval"`
	BandwidthUpgradeTarget   float64            `mapstructure:"bandwidth_upgrade_target" yaml:"bandwidth_upgrade_target"`
	BandwidthDowngradeTarget float64            `mapstructure:"bandwidth_downgrade_target" yaml:"bandwidth_downgrade_target"`
}

// AdvancedDRMConfig is one entry of drm.advanced, keyed by key system.
type AdvancedDRMConfig struct {
	Robustness              string `mapstructure:"robustness" yaml:"robustness"`
	ServerCertificatePath   string `mapstructure:"server_certificate" yaml:"server_certificate"`
	IndividualizationServer string `mapstructure:"individualization_server" yaml:"individualization_server"`
	SessionType             string `mapstructure:"session_type" yaml:"session_type"`
}

// DRMConfig is the drm.* config surface. ClearKeys holds raw "kid:key"
// hex pairs; call DecodeClearKeys to turn them into key-ID -> key-byte
// maps.
type DRMConfig struct {
	Servers                 map[string]string            `mapstructure:"servers" yaml:"servers"`
	ClearKeys               []string                     `mapstructure:"clear_keys" yaml:"clear_keys"`
	Advanced                map[string]AdvancedDRMConfig `mapstructure:"advanced" yaml:"advanced"`
	DelayLicenseUntilPlayed bool                         `mapstructure:"delay_license_request_until_played" yaml:"delay_license_request_until_played"`
	PreferredKeySystems     []string                     `mapstructure:"preferred_key_systems" yaml:"preferred_key_systems"`
	LicenseRequestTimeout   time.Duration                `mapstructure:"license_request_timeout" yaml:"license_request_timeout"`
}

// PreferencesConfig is the preferences.* config surface.
type PreferencesConfig struct {
	PreferredAudioLanguage     string   `mapstructure:"preferred_audio_language" yaml:"preferred_audio_language"`
	PreferredTextLanguage      string   `mapstructure:"preferred_text_language" yaml:"preferred_text_language"`
	PreferredAudioChannelCount int      `mapstructure:"preferred_audio_channel_count" yaml:"preferred_audio_channel_count"`
	PreferredVideoCodecs       []string `mapstructure:"preferred_video_codecs" yaml:"preferred_video_codecs"`
	PreferredAudioCodecs       []string `mapstructure:"preferred_audio_codecs" yaml:"preferred_audio_codecs"`
}

// Config is the complete configuration surface, plus the ambient
// listen-address/log-level fields cmd/streamctl needs.
type Config struct {
	ListenAddr  string            `mapstructure:"listen_addr" yaml:"listen_addr"`
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	Streaming   StreamingConfig   `mapstructure:"streaming" yaml:"streaming"`
	ABR         ABRConfig         `mapstructure:"abr" yaml:"abr"`
	DRM         DRMConfig         `mapstructure:"drm" yaml:"drm"`
	Preferences PreferencesConfig `mapstructure:"preferences" yaml:"preferences"`
}

// SetDefaults seeds v with every recognized option's default before a
// config file or flags are layered on top.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("streaming.buffering_goal", 10.0)
	v.SetDefault("streaming.rebuffering_goal", 2.0)
	v.SetDefault("streaming.buffer_behind", 30.0)
	v.SetDefault("streaming.eviction_goal", 5.0)
	v.SetDefault("streaming.retry_parameters.max_attempts", 3)
	v.SetDefault("streaming.retry_parameters.base_delay", 200*time.Millisecond)
	v.SetDefault("streaming.retry_parameters.fuzz_factor", 0.2)
	v.SetDefault("streaming.retry_parameters.backoff_factor", 2.0)
	v.SetDefault("streaming.retry_parameters.timeout", 10*time.Second)
	v.SetDefault("streaming.stall_enabled", true)
	v.SetDefault("streaming.stall_threshold", 1.0)
	v.SetDefault("streaming.stall_skip", 0.1)
	v.SetDefault("streaming.safe_switch_margin", 0.0)
	v.SetDefault("streaming.key_availability_timeout", 5*time.Second)

	v.SetDefault("abr.enabled", true)
	v.SetDefault("abr.default_bandwidth_estimate", 1_000_000.0)
	v.SetDefault("abr.switch_interval", 8*time.Second)
	v.SetDefault("abr.bandwidth_upgrade_target", 0.85)
	v.SetDefault("abr.bandwidth_downgrade_target", 0.95)

	v.SetDefault("drm.license_request_timeout", 10*time.Second)
}

// mustBindPFlag binds a pflag into v under key; a bind failure is a
// programming error, not a runtime condition.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		return
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("config: bind flag %q: %v", key, err))
	}
}

// BindFlags registers the CLI flags cmd/streamctl exposes and binds them
// into v, so flag > env > file > default precedence falls out of viper's
// own layering.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("listen-addr", ":8080", "HTTP listen address for the control-plane server")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	mustBindPFlag(v, "listen_addr", flags.Lookup("listen-addr"))
	mustBindPFlag(v, "log_level", flags.Lookup("log-level"))
}

// Load reads config file + environment + bound flags from v into a Config,
// having already applied SetDefaults and (optionally) BindFlags.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("adaptivecore")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Write dumps the effective configuration as YAML, used by streamctl's
// `config` subcommand so operators can snapshot the resolved defaults +
// file + flag layering into a new config file.
func Write(c *Config, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	return enc.Close()
}

// DecodeClearKeys turns "kid:key" hex-pair strings into a key-ID -> raw
// key bytes map: split on ':', hex-decode the second half, reject
// anything else.
func DecodeClearKeys(pairs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: invalid clear key %q: expected \"kid:key\"", pair)
		}
		kid, keyHex := parts[0], parts[1]
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("config: decode hex key for kid %q: %w", kid, err)
		}
		if _, exists := out[kid]; exists {
			return nil, fmt.Errorf("config: duplicate key ID %q", kid)
		}
		out[kid] = keyBytes
	}
	return out, nil
}
