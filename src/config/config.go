package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/square-key-labs/strawgo-relay/src/serializers"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMS   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
}

type RealtimeConfig struct {
	URL                string    `yaml:"url"`
	Model              string    `yaml:"model"`
	APIKey             string    `yaml:"api_key"`
	BetaHeader         string    `yaml:"beta_header"`
	HandshakeTimeoutMS int       `yaml:"handshake_timeout_ms"`
	TranscriptionModel string    `yaml:"transcription_model"`
	Temperature        float64   `yaml:"temperature"`
	VAD                VADConfig `yaml:"vad"`
}

func (r RealtimeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(r.HandshakeTimeoutMS) * time.Millisecond
}

type TelephonyConfig struct {
	PingIntervalMS    int   `yaml:"ping_interval_ms"`
	IdleTimeoutMS     int   `yaml:"idle_timeout_ms"`
	PendingAudioLimit int   `yaml:"pending_audio_limit"`
	MaxMessageBytes   int64 `yaml:"max_message_bytes"`
}

func (t TelephonyConfig) PingInterval() time.Duration {
	return time.Duration(t.PingIntervalMS) * time.Millisecond
}

func (t TelephonyConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMS) * time.Millisecond
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// Enabled reports whether outbound calls can be placed
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

type AsteriskConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Codec   string `yaml:"codec"`
}

type NATSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Servers          []string `yaml:"servers"`
	SubjectPrefix    string   `yaml:"subject_prefix"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
}

type TranscriptsConfig struct {
	Log  bool       `yaml:"log"`
	NATS NATSConfig `yaml:"nats"`
}

type Config struct {
	ServiceName string            `yaml:"service_name"`
	HTTP        HTTPConfig        `yaml:"http"`
	PublicURL   string            `yaml:"public_url"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Telephony   TelephonyConfig   `yaml:"telephony"`
	Twilio      TwilioConfig      `yaml:"twilio"`
	Asterisk    AsteriskConfig    `yaml:"asterisk"`
	Personas    Personas          `yaml:"personas"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
}

func Default() Config {
	return Config{
		ServiceName: "strawgo-relay",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5000,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "strawgo-relay",
			OTLPInsecure: true,
		},
		Realtime: RealtimeConfig{
			URL:                "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview-2024-10-01",
			BetaHeader:         "realtime=v1",
			HandshakeTimeoutMS: 10000,
			TranscriptionModel: "whisper-1",
			VAD: VADConfig{
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 200,
			},
		},
		Telephony: TelephonyConfig{
			PingIntervalMS:    20000,
			IdleTimeoutMS:     60000,
			PendingAudioLimit: 64,
			MaxMessageBytes:   1 << 20,
		},
		Asterisk: AsteriskConfig{
			Enabled: false,
			Path:    "/asterisk",
			Codec:   "alaw",
		},
		Personas: DefaultPersonas(),
		Transcripts: TranscriptsConfig{
			Log: true,
			NATS: NATSConfig{
				Servers:          []string{"nats://localhost:4222"},
				SubjectPrefix:    "relay.transcripts",
				ConnectTimeoutMS: 2000,
			},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file in the working directory and the process environment,
// in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Missing .env is fine; real environment variables always win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.PublicURL = normalizePublicURL(cfg.PublicURL)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "RELAY_SERVICE_NAME")
	overrideString(&cfg.HTTP.Bind, "RELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "RELAY_HTTP_PORT")
	overrideString(&cfg.PublicURL, "PUBLIC_URL")
	overrideString(&cfg.PublicURL, "RELAY_PUBLIC_URL")
	overrideString(&cfg.Log.Level, "LOG_LEVEL")
	overrideString(&cfg.Log.Level, "RELAY_LOG_LEVEL")
	overrideBool(&cfg.Log.Color, "LOG_COLOR")
	overrideBool(&cfg.Log.Color, "RELAY_LOG_COLOR")
	overrideString(&cfg.Telemetry.ServiceName, "RELAY_TELEMETRY_SERVICE_NAME")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "RELAY_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Realtime.URL, "RELAY_REALTIME_URL")
	overrideString(&cfg.Realtime.Model, "RELAY_REALTIME_MODEL")
	overrideString(&cfg.Realtime.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Realtime.APIKey, "RELAY_REALTIME_API_KEY")
	overrideString(&cfg.Realtime.BetaHeader, "RELAY_REALTIME_BETA_HEADER")
	overrideInt(&cfg.Realtime.HandshakeTimeoutMS, "RELAY_REALTIME_HANDSHAKE_TIMEOUT_MS")
	overrideString(&cfg.Realtime.TranscriptionModel, "RELAY_REALTIME_TRANSCRIPTION_MODEL")
	overrideFloat(&cfg.Realtime.Temperature, "RELAY_REALTIME_TEMPERATURE")
	overrideFloat(&cfg.Realtime.VAD.Threshold, "RELAY_REALTIME_VAD_THRESHOLD")
	overrideInt(&cfg.Realtime.VAD.PrefixPaddingMS, "RELAY_REALTIME_VAD_PREFIX_PADDING_MS")
	overrideInt(&cfg.Realtime.VAD.SilenceDurationMS, "RELAY_REALTIME_VAD_SILENCE_DURATION_MS")
	overrideInt(&cfg.Telephony.PingIntervalMS, "RELAY_TELEPHONY_PING_INTERVAL_MS")
	overrideInt(&cfg.Telephony.IdleTimeoutMS, "RELAY_TELEPHONY_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Telephony.PendingAudioLimit, "RELAY_TELEPHONY_PENDING_AUDIO_LIMIT")
	overrideInt64(&cfg.Telephony.MaxMessageBytes, "RELAY_TELEPHONY_MAX_MESSAGE_BYTES")
	overrideString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	overrideString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Twilio.FromNumber, "TWILIO_PHONE_NUMBER")
	overrideBool(&cfg.Asterisk.Enabled, "RELAY_ASTERISK_ENABLED")
	overrideString(&cfg.Asterisk.Path, "RELAY_ASTERISK_PATH")
	overrideString(&cfg.Asterisk.Codec, "RELAY_ASTERISK_CODEC")
	overrideString(&cfg.Personas.Default, "RELAY_PERSONAS_DEFAULT")
	overrideBool(&cfg.Transcripts.Log, "RELAY_TRANSCRIPTS_LOG")
	overrideBool(&cfg.Transcripts.NATS.Enabled, "RELAY_TRANSCRIPTS_NATS_ENABLED")
	overrideStringSlice(&cfg.Transcripts.NATS.Servers, "RELAY_TRANSCRIPTS_NATS_SERVERS")
	overrideString(&cfg.Transcripts.NATS.SubjectPrefix, "RELAY_TRANSCRIPTS_NATS_SUBJECT_PREFIX")
	overrideString(&cfg.Transcripts.NATS.Username, "RELAY_TRANSCRIPTS_NATS_USERNAME")
	overrideString(&cfg.Transcripts.NATS.Password, "RELAY_TRANSCRIPTS_NATS_PASSWORD")
	overrideString(&cfg.Transcripts.NATS.Token, "RELAY_TRANSCRIPTS_NATS_TOKEN")
	overrideInt(&cfg.Transcripts.NATS.ConnectTimeoutMS, "RELAY_TRANSCRIPTS_NATS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// normalizePublicURL strips scheme and trailing slash so the host can be
// reused for both https callbacks and wss stream urls.
func normalizePublicURL(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimPrefix(raw, "wss://")
	raw = strings.TrimPrefix(raw, "ws://")
	return strings.TrimRight(raw, "/")
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Realtime.URL == "" {
		return errors.New("realtime.url must not be empty")
	}
	if u, err := url.Parse(cfg.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.New("realtime.url must be a ws:// or wss:// url")
	}
	if cfg.Realtime.Model == "" {
		return errors.New("realtime.model must not be empty")
	}
	if cfg.Realtime.APIKey == "" {
		return errors.New("realtime.api_key (OPENAI_API_KEY) must not be empty")
	}
	if cfg.Realtime.HandshakeTimeoutMS <= 0 {
		return errors.New("realtime.handshake_timeout_ms must be positive")
	}
	if cfg.Realtime.VAD.Threshold < 0 || cfg.Realtime.VAD.Threshold > 1 {
		return errors.New("realtime.vad.threshold must be between 0 and 1")
	}
	if cfg.Realtime.VAD.PrefixPaddingMS < 0 || cfg.Realtime.VAD.SilenceDurationMS < 0 {
		return errors.New("realtime.vad durations must be >= 0")
	}
	if cfg.Telephony.PingIntervalMS <= 0 {
		return errors.New("telephony.ping_interval_ms must be positive")
	}
	if cfg.Telephony.IdleTimeoutMS <= cfg.Telephony.PingIntervalMS {
		return errors.New("telephony.idle_timeout_ms must be greater than ping interval")
	}
	if cfg.Telephony.PendingAudioLimit <= 0 {
		return errors.New("telephony.pending_audio_limit must be positive")
	}
	if cfg.Telephony.MaxMessageBytes <= 0 {
		return errors.New("telephony.max_message_bytes must be positive")
	}
	if cfg.Asterisk.Enabled {
		if !strings.HasPrefix(cfg.Asterisk.Path, "/") {
			return errors.New("asterisk.path must start with /")
		}
		if _, ok := serializers.NormalizeCodec(cfg.Asterisk.Codec); !ok {
			return fmt.Errorf("asterisk.codec %q is not supported", cfg.Asterisk.Codec)
		}
	}
	if err := cfg.Personas.validate(); err != nil {
		return err
	}
	if cfg.Transcripts.NATS.Enabled {
		if len(cfg.Transcripts.NATS.Servers) == 0 {
			return errors.New("transcripts.nats.servers must not be empty when enabled")
		}
		if cfg.Transcripts.NATS.SubjectPrefix == "" {
			return errors.New("transcripts.nats.subject_prefix must not be empty when enabled")
		}
	}
	return nil
}
