package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidModelSize is returned by Validate for an unknown models.size.
var ErrInvalidModelSize = errors.New("invalid model size")

// DefaultPath is the config file looked up when --config is not given.
// A missing file at this path is not an error.
const DefaultPath = "loqa-transcriber.yaml"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStderr  bool   `yaml:"trace_stderr"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Models      ModelsConfig     `yaml:"models"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Audio       AudioConfig      `yaml:"audio"`
	Speaker     SpeakerConfig    `yaml:"speaker"`
	Control     ControlConfig    `yaml:"control"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

// ModelsConfig selects the recognition model tier and how it is acquired.
type ModelsConfig struct {
	Size     string `yaml:"size"`
	Mode     string `yaml:"mode"` // network, local
	RootDir  string `yaml:"root_dir"`
	LocalDir string `yaml:"local_dir"`
	// MirrorURL replaces the upstream download host: <mirror>/<id>.zip.
	MirrorURL string `yaml:"mirror_url"`
	Speaker   bool   `yaml:"speaker"`
}

type RecognizerConfig struct {
	Mode           string `yaml:"mode"` // vosk, mock
	Words          bool   `yaml:"words"`
	MockFinalEvery int    `yaml:"mock_final_every"`
}

type AudioConfig struct {
	Source         string `yaml:"source"` // device, wav, exec
	WAVPath        string `yaml:"wav_path"`
	Command        string `yaml:"command"`
	Realtime       bool   `yaml:"realtime"`
	QueueSize      int    `yaml:"queue_size"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

type SpeakerConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type ControlConfig struct {
	Stdin bool `yaml:"stdin"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcriber",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9092,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "transcriber",
		},
		Models: ModelsConfig{
			Size:    "large",
			Mode:    "network",
			RootDir: defaultModelRoot(),
			Speaker: true,
		},
		Recognizer: RecognizerConfig{
			Mode:           "vosk",
			Words:          true,
			MockFinalEvery: 4,
		},
		Audio: AudioConfig{
			Source:         "device",
			Realtime:       true,
			QueueSize:      64,
			PollIntervalMS: 100,
		},
		Speaker: SpeakerConfig{
			Threshold: 0.4,
		},
		Control: ControlConfig{
			Stdin: true,
		},
		EventStore: EventStoreConfig{
			Enabled:       false,
			Path:          "./data/transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

func defaultModelRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".vosk_models"
	}
	return filepath.Join(home, ".vosk_models")
}

// Load reads path on top of Default, applies LOQA_* environment overrides
// and validates the result. An empty path, or DefaultPath when that file
// does not exist, yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err) && path == DefaultPath:
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStderr, "LOQA_TELEMETRY_TRACE_STDERR")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Models.Size, "LOQA_MODELS_SIZE")
	overrideString(&cfg.Models.Mode, "LOQA_MODELS_MODE")
	overrideString(&cfg.Models.RootDir, "LOQA_MODELS_ROOT_DIR")
	overrideString(&cfg.Models.LocalDir, "LOQA_MODELS_LOCAL_DIR")
	overrideString(&cfg.Models.MirrorURL, "LOQA_MODELS_MIRROR_URL")
	overrideBool(&cfg.Models.Speaker, "LOQA_MODELS_SPEAKER")
	overrideString(&cfg.Recognizer.Mode, "LOQA_RECOGNIZER_MODE")
	overrideBool(&cfg.Recognizer.Words, "LOQA_RECOGNIZER_WORDS")
	overrideInt(&cfg.Recognizer.MockFinalEvery, "LOQA_RECOGNIZER_MOCK_FINAL_EVERY")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.QueueSize, "LOQA_AUDIO_QUEUE_SIZE")
	overrideInt(&cfg.Audio.PollIntervalMS, "LOQA_AUDIO_POLL_INTERVAL_MS")
	overrideFloat(&cfg.Speaker.Threshold, "LOQA_SPEAKER_THRESHOLD")
	overrideBool(&cfg.Control.Stdin, "LOQA_CONTROL_STDIN")
	overrideBool(&cfg.EventStore.Enabled, "LOQA_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks cross-field constraints. It is exported so command-line
// overrides applied after Load can be re-checked.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.Models.Size {
	case "small", "medium", "large":
	default:
		return fmt.Errorf("%w: %s. Use 'small', 'medium', or 'large'", ErrInvalidModelSize, cfg.Models.Size)
	}
	switch cfg.Models.Mode {
	case "network":
	case "local":
		if cfg.Models.LocalDir == "" {
			return errors.New("models.local_dir must be set when mode=local")
		}
	default:
		return errors.New("models.mode must be one of network|local")
	}
	if cfg.Models.RootDir == "" {
		return errors.New("models.root_dir must not be empty")
	}
	switch cfg.Recognizer.Mode {
	case "vosk":
	case "mock":
		if cfg.Recognizer.MockFinalEvery <= 0 {
			return errors.New("recognizer.mock_final_every must be positive")
		}
	default:
		return errors.New("recognizer.mode must be one of vosk|mock")
	}
	switch cfg.Audio.Source {
	case "device":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when source=wav")
		}
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	default:
		return errors.New("audio.source must be one of device|wav|exec")
	}
	if cfg.Audio.QueueSize <= 0 {
		return errors.New("audio.queue_size must be >= 1")
	}
	if cfg.Audio.PollIntervalMS <= 0 {
		return errors.New("audio.poll_interval_ms must be positive")
	}
	if cfg.Speaker.Threshold < 0 || cfg.Speaker.Threshold > 2 {
		return errors.New("speaker.threshold must be within [0, 2]")
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	return nil
}
