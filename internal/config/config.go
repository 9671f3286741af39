package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
	MetricsBind  string `yaml:"metrics_bind"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
	Attempts    AttemptsConfig  `yaml:"attempts"`
	Journal     JournalConfig   `yaml:"journal"`
	Bus         BusConfig       `yaml:"bus"`
}

// CaptureConfig selects the audio source and tunes utterance endpointing.
type CaptureConfig struct {
	Source          string  `yaml:"source"` // device, command, file
	Device          string  `yaml:"device"`
	Command         string  `yaml:"command"`
	File            string  `yaml:"file"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	CalibrationMS   int     `yaml:"calibration_ms"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	DynamicEnergy   bool    `yaml:"dynamic_energy"`
	DynamicDamping  float64 `yaml:"dynamic_damping"`
	DynamicRatio    float64 `yaml:"dynamic_ratio"`
	PauseMS         int     `yaml:"pause_ms"`
	PhraseMS        int     `yaml:"phrase_ms"`
	NonSpeakingMS   int     `yaml:"non_speaking_ms"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	PhraseLimitMS   int     `yaml:"phrase_limit_ms"`
}

type STTConfig struct {
	Language        string `yaml:"language"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	CredentialsFile string `yaml:"credentials_file"`
	Model           string `yaml:"model"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type AttemptsConfig struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	Intro        string `yaml:"intro"`
	IntroDelayMS int    `yaml:"intro_delay_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// Embedded starts a local NATS server on Host:Port for the lifetime of
	// the run and publishes to it when Servers is empty.
	Embedded bool   `yaml:"embedded"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Capture: CaptureConfig{
			Source:          "device",
			SampleRate:      16000,
			Channels:        1,
			CalibrationMS:   1000,
			EnergyThreshold: 300,
			DynamicEnergy:   true,
			DynamicDamping:  0.15,
			DynamicRatio:    1.5,
			PauseMS:         800,
			PhraseMS:        300,
			NonSpeakingMS:   500,
		},
		STT: STTConfig{
			Language:  "en-US",
			Endpoint:  "https://speech.googleapis.com/v1/speech:recognize",
			TimeoutMS: 30000,
		},
		Attempts: AttemptsConfig{
			MaxAttempts:  5,
			Intro:        "Let's dance and test this!",
			IntroDelayMS: 1000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Bus: BusConfig{
			ConnectTimeout: 2000,
			Host:           "127.0.0.1",
			Port:           4222,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any) and
// LOQA_* environment variables.
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.MetricsBind, "LOQA_TELEMETRY_METRICS_BIND")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.CalibrationMS, "LOQA_CAPTURE_CALIBRATION_MS")
	overrideFloat(&cfg.Capture.EnergyThreshold, "LOQA_CAPTURE_ENERGY_THRESHOLD")
	overrideBool(&cfg.Capture.DynamicEnergy, "LOQA_CAPTURE_DYNAMIC_ENERGY")
	overrideFloat(&cfg.Capture.DynamicDamping, "LOQA_CAPTURE_DYNAMIC_DAMPING")
	overrideFloat(&cfg.Capture.DynamicRatio, "LOQA_CAPTURE_DYNAMIC_RATIO")
	overrideInt(&cfg.Capture.PauseMS, "LOQA_CAPTURE_PAUSE_MS")
	overrideInt(&cfg.Capture.PhraseMS, "LOQA_CAPTURE_PHRASE_MS")
	overrideInt(&cfg.Capture.NonSpeakingMS, "LOQA_CAPTURE_NON_SPEAKING_MS")
	overrideInt(&cfg.Capture.TimeoutMS, "LOQA_CAPTURE_TIMEOUT_MS")
	overrideInt(&cfg.Capture.PhraseLimitMS, "LOQA_CAPTURE_PHRASE_LIMIT_MS")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.CredentialsFile, "LOQA_STT_CREDENTIALS_FILE")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.Attempts.MaxAttempts, "LOQA_ATTEMPTS_MAX")
	overrideString(&cfg.Attempts.Intro, "LOQA_ATTEMPTS_INTRO")
	overrideInt(&cfg.Attempts.IntroDelayMS, "LOQA_ATTEMPTS_INTRO_DELAY_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "LOQA_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Capture.Source {
	case "device":
	case "command":
		if strings.TrimSpace(cfg.Capture.Command) == "" {
			return errors.New("capture.command must be set when source=command")
		}
	case "file":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when source=file")
		}
	default:
		return errors.New("capture.source must be one of device|command|file")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.CalibrationMS < 0 {
		return errors.New("capture.calibration_ms must be >= 0")
	}
	if cfg.Capture.EnergyThreshold < 0 {
		return errors.New("capture.energy_threshold must be >= 0")
	}
	if cfg.Capture.DynamicDamping < 0 || cfg.Capture.DynamicDamping > 1 {
		return errors.New("capture.dynamic_damping must be between 0 and 1")
	}
	if cfg.Capture.DynamicRatio <= 0 {
		return errors.New("capture.dynamic_ratio must be positive")
	}
	if cfg.Capture.PauseMS <= 0 {
		return errors.New("capture.pause_ms must be positive")
	}
	if cfg.Capture.NonSpeakingMS < 0 || cfg.Capture.NonSpeakingMS > cfg.Capture.PauseMS {
		return errors.New("capture.non_speaking_ms must be between 0 and pause_ms")
	}
	if cfg.Capture.PhraseMS < 0 || cfg.Capture.TimeoutMS < 0 || cfg.Capture.PhraseLimitMS < 0 {
		return errors.New("capture phrase, timeout and phrase limit durations must be >= 0")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must not be empty")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Attempts.MaxAttempts < 1 {
		return errors.New("attempts.max_attempts must be >= 1")
	}
	if cfg.Attempts.IntroDelayMS < 0 {
		return errors.New("attempts.intro_delay_ms must be >= 0")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode is session or persistent")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Bus.ConnectTimeout < 0 {
		return errors.New("bus.connect_timeout_ms must be >= 0")
	}
	if cfg.Bus.Embedded && (cfg.Bus.Port < -1 || cfg.Bus.Port > 65535) {
		return fmt.Errorf("bus.port %d out of range", cfg.Bus.Port)
	}
	return nil
}
