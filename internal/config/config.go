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
	LogFormat    string `yaml:"log_format"` // json, text, console
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Telegram    TelegramConfig   `yaml:"telegram"`
	Persona     PersonaConfig    `yaml:"persona"`
	Voice       VoiceConfig      `yaml:"voice"`
	Workspace   WorkspaceConfig  `yaml:"workspace"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
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

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TelegramConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Token          string `yaml:"token"`
	APIEndpoint    string `yaml:"api_endpoint"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
	Debug          bool   `yaml:"debug"`
}

type PersonaConfig struct {
	Name       string `yaml:"name"`
	PromptPath string `yaml:"prompt_path"`
}

type VoiceConfig struct {
	DefaultSample       string  `yaml:"default_sample"`
	DefaultExaggeration float64 `yaml:"default_exaggeration"`
	DefaultCFGWeight    float64 `yaml:"default_cfg_weight"`
}

type WorkspaceConfig struct {
	Dir            string `yaml:"dir"`
	SweepOlderThan int    `yaml:"sweep_older_than_min"`
	MaxInputChars  int    `yaml:"max_input_chars"`
	MaxReplyChars  int    `yaml:"max_reply_chars"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, whisper, openai
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	ConvertWAV bool   `yaml:"convert_wav"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSec  int     `yaml:"timeout_sec"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-persona",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled:     true,
			Bind:        "0.0.0.0",
			Port:        8080,
			MaxUploadMB: 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "persona",
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/persona-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Telegram: TelegramConfig{
			Enabled:        true,
			PollTimeoutSec: 60,
		},
		Persona: PersonaConfig{
			Name:       "Alan Watts",
			PromptPath: "./persona.txt",
		},
		Voice: VoiceConfig{
			DefaultSample:       "./voices/default.wav",
			DefaultExaggeration: 0.7,
			DefaultCFGWeight:    0.3,
		},
		Workspace: WorkspaceConfig{
			Dir:            "./data/artifacts",
			SweepOlderThan: 60,
			MaxInputChars:  1000,
			MaxReplyChars:  4096,
		},
		STT: STTConfig{
			Mode:       "mock",
			Model:      "base",
			Language:   "en",
			ConvertWAV: true,
			TimeoutSec: 120,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3",
			MaxTokens:   512,
			Temperature: 0.8,
			TimeoutSec:  180,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 24000,
			TimeoutSec: 180,
		},
	}
}

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
	overrideString(&cfg.RuntimeName, "PERSONA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PERSONA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "PERSONA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "PERSONA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PERSONA_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "PERSONA_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "PERSONA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "PERSONA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PERSONA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PERSONA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "PERSONA_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "PERSONA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PERSONA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PERSONA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PERSONA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PERSONA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PERSONA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PERSONA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PERSONA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PERSONA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "PERSONA_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.EventStore.Enabled, "PERSONA_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "PERSONA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "PERSONA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "PERSONA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "PERSONA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "PERSONA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Telegram.Enabled, "PERSONA_TELEGRAM_ENABLED")
	// The bare token variable is what deployments of the bot have always used.
	overrideString(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	overrideString(&cfg.Telegram.Token, "PERSONA_TELEGRAM_TOKEN")
	overrideString(&cfg.Telegram.APIEndpoint, "PERSONA_TELEGRAM_API_ENDPOINT")
	overrideInt(&cfg.Telegram.PollTimeoutSec, "PERSONA_TELEGRAM_POLL_TIMEOUT_SEC")
	overrideBool(&cfg.Telegram.Debug, "PERSONA_TELEGRAM_DEBUG")
	overrideString(&cfg.Persona.Name, "PERSONA_NAME")
	overrideString(&cfg.Persona.PromptPath, "PERSONA_PROMPT_PATH")
	overrideString(&cfg.Voice.DefaultSample, "PERSONA_VOICE_DEFAULT_SAMPLE")
	overrideFloat(&cfg.Voice.DefaultExaggeration, "PERSONA_VOICE_DEFAULT_EXAGGERATION")
	overrideFloat(&cfg.Voice.DefaultCFGWeight, "PERSONA_VOICE_DEFAULT_CFG_WEIGHT")
	overrideString(&cfg.Workspace.Dir, "PERSONA_WORKSPACE_DIR")
	overrideInt(&cfg.Workspace.SweepOlderThan, "PERSONA_WORKSPACE_SWEEP_OLDER_THAN_MIN")
	overrideInt(&cfg.Workspace.MaxInputChars, "PERSONA_WORKSPACE_MAX_INPUT_CHARS")
	overrideInt(&cfg.Workspace.MaxReplyChars, "PERSONA_WORKSPACE_MAX_REPLY_CHARS")
	overrideString(&cfg.STT.Mode, "PERSONA_STT_MODE")
	overrideString(&cfg.STT.Command, "PERSONA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "PERSONA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.STT.APIKey, "PERSONA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "PERSONA_STT_MODEL")
	overrideString(&cfg.STT.Language, "PERSONA_STT_LANGUAGE")
	overrideBool(&cfg.STT.ConvertWAV, "PERSONA_STT_CONVERT_WAV")
	overrideInt(&cfg.STT.TimeoutSec, "PERSONA_STT_TIMEOUT_SEC")
	overrideString(&cfg.LLM.Mode, "PERSONA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "PERSONA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "PERSONA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "PERSONA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "PERSONA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "PERSONA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "PERSONA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutSec, "PERSONA_LLM_TIMEOUT_SEC")
	overrideString(&cfg.TTS.Mode, "PERSONA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "PERSONA_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "PERSONA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.TimeoutSec, "PERSONA_TTS_TIMEOUT_SEC")
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
	if cfg.HTTP.Enabled {
		if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
			return errors.New("http.port must be between 1 and 65535")
		}
		if cfg.HTTP.MaxUploadMB <= 0 {
			return errors.New("http.max_upload_mb must be positive")
		}
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|text|console")
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
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return errors.New("telegram.token must be set when telegram is enabled (or export TELEGRAM_BOT_TOKEN)")
		}
		if cfg.Telegram.PollTimeoutSec <= 0 {
			return errors.New("telegram.poll_timeout_sec must be positive")
		}
	}
	if strings.TrimSpace(cfg.Persona.Name) == "" {
		return errors.New("persona.name must not be empty")
	}
	if cfg.Voice.DefaultExaggeration < 0 || cfg.Voice.DefaultExaggeration > 2 {
		return errors.New("voice.default_exaggeration must be between 0 and 2")
	}
	if cfg.Voice.DefaultCFGWeight < 0 || cfg.Voice.DefaultCFGWeight > 1 {
		return errors.New("voice.default_cfg_weight must be between 0 and 1")
	}
	if cfg.Workspace.Dir == "" {
		return errors.New("workspace.dir must not be empty")
	}
	if cfg.Workspace.MaxInputChars <= 0 {
		return errors.New("workspace.max_input_chars must be positive")
	}
	if cfg.Workspace.MaxReplyChars <= 0 {
		return errors.New("workspace.max_reply_chars must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=whisper")
		}
	case "openai":
		if cfg.STT.APIKey == "" && cfg.STT.Endpoint == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper|openai")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "openai":
		if cfg.LLM.APIKey == "" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.TimeoutSec < 0 {
		return errors.New("tts.timeout_sec must be >= 0")
	}
	return nil
}
