// Package config loads bridge settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// AI provider names
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const defaultSystemPrompt = "You are a helpful voice assistant on a phone call. Keep answers short and conversational."

// Config is the complete bridge configuration
type Config struct {
	ARIURL      string
	ARIWSURL    string
	ARIUsername string
	ARIPassword string
	ARIApp      string

	RTPBindHost       string
	RTPAdvertiseHost  string
	RTPPortStart      int
	MaxConcurrent     int
	ForceReuse        bool
	PlaybackBuffer    int
	SilencePadding    time.Duration
	CallDurationLimit time.Duration
	MediaAttempts     int
	RecordingDir      string

	Provider     string
	SystemPrompt string

	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIVoice  string

	GeminiAPIKey    string
	GeminiModel     string
	GeminiVoice     string
	GeminiUseVertex bool
	GCPProject      string
	GCPLocation     string
}

// Load reads envFile (if it exists) into the environment without overriding
// variables already set, then builds and validates the configuration. An
// empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables alone
func FromEnv() (*Config, error) {
	r := &reader{}
	c := &Config{
		ARIURL:      r.str("ARI_URL", "http://localhost:8088/ari"),
		ARIWSURL:    r.str("ARI_WS_URL", "ws://localhost:8088/ari/events"),
		ARIUsername: r.str("ARI_USERNAME", ""),
		ARIPassword: r.str("ARI_PASSWORD", ""),
		ARIApp:      r.str("ARI_APP", "voice-bridge"),

		RTPBindHost:       r.str("RTP_BIND_HOST", "127.0.0.1"),
		RTPPortStart:      r.int("RTP_PORT_START", 10000),
		MaxConcurrent:     r.int("MAX_CONCURRENT_CALLS", 50),
		ForceReuse:        r.bool("RTP_FORCE_REUSE", true),
		PlaybackBuffer:    r.int("PLAYBACK_BUFFER_BYTES", 48000),
		SilencePadding:    time.Duration(r.int("SILENCE_PADDING_MS", 100)) * time.Millisecond,
		CallDurationLimit: time.Duration(r.int("CALL_DURATION_LIMIT_SECONDS", 0)) * time.Second,
		MediaAttempts:     r.int("MEDIA_MAPPING_ATTEMPTS", 10),
		RecordingDir:      r.str("RECORDING_DIR", ""),

		Provider:     strings.ToLower(r.str("AI_PROVIDER", ProviderOpenAI)),
		SystemPrompt: r.str("SYSTEM_PROMPT", defaultSystemPrompt),

		OpenAIAPIKey: r.str("OPENAI_API_KEY", ""),
		OpenAIModel:  r.str("OPENAI_MODEL", ""),
		OpenAIVoice:  r.str("OPENAI_VOICE", ""),

		GeminiAPIKey:    r.str("GEMINI_API_KEY", ""),
		GeminiModel:     r.str("GEMINI_MODEL", ""),
		GeminiVoice:     r.str("GEMINI_VOICE", ""),
		GeminiUseVertex: r.bool("GEMINI_USE_VERTEX", false),
		GCPProject:      r.str("GOOGLE_CLOUD_PROJECT", ""),
		GCPLocation:     r.str("GOOGLE_CLOUD_LOCATION", ""),
	}
	c.RTPAdvertiseHost = r.str("RTP_ADVERTISE_HOST", c.RTPBindHost)

	if r.err != nil {
		return nil, r.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required settings and value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.ARIUsername == "" || c.ARIPassword == "" {
		errs = append(errs, errors.New("ARI_USERNAME and ARI_PASSWORD are required"))
	}
	if c.RTPPortStart <= 0 || c.RTPPortStart > 65534 {
		errs = append(errs, fmt.Errorf("RTP_PORT_START %d out of range", c.RTPPortStart))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_CALLS must be positive"))
	} else if c.RTPPortStart > 0 {
		// The allocator rounds an odd start up and steps by 2
		first := c.RTPPortStart + c.RTPPortStart%2
		if last := first + 2*(c.MaxConcurrent-1); last > 65535 {
			errs = append(errs, fmt.Errorf("RTP ports %d-%d exceed 65535; lower RTP_PORT_START or MAX_CONCURRENT_CALLS", first, last))
		}
	}
	if c.PlaybackBuffer < 160 {
		errs = append(errs, errors.New("PLAYBACK_BUFFER_BYTES must hold at least one frame"))
	}
	if c.SilencePadding < 0 || c.CallDurationLimit < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderGemini:
		if c.GeminiUseVertex {
			if c.GCPProject == "" {
				errs = append(errs, errors.New("GOOGLE_CLOUD_PROJECT is required with GEMINI_USE_VERTEX"))
			}
		} else if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AI_PROVIDER %q", c.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// reader looks up variables and remembers the first parse failure
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, v))
		return def
	}
	return b
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
