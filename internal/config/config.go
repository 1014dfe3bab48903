// Package config loads the runtime configuration enumerated in spec §6,
// in the teacher's style of a single Load(log) func backed by
// os.LookupEnv with typed defaults.
package config

import (
	"time"

	"github.com/soapscribe/backend/internal/pkg/logger"
)

// RedisConfig points the job store at its backing Redis instance.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// QueueNames are the named queues jobs are dispatched through.
type QueueNames struct {
	TextProcessing    string
	AudioProcessing   string
	TranscriptionOnly string
}

// UpstreamConfig is one HTTP upstream's location and timeouts.
type UpstreamConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// RetryCategoryOverride lets a specific error category use a different
// base/ceiling than the global default (e.g. rate_limited backs off
// harder).
type RetryCategoryOverride struct {
	BaseMs     time.Duration
	CeilingMs  time.Duration
	Multiplier float64
}

// RetryConfig parameterizes the retry policy engine (§4.B).
type RetryConfig struct {
	BaseMs            time.Duration
	Multiplier        float64
	CeilingMs         time.Duration
	JitterFrac        float64
	CategoryOverrides map[string]RetryCategoryOverride
}

// DegradationThresholds parameterizes the degradation controller (§4.D).
type DegradationThresholds struct {
	WarnLatency       time.Duration
	MinorErrorRate    float64
	MajorErrorRate    float64
	CriticalErrorRate float64
}

// Config is every configuration item enumerated in spec §6.
type Config struct {
	Redis RedisConfig
	Queue QueueNames

	DispatchInterval time.Duration
	TextPoolSize     int
	AudioPoolSize    int

	MaxAudioBytes int64
	MinAudioBytes int64

	Transcription UpstreamConfig
	Agent         UpstreamConfig

	Retry RetryConfig

	StaleHeartbeat          time.Duration
	ConsecutiveFailureLimit int
	TerminalRetention       time.Duration

	Degradation DegradationThresholds

	DefaultMaxAttempts int
	DefaultJobTimeout  time.Duration

	LogMode string
}

// Load reads configuration from the environment, falling back to the
// documented defaults from spec §4.C/§4.D/§6.
func Load(log *logger.Logger) Config {
	dispatchInterval := getEnvAsMillis("DISPATCH_INTERVAL_MS", 500*time.Millisecond, log)
	staleHeartbeat := 2*dispatchInterval + 5*time.Second // §4.C: 2x dispatch interval + slack

	return Config{
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost", log),
			Port:     getEnv("REDIS_PORT", "6379", log),
			Password: getEnv("REDIS_PASSWORD", "", log),
			Database: getEnvAsInt("REDIS_DATABASE", 0, log),
		},
		Queue: QueueNames{
			TextProcessing:    getEnv("QUEUE_TEXT_PROCESSING", "text_processing", log),
			AudioProcessing:   getEnv("QUEUE_AUDIO_PROCESSING", "audio_processing", log),
			TranscriptionOnly: getEnv("QUEUE_TRANSCRIPTION_ONLY", "transcription_only", log),
		},

		DispatchInterval: dispatchInterval,
		TextPoolSize:     getEnvAsInt("TEXT_WORKER_POOL_SIZE", 2, log),
		AudioPoolSize:    getEnvAsInt("AUDIO_WORKER_POOL_SIZE", 2, log),

		MaxAudioBytes: getEnvAsBytes("MAX_AUDIO_BYTES", 25*1024*1024, log),
		MinAudioBytes: getEnvAsBytes("MIN_AUDIO_BYTES", 1024, log),

		Transcription: UpstreamConfig{
			BaseURL:        getEnv("TRANSCRIPTION_SERVICE_URL", "http://localhost:8100", log),
			ConnectTimeout: getEnvAsMillis("TRANSCRIPTION_CONNECT_TIMEOUT_MS", 10*time.Second, log),
			ReadTimeout:    getEnvAsMillis("TRANSCRIPTION_READ_TIMEOUT_MS", 30*time.Second, log),
		},
		Agent: UpstreamConfig{
			BaseURL:        getEnv("AGENT_SERVICE_URL", "http://localhost:8200", log),
			ConnectTimeout: getEnvAsMillis("AGENT_CONNECT_TIMEOUT_MS", 10*time.Second, log),
			ReadTimeout:    getEnvAsMillis("AGENT_READ_TIMEOUT_MS", 30*time.Second, log),
		},

		Retry: RetryConfig{
			BaseMs:     getEnvAsMillis("RETRY_BASE_MS", 250*time.Millisecond, log),
			Multiplier: getEnvAsFloat("RETRY_MULTIPLIER", 2.0, log),
			CeilingMs:  getEnvAsMillis("RETRY_CEILING_MS", 30*time.Second, log),
			JitterFrac: getEnvAsFloat("RETRY_JITTER_FRACTION", 0.2, log),
			CategoryOverrides: map[string]RetryCategoryOverride{
				"rate_limited": {
					BaseMs:     getEnvAsMillis("RETRY_RATE_LIMITED_BASE_MS", 1*time.Second, log),
					CeilingMs:  getEnvAsMillis("RETRY_RATE_LIMITED_CEILING_MS", 60*time.Second, log),
					Multiplier: getEnvAsFloat("RETRY_RATE_LIMITED_MULTIPLIER", 2.0, log),
				},
				"resource_exhausted": {
					BaseMs:     getEnvAsMillis("RETRY_RESOURCE_EXHAUSTED_BASE_MS", 2*time.Second, log),
					CeilingMs:  getEnvAsMillis("RETRY_RESOURCE_EXHAUSTED_CEILING_MS", 90*time.Second, log),
					Multiplier: getEnvAsFloat("RETRY_RESOURCE_EXHAUSTED_MULTIPLIER", 2.5, log),
				},
			},
		},

		StaleHeartbeat:          staleHeartbeat,
		ConsecutiveFailureLimit: getEnvAsInt("CONSECUTIVE_FAILURE_LIMIT", 5, log),
		TerminalRetention:       getEnvAsMillis("TERMINAL_RETENTION_MS", 72*time.Hour, log),

		Degradation: DegradationThresholds{
			WarnLatency:       getEnvAsMillis("DEGRADATION_WARN_LATENCY_MS", 2*time.Second, log),
			MinorErrorRate:    getEnvAsFloat("DEGRADATION_MINOR_ERROR_RATE", 0.05, log),
			MajorErrorRate:    getEnvAsFloat("DEGRADATION_MAJOR_ERROR_RATE", 0.15, log),
			CriticalErrorRate: getEnvAsFloat("DEGRADATION_CRITICAL_ERROR_RATE", 0.50, log),
		},

		DefaultMaxAttempts: getEnvAsInt("DEFAULT_MAX_ATTEMPTS", 3, log),
		DefaultJobTimeout:  getEnvAsMillis("DEFAULT_JOB_TIMEOUT_MS", 60*time.Second, log),

		LogMode: getEnv("LOG_MODE", "development", log),
	}
}
