package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendBolt     = "bolt"
)

// Config is the service configuration, read once at startup and passed to
// each component's constructor.
type Config struct {
	StorageBackend string
	StateTable     string
	BoltPath       string
	ParamPrefix    string

	HashIterations int
	SaltLength     int

	MaxContentLength  int
	MaxHistoryBytes   int
	MaxQuestionLength int
	MaxLectureLength  int
	MaxContextItems   int

	HistoryRetention time.Duration
	ActorIdleTimeout time.Duration

	// Temperature is sent with chat requests when set.
	Temperature *float64
}

// Load reads the service configuration through getenv, normally os.Getenv.
func Load(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}
	cfg := Config{
		StorageBackend:    strings.ToLower(e.str("STORAGE_BACKEND", BackendDynamoDB)),
		StateTable:        e.str("STATE_TABLE", ""),
		BoltPath:          e.str("BOLT_PATH", "data/conversations.bolt"),
		ParamPrefix:       e.str("PARAM_PREFIX", ""),
		HashIterations:    e.int("HASH_ITERATIONS", 100000),
		SaltLength:        e.int("SALT_LENGTH", 16),
		MaxContentLength:  e.int("MAX_CONTENT_LENGTH", 0),
		MaxHistoryBytes:   e.int("MAX_HISTORY_BYTES", 350000),
		MaxQuestionLength: e.int("MAX_QUESTION_LENGTH", 2000),
		MaxLectureLength:  e.int("MAX_LECTURE_LENGTH", 200000),
		MaxContextItems:   e.int("MAX_CONTEXT_ITEMS", 20),
		HistoryRetention:  time.Duration(e.int("HISTORY_RETENTION_DAYS", 30)) * 24 * time.Hour,
		ActorIdleTimeout:  time.Duration(e.int("ACTOR_IDLE_TIMEOUT_SECONDS", 300)) * time.Second,
		Temperature:       e.float("OPENAI_TEMPERATURE"),
	}
	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, cfg.validate()
}

// LoadHashing reads only the credential hashing settings.
func LoadHashing(getenv func(string) string) (iterations, saltLength int, err error) {
	e := env{getenv: getenv}
	iterations = e.int("HASH_ITERATIONS", 100000)
	saltLength = e.int("SALT_LENGTH", 16)
	if e.err != nil {
		return 0, 0, e.err
	}
	if iterations <= 0 || saltLength <= 0 {
		return 0, 0, errors.New("config: HASH_ITERATIONS and SALT_LENGTH must be positive")
	}
	return iterations, saltLength, nil
}

func (c Config) validate() error {
	switch c.StorageBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb backend")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("config: BOLT_PATH is required for the bolt backend")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.ParamPrefix == "" {
		return errors.New("config: PARAM_PREFIX is required")
	}
	if c.HashIterations <= 0 || c.SaltLength <= 0 {
		return errors.New("config: HASH_ITERATIONS and SALT_LENGTH must be positive")
	}
	if c.MaxContentLength < 0 || c.MaxHistoryBytes < 0 || c.HistoryRetention < 0 || c.ActorIdleTimeout < 0 {
		return errors.New("config: limits must not be negative")
	}
	if c.MaxHistoryBytes > 0 && c.MaxLectureLength > c.MaxHistoryBytes {
		return errors.New("config: MAX_LECTURE_LENGTH must not exceed MAX_HISTORY_BYTES")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return errors.New("config: OPENAI_TEMPERATURE must be between 0 and 2")
	}
	return nil
}

// env collects the first parse error so Load can report it once.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

// float returns nil when key is unset.
func (e *env) float(key string) *float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("config: %s: %w", key, err)
		}
		return nil
	}
	return &f
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("config: %s: %w", key, err)
		}
		return def
	}
	return n
}
