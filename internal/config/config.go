package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend
	APIURL        string
	EventsURL     string
	ClientTimeout time.Duration

	// Submission and download
	MaxUploadBytes int64
	DownloadDir    string
	DefaultOutput  string

	// Event channel
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
	ReconnectAttempts   int
	PingInterval        time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level

	// ConfigFile is the YAML file that was applied, if any.
	ConfigFile string
}

// Load reads configuration. Precedence, lowest first: built-in defaults, the
// YAML file named by QDOC_CONFIG, environment variables. A .env file in the
// working directory is loaded into the environment first and never overrides
// variables that are already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	src := source{}
	if path := os.Getenv("QDOC_CONFIG"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = values
	}

	var errs []error
	cfg := Config{
		// Backend
		APIURL:        strings.TrimRight(src.get("QDOC_API_URL", "http://localhost:8000"), "/"),
		ClientTimeout: src.duration("QDOC_CLIENT_TIMEOUT", 10*time.Minute, &errs),

		// Submission and download
		MaxUploadBytes: src.int64("QDOC_MAX_UPLOAD_BYTES", 52428800, &errs),
		DownloadDir:    src.get("QDOC_DOWNLOAD_DIR", "."),
		DefaultOutput:  src.get("QDOC_DEFAULT_OUTPUT", "questions.docx"),

		// Event channel
		ReconnectInitial:    src.duration("QDOC_RECONNECT_INITIAL", time.Second, &errs),
		ReconnectMax:        src.duration("QDOC_RECONNECT_MAX", 30*time.Second, &errs),
		ReconnectMultiplier: src.float("QDOC_RECONNECT_MULTIPLIER", 2, &errs),
		ReconnectAttempts:   int(src.int64("QDOC_RECONNECT_ATTEMPTS", 0, &errs)),
		PingInterval:        src.duration("QDOC_PING_INTERVAL", 25*time.Second, &errs),

		// Logging
		LogFile:  src.get("QDOC_LOG_FILE", "/tmp/qdoc.log"),
		LogLevel: parseLogLevel(src.get("QDOC_LOG_LEVEL", "INFO")),

		ConfigFile: os.Getenv("QDOC_CONFIG"),
	}

	events := src.get("QDOC_EVENTS_URL", "")
	if events == "" {
		derived, err := EventsURLFor(cfg.APIURL)
		if err != nil {
			errs = append(errs, err)
		}
		events = derived
	}
	cfg.EventsURL = events

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// EventsURLFor derives the WebSocket endpoint from the API origin:
// http becomes ws, https becomes wss, and the path is /ws, where the
// backend serves the JSON event framing this client speaks.
func EventsURLFor(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse QDOC_API_URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse QDOC_API_URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

// fileKey maps QDOC_API_URL to api_url.
func fileKey(envKey string) string {
	return strings.ToLower(strings.TrimPrefix(envKey, "QDOC_"))
}

func (s source) get(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val, ok := s.file[fileKey(key)]; ok && val != "" {
		return val
	}
	return defaultVal
}

func (s source) duration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	raw := s.get(key, "")
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return d
}

func (s source) int64(key string, defaultVal int64, errs *[]error) int64 {
	raw := s.get(key, "")
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid non-negative integer %q", key, raw))
		return defaultVal
	}
	return n
}

func (s source) float(key string, defaultVal float64, errs *[]error) float64 {
	raw := s.get(key, "")
	if raw == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return f
}

// readFile loads a flat YAML mapping, e.g.
//
//	api_url: https://questions.example.com
//	reconnect_max: 1m
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
