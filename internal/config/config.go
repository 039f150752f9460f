package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

type Config struct {
	Store      StoreConfig
	Database   DatabaseConfig
	Cluster    ClusterConfig
	Web        WebConfig
	Log        LogConfig
	Thresholds facematch.ThresholdTable
}

type StoreConfig struct {
	Backend    string // "sqlite" or "postgres"; defaults to postgres when DATABASE_URL is set
	SQLitePath string // defaults to face-clusters.db
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// ClusterConfig holds the tunables that can be overridden from the environment.
// Everything else keeps the engine defaults.
type ClusterConfig struct {
	MinEvidenceGap       float64
	SessionBoost         float64
	SessionWindow        time.Duration
	MinSupportingAnchors int
	Pass2MinMargin       float64
	MaxAnchorsPerCluster int
	SearchWorkers        int
	UndoTTL              time.Duration
	ThresholdsFile       string // optional YAML file replacing the embedded threshold table
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	APIToken       string // bearer token required by the API when set
}

type LogConfig struct {
	Level  string
	Format string // text, json or pretty
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a Go duration ("90m", "168h"). Negative values are kept.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var result []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// Load reads the configuration from the environment. The threshold table comes from
// the embedded thresholds.yaml unless CLUSTER_THRESHOLDS_FILE points elsewhere.
func Load() (*Config, error) {
	defaults := clustering.DefaultConfig()
	cfg := &Config{
		Store: StoreConfig{
			Backend:    strings.ToLower(os.Getenv("STORE_BACKEND")),
			SQLitePath: envString("SQLITE_PATH", "face-clusters.db"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Cluster: ClusterConfig{
			MinEvidenceGap:       envFloat("CLUSTER_MIN_EVIDENCE_GAP", defaults.MinEvidenceGap),
			SessionBoost:         envFloat("CLUSTER_SESSION_BOOST", defaults.SessionBoost),
			SessionWindow:        envDuration("CLUSTER_SESSION_WINDOW", defaults.SessionWindow),
			MinSupportingAnchors: envInt("CLUSTER_MIN_SUPPORTING_ANCHORS", defaults.MinSupportingAnchors),
			Pass2MinMargin:       envFloat("CLUSTER_PASS2_MIN_MARGIN", defaults.Pass2MinMargin),
			MaxAnchorsPerCluster: envInt("CLUSTER_MAX_ANCHORS", defaults.MaxAnchorsPerCluster),
			SearchWorkers:        envInt("CLUSTER_SEARCH_WORKERS", defaults.SearchWorkers),
			UndoTTL:              envDuration("CLUSTER_UNDO_TTL", defaults.UndoTTL),
			ThresholdsFile:       os.Getenv("CLUSTER_THRESHOLDS_FILE"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
		if cfg.Database.URL != "" {
			cfg.Store.Backend = "postgres"
		}
	}

	data := thresholdsYAML
	if path := cfg.Cluster.ThresholdsFile; path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read thresholds file: %w", err)
		}
	}
	table, err := ParseThresholds(data)
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = table
	return cfg, nil
}

// ParseThresholds decodes a YAML threshold table and checks that every row is ordered.
func ParseThresholds(data []byte) (facematch.ThresholdTable, error) {
	var table facematch.ThresholdTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return table, fmt.Errorf("parse thresholds: %w", err)
	}
	if len(table.Sources) == 0 {
		return table, fmt.Errorf("parse thresholds: no source rows")
	}
	for src, row := range table.Sources {
		if facematch.ParseSource(string(src)) != src {
			return table, fmt.Errorf("parse thresholds: unknown source %q", src)
		}
		if !row.Valid() {
			return table, fmt.Errorf("parse thresholds: row %s is not ordered", src)
		}
	}
	if !table.Default.Valid() {
		return table, fmt.Errorf("parse thresholds: default row is not ordered")
	}
	return table, nil
}

// Clustering converts the loaded values into an engine configuration.
func (c *Config) Clustering() clustering.Config {
	cfg := clustering.DefaultConfig()
	cfg.Thresholds = c.Thresholds
	cfg.MinEvidenceGap = c.Cluster.MinEvidenceGap
	cfg.SessionBoost = c.Cluster.SessionBoost
	cfg.SessionWindow = c.Cluster.SessionWindow
	cfg.MinSupportingAnchors = c.Cluster.MinSupportingAnchors
	cfg.Pass2MinMargin = c.Cluster.Pass2MinMargin
	cfg.MaxAnchorsPerCluster = c.Cluster.MaxAnchorsPerCluster
	// the index must reach past the anchors of the nearest cluster
	cfg.SearchCandidates = max(cfg.SearchCandidates, 2*cfg.MaxAnchorsPerCluster)
	cfg.SearchWorkers = c.Cluster.SearchWorkers
	cfg.UndoTTL = c.Cluster.UndoTTL
	return cfg
}

// Addr returns the listen address of the HTTP server.
func (c *WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
