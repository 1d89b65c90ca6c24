// Package config assembles runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	MetricsEnabled bool
	MetricsAddr    string

	RegionURL   string
	TileURL     string
	MaxFeatures int

	RedisAddr    string
	RedisEnabled bool

	MaxTiles        int
	TileConcurrency int
	TileTimeout     time.Duration
	LocalTTL        time.Duration

	MemoryMaxItems int
	MemoryMaxBytes int64
	MemoryTTL      time.Duration
	JanitorEvery   time.Duration

	PrefetchEnabled  bool
	OverwritePolicy  bool
	GateHistory      int
	ShutdownDeadline time.Duration

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:           getenv("ADDR", ":8091"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		MetricsEnabled: getbool("METRICS_ENABLED", true),
		MetricsAddr:    getenv("METRICS_ADDR", ":9091"),

		RegionURL:   getenv("REGION_URL", "http://localhost:8080/api/buildings"),
		TileURL:     getenv("TILE_URL", "http://localhost:8080/api/buildings"),
		MaxFeatures: getint("MAX_FEATURES", 8000),

		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		RedisEnabled: getbool("REDIS_ENABLED", true),

		MaxTiles:        getint("MAX_TILES", 6),
		TileConcurrency: getint("TILE_CONCURRENCY", 4),
		TileTimeout:     getduration("TILE_TIMEOUT", 8*time.Second),
		LocalTTL:        getduration("LOCAL_TTL", 10*time.Minute),

		MemoryMaxItems: getint("MEMORY_MAX_ITEMS", 256),
		MemoryMaxBytes: getint64("MEMORY_MAX_BYTES", 64<<20),
		MemoryTTL:      getduration("MEMORY_TTL", 5*time.Minute),
		JanitorEvery:   getduration("JANITOR_INTERVAL", time.Minute),

		PrefetchEnabled:  getbool("PREFETCH_ENABLED", true),
		OverwritePolicy:  getbool("STORE_OVERWRITE", false),
		GateHistory:      getint("GATE_HISTORY", 20),
		ShutdownDeadline: getduration("SHUTDOWN_DEADLINE", 10*time.Second),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "building-updates"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "datalayer-invalidator"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
