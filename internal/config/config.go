package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Provider exposes configuration through getters so tests can substitute a
// static provider without touching the environment.
type Provider interface {
	GetAddr() string
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetSessionSecret() string
	GetBlocklistPath() string
	GetTypingTTL() time.Duration
	GetHistoryPageSize() int
}

// Config holds all configuration for the application, loaded from the
// environment.
type Config struct {
	Addr            string
	DBURL           string
	DBNs            string
	DBDb            string
	DBUser          string
	DBPass          string
	SessionSecret   string
	BlocklistPath   string
	TypingTTL       time.Duration
	HistoryPageSize int
}

// New loads configuration from environment variables. A .env file is honored
// when present.
func New() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Addr:            getEnv("PARLEY_ADDR", ":8080"),
		DBURL:           os.Getenv("SURREAL_URL"),
		DBUser:          os.Getenv("SURREAL_USER"),
		DBPass:          os.Getenv("SURREAL_PASS"),
		DBNs:            os.Getenv("SURREAL_NS"),
		DBDb:            os.Getenv("SURREAL_DB"),
		SessionSecret:   getEnv("SESSION_SECRET", "parley-dev-secret"),
		BlocklistPath:   os.Getenv("BLOCKLIST_PATH"),
		TypingTTL:       getDuration("TYPING_TTL", 6*time.Second),
		HistoryPageSize: getInt("HISTORY_PAGE_SIZE", 50),
	}

	if cfg.DBURL == "" || cfg.DBNs == "" || cfg.DBDb == "" {
		log.Fatal("Required environment variables SURREAL_URL, SURREAL_NS, or SURREAL_DB are not set.")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Invalid duration in %s, using default %s", key, fallback)
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("Invalid integer in %s, using default %d", key, fallback)
	}
	return fallback
}

func (c *Config) GetAddr() string             { return c.Addr }
func (c *Config) GetDBURL() string            { return c.DBURL }
func (c *Config) GetDBNs() string             { return c.DBNs }
func (c *Config) GetDBDb() string             { return c.DBDb }
func (c *Config) GetDBUser() string           { return c.DBUser }
func (c *Config) GetDBPass() string           { return c.DBPass }
func (c *Config) GetSessionSecret() string    { return c.SessionSecret }
func (c *Config) GetBlocklistPath() string    { return c.BlocklistPath }
func (c *Config) GetTypingTTL() time.Duration { return c.TypingTTL }
func (c *Config) GetHistoryPageSize() int     { return c.HistoryPageSize }

// Static is a fixed-value Provider for tests.
type Static struct {
	Addr            string
	DBURL           string
	DBNs            string
	DBDb            string
	DBUser          string
	DBPass          string
	SessionSecret   string
	BlocklistPath   string
	TypingTTL       time.Duration
	HistoryPageSize int
}

func (s Static) GetAddr() string             { return s.Addr }
func (s Static) GetDBURL() string            { return s.DBURL }
func (s Static) GetDBNs() string             { return s.DBNs }
func (s Static) GetDBDb() string             { return s.DBDb }
func (s Static) GetDBUser() string           { return s.DBUser }
func (s Static) GetDBPass() string           { return s.DBPass }
func (s Static) GetSessionSecret() string    { return s.SessionSecret }
func (s Static) GetBlocklistPath() string    { return s.BlocklistPath }
func (s Static) GetTypingTTL() time.Duration { return s.TypingTTL }
func (s Static) GetHistoryPageSize() int     { return s.HistoryPageSize }
