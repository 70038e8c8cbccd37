package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string

	AccessTTLHours  int
	RefreshTTLDays  int
	AdminUsername   string
	AdminPassword   string
	IngestSecret    string
	BotToken        string
	CORSOrigins     []string
	MediaDir        string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/tgarchive.db"),
		JwtSecret:  getenv("JWT_SECRET", ""),

		AccessTTLHours: getenvInt("ACCESS_TOKEN_TTL_HOURS", 2),
		RefreshTTLDays: getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		AdminUsername:  getenv("ADMIN_USERNAME", "admin"),
		AdminPassword:  getenv("ADMIN_PASSWORD", ""),
		IngestSecret:   getenv("API_INGEST_SECRET", ""),
		BotToken:       getenv("BOT_TOKEN", ""),
		CORSOrigins:    strings.Split(getenv("CORS_ORIGINS", "http://localhost:3000"), ","),
		MediaDir:       getenv("MEDIA_DIR", "./data/media"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getenv("POSTGRES_PORT", "5432"),
		PostgresUser:     getenv("POSTGRES_USER", ""),
		PostgresPassword: getenv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getenv("POSTGRES_DB", ""),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}
	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	env := strings.ToLower(getenv("ENV", ""))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "" {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.IngestSecret == "" {
			return nil, errors.New("API_INGEST_SECRET must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
