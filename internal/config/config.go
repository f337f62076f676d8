package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds runtime settings read from the environment.
type Config struct {
	Port         string
	StoreBackend string
	MongoURI     string
	MongoDB      string

	JWTSecret string
	JWTExpiry time.Duration

	// AdminPassword, when set, creates AdminUsername at startup if missing.
	AdminUsername string
	AdminPassword string

	MQTTBroker   string
	MQTTClientID string
	MQTTUser     string
	MQTTPass     string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	SweepInterval    time.Duration
	RecomputeWorkers int
	RateWindow       int
	RateMinSpan      time.Duration
	ItemTimeout      time.Duration
	MaxBatchItems    int
	NotifyTimeout    time.Duration

	LogLevel  string
	LogFormat string

	RateLimitRequests int
	RateLimitWindow   int
}

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("could not load .env file")
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		MongoURI:     getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:      getEnv("MONGO_DB", "fleet_maintenance"),

		JWTSecret: getEnv("JWT_SECRET", "default-secret-key-change-in-production"),
		JWTExpiry: getDuration("JWT_EXPIRY", 24*time.Hour),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "fleet-maintenance"),
		MQTTUser:     os.Getenv("MQTT_USER"),
		MQTTPass:     os.Getenv("MQTT_PASS"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    getEnv("INFLUX_ORG", "fleet"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "readings"),

		SweepInterval:    getDuration("SWEEP_INTERVAL", time.Minute),
		RecomputeWorkers: getInt("RECOMPUTE_WORKERS", 4),
		RateWindow:       getInt("RATE_WINDOW", 10),
		RateMinSpan:      getDuration("RATE_MIN_SPAN", time.Hour),
		ItemTimeout:      getDuration("ITEM_TIMEOUT", 5*time.Second),
		MaxBatchItems:    getInt("MAX_BATCH_ITEMS", 1000),
		NotifyTimeout:    getDuration("NOTIFY_TIMEOUT", 10*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		RateLimitRequests: getInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getInt("RATE_LIMIT_WINDOW", 60),
	}
}

// SetupLogging applies the configured level and formatter to the standard logger.
func (c *Config) SetupLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("level", c.LogLevel).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.WithField("key", key).WithField("value", v).Warn("invalid integer, using default")
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.WithField("key", key).WithField("value", v).Warn("invalid duration, using default")
		return fallback
	}
	return d
}
