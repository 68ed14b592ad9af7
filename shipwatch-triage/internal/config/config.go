package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"shipwatch/ship-common/config"
	"shipwatch/shipwatch-triage/internal/clinical"
	"shipwatch/shipwatch-triage/internal/models"

	"gopkg.in/yaml.v3"
)

// Store and transport names
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	TransportPostgres = "postgres"
	TransportRedis    = "redis"
	TransportMemory   = "memory"
)

// Config triage service configuration
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// postgres or memory
	Store string
	// postgres, redis or memory; empty picks the store's natural channel
	BridgeTransport string

	Triage struct {
		TickInterval        time.Duration
		AdmitChance         float64
		MaxConcurrentVisits int
		TicksPerDwellHour   int
		// ObservationFloorTicks < 0 means take it from the tables (hours)
		ObservationFloorTicks int
		CASRetries            int
		TablesFile            string
		Seed                  int64
		DriverEnabled         bool
	}

	Bridge struct {
		BackoffFloor   time.Duration
		BackoffCeiling time.Duration
	}

	Fanout struct {
		MailboxLimit  int
		MQTTEnabled   bool
		StreamEnabled bool
		EventStream   string
		StreamMaxLen  int64
	}

	Presence struct {
		CacheEnabled bool
		CacheTTL     time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}

	tables TablesFile
}

// TablesFile clinical budgets in hours, keyed by condition name
type TablesFile struct {
	DwellHours            map[string]int `yaml:"dwell_hours"`
	MinimumStayHours      map[string]int `yaml:"minimum_stay_hours"`
	ObservationFloorHours *int           `yaml:"observation_floor_hours"`
}

// Load reads the environment, falling back to defaults
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "shipwatch",
		SSLMode:  "disable",
		MaxConns: 10,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:      "tcp://localhost:1883",
		ClientID:    "shipwatch-triage",
		QoS:         1,
		TopicPrefix: "shipwatch",
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Store = getEnv("STORE", StorePostgres)
	cfg.BridgeTransport = getEnv("BRIDGE_TRANSPORT", "")

	cfg.Triage.TickInterval = time.Duration(getEnvInt("TRIAGE_TICK_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.Triage.AdmitChance = getEnvFloat("TRIAGE_ADMIT_CHANCE", 0.05)
	cfg.Triage.MaxConcurrentVisits = getEnvInt("TRIAGE_MAX_CONCURRENT_VISITS", 3)
	cfg.Triage.TicksPerDwellHour = getEnvInt("TRIAGE_TICKS_PER_DWELL_HOUR", 1)
	cfg.Triage.ObservationFloorTicks = getEnvInt("TRIAGE_OBSERVATION_FLOOR_TICKS", -1)
	cfg.Triage.CASRetries = getEnvInt("TRIAGE_CAS_RETRIES", 0)
	cfg.Triage.Seed = int64(getEnvInt("TRIAGE_SEED", int(time.Now().UnixNano()%1_000_000)))
	cfg.Triage.DriverEnabled = getEnv("TRIAGE_DRIVER_ENABLED", "true") == "true"

	cfg.Bridge.BackoffFloor = time.Duration(getEnvInt("BRIDGE_BACKOFF_FLOOR_MS", 500)) * time.Millisecond
	cfg.Bridge.BackoffCeiling = time.Duration(getEnvInt("BRIDGE_BACKOFF_CEILING_MS", 10000)) * time.Millisecond

	cfg.Fanout.MailboxLimit = getEnvInt("FANOUT_MAILBOX_LIMIT", 1024)
	cfg.Fanout.MQTTEnabled = getEnv("FANOUT_MQTT_ENABLED", "false") == "true"
	cfg.Fanout.StreamEnabled = getEnv("FANOUT_STREAM_ENABLED", "false") == "true"
	cfg.Fanout.EventStream = getEnv("FANOUT_EVENT_STREAM", "shipwatch:events")
	cfg.Fanout.StreamMaxLen = int64(getEnvInt("FANOUT_STREAM_MAXLEN", 10000))

	cfg.Presence.CacheEnabled = getEnv("PRESENCE_CACHE_ENABLED", "false") == "true"
	cfg.Presence.CacheTTL = time.Duration(getEnvInt("PRESENCE_CACHE_TTL_SEC", 30)) * time.Second

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if path := getEnv("TRIAGE_TABLES_FILE", ""); path != "" {
		if err := cfg.LoadTablesFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadTablesFile reads dwell/stay hours from a YAML file
func (c *Config) LoadTablesFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tables file: %w", err)
	}
	var doc TablesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse tables file %s: %w", path, err)
	}
	c.Triage.TablesFile = path
	c.tables = doc
	return nil
}

// Transport bridge transport after defaulting
func (c *Config) Transport() string {
	if c.BridgeTransport != "" {
		return c.BridgeTransport
	}
	if c.Store == StoreMemory {
		return TransportMemory
	}
	return TransportPostgres
}

// ClinicalTables built-in hours overlaid with the tables file, scaled to ticks
func (c *Config) ClinicalTables() (clinical.Tables, error) {
	tph := c.Triage.TicksPerDwellHour
	if tph < 1 {
		return clinical.Tables{}, fmt.Errorf("TRIAGE_TICKS_PER_DWELL_HOUR must be at least 1, got %d", tph)
	}

	// defaults are expressed at one tick per hour
	hours := clinical.DefaultTables()
	if err := overlay(hours.DwellTicks, c.tables.DwellHours, "dwell_hours"); err != nil {
		return clinical.Tables{}, err
	}
	if err := overlay(hours.MinimumStayTicks, c.tables.MinimumStayHours, "minimum_stay_hours"); err != nil {
		return clinical.Tables{}, err
	}
	if c.tables.ObservationFloorHours != nil {
		hours.ObservationFloorTicks = *c.tables.ObservationFloorHours
	}

	tables := clinical.Tables{
		DwellTicks:            make(map[models.Acuity]int, len(hours.DwellTicks)),
		MinimumStayTicks:      make(map[models.Acuity]int, len(hours.MinimumStayTicks)),
		ObservationFloorTicks: hours.ObservationFloorTicks * tph,
	}
	for a, h := range hours.DwellTicks {
		tables.DwellTicks[a] = h * tph
	}
	for a, h := range hours.MinimumStayTicks {
		tables.MinimumStayTicks[a] = h * tph
	}
	if c.Triage.ObservationFloorTicks >= 0 {
		tables.ObservationFloorTicks = c.Triage.ObservationFloorTicks
	}

	if err := tables.Validate(); err != nil {
		return clinical.Tables{}, fmt.Errorf("invalid clinical tables: %w", err)
	}
	return tables, nil
}

func overlay(dst map[models.Acuity]int, src map[string]int, field string) error {
	for name, v := range src {
		a, err := models.ParseAcuity(name)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		dst[a] = v
	}
	return nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("STORE=postgres: %w", err)
		}
		if c.Transport() != TransportPostgres {
			return fmt.Errorf("STORE=postgres publishes through pg_notify, BRIDGE_TRANSPORT must be postgres, got %q", c.Transport())
		}
	case StoreMemory:
		switch c.Transport() {
		case TransportMemory, TransportRedis:
		default:
			return fmt.Errorf("STORE=memory supports BRIDGE_TRANSPORT memory or redis, got %q", c.Transport())
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}

	if c.Triage.TickInterval <= 0 {
		return fmt.Errorf("TRIAGE_TICK_INTERVAL_MS must be positive")
	}
	if c.Triage.AdmitChance < 0 || c.Triage.AdmitChance > 1 {
		return fmt.Errorf("TRIAGE_ADMIT_CHANCE must be within [0,1], got %v", c.Triage.AdmitChance)
	}
	if c.Triage.MaxConcurrentVisits < 0 {
		return fmt.Errorf("TRIAGE_MAX_CONCURRENT_VISITS must not be negative")
	}
	if c.Triage.CASRetries < 0 {
		return fmt.Errorf("TRIAGE_CAS_RETRIES must not be negative")
	}
	if c.Bridge.BackoffFloor <= 0 || c.Bridge.BackoffCeiling < c.Bridge.BackoffFloor {
		return fmt.Errorf("bridge backoff needs 0 < floor <= ceiling, got %s/%s", c.Bridge.BackoffFloor, c.Bridge.BackoffCeiling)
	}
	if (c.Fanout.StreamEnabled || c.Presence.CacheEnabled || c.Transport() == TransportRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required by the selected features")
	}
	if c.Fanout.MQTTEnabled && c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT_BROKER is required with FANOUT_MQTT_ENABLED")
	}

	if _, err := c.ClinicalTables(); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}
