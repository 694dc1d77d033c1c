package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Appliance   ApplianceConfig   `yaml:"appliance"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Matching    MatchingConfig    `yaml:"matching"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Gate maps an appliance channel to a named gate and its direction.
type Gate struct {
	Channel   int    `yaml:"channel"`
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"` // "in" or "out"
}

type ApplianceConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Timeout       time.Duration `yaml:"timeout"`
	PageSize      int           `yaml:"page_size"`
	MaxPages      int           `yaml:"max_pages"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	DrainWindow   time.Duration `yaml:"drain_window"`
	EventCodes    []string      `yaml:"event_codes"`
	Gates         []Gate        `yaml:"gates"`
}

func (a ApplianceConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", a.Host, a.Port)
}

// GateByChannel returns the gate mapping for a channel, or nil when the
// channel is not configured.
func (a ApplianceConfig) GateByChannel(channel int) *Gate {
	for i := range a.Gates {
		if a.Gates[i].Channel == channel {
			return &a.Gates[i]
		}
	}
	return nil
}

type RecognitionConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

type MatchingConfig struct {
	// AccuracyThreshold is the minimum accepted match confidence, in percent.
	AccuracyThreshold int `yaml:"accuracy_threshold"`
	// MaxStayMinutes bounds how far back an OUT detection looks for its IN.
	MaxStayMinutes int `yaml:"max_stay_minutes"`
	// MinDwellMinutes is the minimum elapsed time between an IN and a
	// plausible OUT for the same visitor.
	MinDwellMinutes      int           `yaml:"min_dwell_minutes"`
	RetryCeiling         int           `yaml:"retry_ceiling"`
	BatchLimit           int           `yaml:"batch_limit"`
	RequestDelay         time.Duration `yaml:"request_delay"`
	MatchInterval        time.Duration `yaml:"match_interval"`
	RegistrationInterval time.Duration `yaml:"registration_interval"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	// Timezone is the IANA name of the site-local timezone. It is threaded
	// explicitly through every timestamp operation; the process default
	// timezone is never touched.
	Timezone string `yaml:"timezone"`
}

func (m MatchingConfig) MaxStay() time.Duration {
	return time.Duration(m.MaxStayMinutes) * time.Minute
}

func (m MatchingConfig) MinDwell() time.Duration {
	return time.Duration(m.MinDwellMinutes) * time.Minute
}

type NotifyConfig struct {
	Enabled bool          `yaml:"enabled"`
	URLs    []string      `yaml:"urls"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Appliance.Port == 0 {
		cfg.Appliance.Port = 80
	}
	if cfg.Appliance.Timeout == 0 {
		cfg.Appliance.Timeout = 30 * time.Second
	}
	if cfg.Appliance.PageSize == 0 {
		cfg.Appliance.PageSize = 64
	}
	if cfg.Appliance.MaxPages == 0 {
		cfg.Appliance.MaxPages = 1000
	}
	if cfg.Appliance.DrainInterval == 0 {
		cfg.Appliance.DrainInterval = 5 * time.Minute
	}
	if cfg.Appliance.DrainWindow == 0 {
		cfg.Appliance.DrainWindow = 30 * time.Minute
	}
	if len(cfg.Appliance.EventCodes) == 0 {
		cfg.Appliance.EventCodes = []string{"FaceRecognition"}
	}
	if cfg.Recognition.Timeout == 0 {
		cfg.Recognition.Timeout = 20 * time.Second
	}
	if cfg.Recognition.Collection == "" {
		cfg.Recognition.Collection = "visitors"
	}
	if cfg.Matching.AccuracyThreshold == 0 {
		cfg.Matching.AccuracyThreshold = 80
	}
	if cfg.Matching.MaxStayMinutes == 0 {
		cfg.Matching.MaxStayMinutes = 720
	}
	if cfg.Matching.MinDwellMinutes == 0 {
		cfg.Matching.MinDwellMinutes = 2
	}
	if cfg.Matching.RetryCeiling == 0 {
		cfg.Matching.RetryCeiling = 3
	}
	if cfg.Matching.BatchLimit == 0 {
		cfg.Matching.BatchLimit = 200
	}
	if cfg.Matching.RequestDelay == 0 {
		cfg.Matching.RequestDelay = 500 * time.Millisecond
	}
	if cfg.Matching.MatchInterval == 0 {
		cfg.Matching.MatchInterval = 5 * time.Minute
	}
	if cfg.Matching.RegistrationInterval == 0 {
		cfg.Matching.RegistrationInterval = 5 * time.Minute
	}
	if cfg.Matching.RetryInterval == 0 {
		cfg.Matching.RetryInterval = 15 * time.Minute
	}
	if cfg.Matching.Timezone == "" {
		cfg.Matching.Timezone = "UTC"
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GW_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("GW_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("GW_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("GW_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("GW_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("GW_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("GW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("GW_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("GW_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("GW_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("GW_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("GW_APPLIANCE_HOST"); v != "" {
		cfg.Appliance.Host = v
	}
	if v := os.Getenv("GW_APPLIANCE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Appliance.Port = port
		}
	}
	if v := os.Getenv("GW_APPLIANCE_USERNAME"); v != "" {
		cfg.Appliance.Username = v
	}
	if v := os.Getenv("GW_APPLIANCE_PASSWORD"); v != "" {
		cfg.Appliance.Password = v
	}
	if v := os.Getenv("GW_RECOGNITION_BASE_URL"); v != "" {
		cfg.Recognition.BaseURL = v
	}
	if v := os.Getenv("GW_RECOGNITION_API_KEY"); v != "" {
		cfg.Recognition.APIKey = v
	}
	if v := os.Getenv("GW_TIMEZONE"); v != "" {
		cfg.Matching.Timezone = v
	}
}

// Location resolves the configured site timezone.
func (m MatchingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", m.Timezone, err)
	}
	return loc, nil
}
