package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	Environment    string        `mapstructure:"environment"`
	AllowedOrigins []string      `mapstructure:"-"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	CookieSecure   bool          `mapstructure:"cookie_secure"`
	DatabaseURL    string        `mapstructure:"database_url"`
	LogLevel       string        `mapstructure:"log_level"`
	AdminUsername  string        `mapstructure:"admin_username"`
	Redis          RedisConfig   `mapstructure:"redis"`
	WS             WSConfig      `mapstructure:"ws"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// PresenceTTL bounds how long a mirrored presence entry outlives its
	// instance if that instance dies without cleaning up.
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

// WSConfig holds the per-connection limits of the signaling socket.
type WSConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
}

// DefaultJWTSecret is the development fallback; production refuses to start with it.
const DefaultJWTSecret = "change-me-in-production"

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads .env (if present), an optional CONFIG_FILE and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// nested keys map to REDIS_HOST, WS_PING_PERIOD, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Parse allowed origins (comma-separated)
	for _, origin := range strings.Split(v.GetString("allowed_origins"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:5173")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("database_url", "file:calls.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_username", "")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.presence_ttl", "2m")

	v.SetDefault("ws.read_limit", 65536)
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.write_wait", "10s")
	v.SetDefault("ws.send_buffer", 256)
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must not be empty")
	}
	if c.IsProduction() && c.JWTSecret == DefaultJWTSecret {
		return errors.New("jwt_secret must be set in production")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive, got %s", c.TokenTTL)
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("ws.ping_period (%s) must be shorter than ws.pong_wait (%s)", c.WS.PingPeriod, c.WS.PongWait)
	}
	if c.Redis.Enabled && c.Redis.PresenceTTL <= 0 {
		return fmt.Errorf("redis.presence_ttl must be positive, got %s", c.Redis.PresenceTTL)
	}
	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be positive, got %d", c.WS.SendBuffer)
	}
	return nil
}
