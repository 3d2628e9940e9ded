package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort            string   `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL         string   `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret           string   `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer           string   `env:"JWT_ISSUER" envDefault:"orgchat"`
	JWTAccessTTLMinutes int      `env:"JWT_ACCESS_TTL_MINUTES" envDefault:"60"`
	RedisAddr           string   `env:"REDIS_ADDR"`
	RedisPassword       string   `env:"REDIS_PASSWORD"`
	RedisDB             int      `env:"REDIS_DB" envDefault:"0"`
	CacheTTLSeconds     int      `env:"CACHE_TTL_SECONDS" envDefault:"60"`
	CacheWindow         int      `env:"CACHE_WINDOW" envDefault:"20"`
	BrokerStream        string   `env:"BROKER_STREAM" envDefault:"chat:events"`
	BrokerMaxLen        int64    `env:"BROKER_MAX_LEN" envDefault:"10000"`
	InstanceID          string   `env:"INSTANCE_ID"`
	BrokerDestroyGroup  bool     `env:"BROKER_DESTROY_GROUP_ON_CLOSE" envDefault:"false"`
	WSAllowedOrigins    []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	SeenMessagesPerConn int      `env:"SEEN_MESSAGES_PER_SESSION" envDefault:"512"`
	BootstrapSchema     bool     `env:"BOOTSTRAP_SCHEMA" envDefault:"true"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "orgchat"
		}
		cfg.InstanceID = host
	}
	return &cfg, nil
}

func (c *Config) CacheTTL() time.Duration {
	if c.CacheTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.JWTAccessTTLMinutes) * time.Minute
}

// RedisEnabled indica si hay un Redis compartido; sin él el servidor corre como instancia única.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}
